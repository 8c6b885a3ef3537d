package snapshot

import (
	"context"
	"fmt"
	"reflect"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ignoreSigningHeadersKey tags the context value carrying the headers
// ignoreSigningHeaders stripped before signing, so restoreIgnoredHeaders
// can put them back afterward.
type ignoreSigningHeadersKey struct{}

// ignoreSigningHeaders excludes the named headers from the SigV4
// signature, because some S3-compatible stores (this snapshot exporter
// targets more than just AWS) alter them in transit and would otherwise
// fail signature verification.
//
// See https://github.com/aws/aws-sdk-go-v2/issues/1816.
func ignoreSigningHeaders(o *s3.Options, headers []string) {
	o.APIOptions = append(o.APIOptions, func(stack *middleware.Stack) error {
		if err := stack.Finalize.Insert(stripHeaders(headers), "Signing", middleware.Before); err != nil {
			return err
		}
		return stack.Finalize.Insert(restoreHeaders(), "Signing", middleware.After)
	})
}

func stripHeaders(headers []string) middleware.FinalizeMiddleware {
	return middleware.FinalizeMiddlewareFunc(
		"SnapshotStripSigningHeaders",
		func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (out middleware.FinalizeOutput, metadata middleware.Metadata, err error) {
			req, ok := in.Request.(*smithyhttp.Request)
			if !ok {
				return out, metadata, &v4.SigningError{Err: fmt.Errorf("snapshot: unexpected request type %T", in.Request)}
			}

			ignored := make(map[string]string, len(headers))
			for _, h := range headers {
				ignored[h] = req.Header.Get(h)
				req.Header.Del(h)
			}
			ctx = middleware.WithStackValue(ctx, ignoreSigningHeadersKey{}, ignored)
			return next.HandleFinalize(ctx, in)
		},
	)
}

func restoreHeaders() middleware.FinalizeMiddleware {
	return middleware.FinalizeMiddlewareFunc(
		"SnapshotRestoreSigningHeaders",
		func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (out middleware.FinalizeOutput, metadata middleware.Metadata, err error) {
			req, ok := in.Request.(*smithyhttp.Request)
			if !ok {
				return out, metadata, &v4.SigningError{Err: fmt.Errorf("snapshot: unexpected request type %T", in.Request)}
			}
			ignored, _ := middleware.GetStackValue(ctx, ignoreSigningHeadersKey{}).(map[string]string)
			for k, v := range ignored {
				req.Header.Set(k, v)
			}
			return next.HandleFinalize(ctx, in)
		},
	)
}

// disableTrailingChecksum turns off trailing-checksum trailers for
// PutObject, which several S3-compatible object stores (this exporter's
// whole reason for existing is to also target those, not just AWS S3)
// reject outright.
func disableTrailingChecksum(o *s3.Options) {
	o.APIOptions = append(o.APIOptions, func(stack *middleware.Stack) error {
		return stack.Initialize.Add(middleware.InitializeMiddlewareFunc(
			"SnapshotDisableTrailingChecksum",
			func(ctx context.Context, in middleware.InitializeInput, next middleware.InitializeHandler) (out middleware.InitializeOutput, metadata middleware.Metadata, err error) {
				if middleware.GetOperationName(ctx) == "PutObject" {
					if checksumMiddleware, ok := stack.Finalize.Get("AWSChecksum:ComputeInputPayloadChecksum"); ok {
						if v := reflect.ValueOf(checksumMiddleware).Elem(); v.IsValid() {
							if field := v.FieldByName("EnableTrailingChecksum"); field.IsValid() && field.CanSet() && field.Kind() == reflect.Bool {
								field.SetBool(false)
							}
						}
					}
					_, _ = stack.Finalize.Remove("addInputChecksumTrailer")
				}
				return next.HandleInitialize(ctx, in)
			},
		), middleware.Before)
	})
}

// signingCompatibilityHeaders lists the request headers known to be
// rewritten in transit by at least one S3-compatible provider this
// exporter has been pointed at, and so must be excluded from the SigV4
// signature or every upload fails with SignatureDoesNotMatch.
var signingCompatibilityHeaders = []string{"Accept-Encoding", "User-Agent"}
