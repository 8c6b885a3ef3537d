// Package bperror defines the error kinds shared across the proxy
// pipeline. Every asynchronous operation in this module returns a plain
// error; callers that need to branch on kind use errors.Is/As against
// the sentinels and types below instead of inspecting strings.
package bperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for metrics and response-status mapping. It
// does not replace the error's message, only its disposition.
type Kind int

const (
	// KindProtocol covers malformed framing or an illegal state
	// transition in an upstream protocol client (AJP, FastCGI, WAS).
	KindProtocol Kind = iota
	// KindUpstreamIO covers EIO, peer reset, and timeouts talking to an
	// upstream resource.
	KindUpstreamIO
	// KindTranslation covers a failure talking to the translation
	// server, or a malformed translation response.
	KindTranslation
	// KindNotFound covers a missing resource (file 404, unhandled
	// address type).
	KindNotFound
	// KindConfig covers a malformed incoming request (unknown method,
	// bad URI) surfaced as a synthetic 4xx.
	KindConfig
	// KindCancelled marks a cancellation; it is not a true error and
	// must never reach a response handler's error path.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindUpstreamIO:
		return "upstream-io"
	case KindTranslation:
		return "translation"
	case KindNotFound:
		return "not-found"
	case KindConfig:
		return "config"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying a Kind alongside the usual
// wrapped cause.
type Error struct {
	Kind Kind
	Op   string // component/operation, e.g. "ajp.FORWARD_REQUEST"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) has the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// ErrCancelled is returned by asynchronous operations that were
// cancelled before completion. It is never passed to a response
// handler's error callback; it only unwinds internal call stacks.
var ErrCancelled = New(KindCancelled, "cancel", errors.New("operation cancelled"))
