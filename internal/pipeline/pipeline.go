// Package pipeline implements the per-request orchestrator of spec.md
// §4.12: translate, load, run the transformation chain, and forward
// the assembled response, following internal redirects up to the
// fixed hop limit and feeding every intermediate Set-Cookie into the
// outgoing cookiejar.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/CM4all/beng-proxy/internal/bperror"
	"github.com/CM4all/beng-proxy/internal/cookiejar"
	"github.com/CM4all/beng-proxy/internal/filtercache"
	"github.com/CM4all/beng-proxy/internal/headerforward"
	"github.com/CM4all/beng-proxy/internal/headers"
	"github.com/CM4all/beng-proxy/internal/httpcache"
	"github.com/CM4all/beng-proxy/internal/istream"
	"github.com/CM4all/beng-proxy/internal/resource"
	"github.com/CM4all/beng-proxy/internal/resourceloader"
	"github.com/CM4all/beng-proxy/internal/translate"
	"github.com/CM4all/beng-proxy/internal/xlatecache"
)

// MaxRedirects is the internal-follow-up cap spec.md §4.12 names.
const MaxRedirects = 8

// Request is the inbound request the pipeline dispatches.
type Request struct {
	Method       string
	URI          string
	Host         string
	QueryString  string
	Headers      *headers.Map
	Body         []byte
	RemoteAddr   string
	LocalAddress string
	Session      []byte
}

// Response is the final, fully-transformed and header-forwarded
// result. Body is an Istream rather than a byte slice so that a
// passthrough response (no Filter/Process step in its transformation
// chain) can be forwarded without ever being fully buffered, per
// spec.md's istream conservation invariant.
type Response struct {
	Status  int
	Headers *headers.Map
	Body    istream.Istream
}

// Processor is the handler contract for the in-process HTML/CSS/text
// processors; their parse trees are out of scope (spec.md's Non-goals
// exclude "the HTML/XML widget processor's parse tree" and "CSS/text
// processors"), so only this boundary is implemented here. Responses
// it returns are never cached, per spec.md §4.12 step 5.
type Processor interface {
	Process(ctx context.Context, kind translate.TransformKind, status int, h *headers.Map, body []byte) (int, *headers.Map, []byte, error)
}

// NoopProcessor satisfies Processor without touching the body, for use
// when no real HTML/CSS/text processor is wired in.
type NoopProcessor struct{}

func (NoopProcessor) Process(_ context.Context, _ translate.TransformKind, status int, h *headers.Map, body []byte) (int, *headers.Map, []byte, error) {
	return status, h, body, nil
}

// Pipeline holds every collaborator one request traversal needs.
type Pipeline struct {
	Xlate       *xlatecache.Cache
	TranslateFn xlatecache.TranslateFunc
	Loader      *resourceloader.ResourceLoader
	HTTPCache   *httpcache.Cache
	FilterCache *filtercache.Cache
	Jar         *cookiejar.Jar
	Processor   Processor

	HeaderPolicy  headerforward.Policy
	LocalIdentity string
	MaxBodySize   int64
	ObeyNoCache   bool
	EagerCache    bool
}

// Handle runs one request through translate -> load -> transform ->
// forward, following internal redirects per spec.md §4.12.
func (p *Pipeline) Handle(ctx context.Context, req *Request) (*Response, error) {
	cur := req
	for hop := 0; hop <= MaxRedirects; hop++ {
		xreq := &translate.Request{
			URI:          cur.URI,
			Host:         cur.Host,
			Session:      cur.Session,
			RemoteHost:   cur.RemoteAddr,
			LocalAddress: cur.LocalAddress,
			UserAgent:    cur.Headers.GetOr("user-agent", ""),
			QueryString:  cur.QueryString,
		}

		xresp, err := p.Xlate.Lookup(ctx, xreq, p.TranslateFn)
		if err != nil {
			return nil, bperror.New(bperror.KindTranslation, "pipeline.Handle", err)
		}

		if xresp.Redirect != "" {
			return p.synthesizeRedirect(xresp.Redirect, cur, xresp.RedirectQueryString), nil
		}
		if xresp.Bounce != "" {
			return p.synthesizeRedirect(xresp.Bounce, cur, false), nil
		}

		resp, err := p.dispatch(ctx, xresp, cur)
		if err != nil {
			return nil, err
		}

		if hop < MaxRedirects && xresp.Transparent && isRedirectStatus(resp.Status) {
			if loc, ok := resp.Headers.Get("location"); ok && loc != "" {
				storeIntermediateCookies(p.Jar, cur.Host, resp.Headers)
				cur = followRedirect(cur, loc)
				continue
			}
		}

		final, err := p.applyTransformations(ctx, xresp, cur, resp)
		if err != nil {
			return nil, err
		}

		downHeaders := headerforward.Forward(final.Headers, p.HeaderPolicy, headerforward.Context{
			LocalIdentity: p.LocalIdentity,
			RemoteAddr:    cur.RemoteAddr,
		})
		return &Response{Status: final.Status, Headers: downHeaders, Body: final.Body}, nil
	}
	return nil, fmt.Errorf("pipeline: exceeded %d internal redirects", MaxRedirects)
}

// dispatch applies the header-forward policy to the upstream request,
// attaches any outgoing-jar cookies, and either serves the request out
// of HTTPCache or invokes the ResourceLoader, per spec.md §4.9's
// "Hit vs revalidate" rule and the §2 data-flow "ResourceLoader (G) ->
// HttpCache (I) -> upstream" ordering. Set-Cookie from a fresh
// upstream response is recorded into the jar either way.
func (p *Pipeline) dispatch(ctx context.Context, xresp *translate.Response, cur *Request) (*resourceloader.Response, error) {
	isRemote := xresp.Address.Kind == resource.KindHttp || xresp.Address.Kind == resource.KindAjp
	_, cacheable := httpcache.EvaluateRequest(cur.Method, cur.Headers, cur.QueryString != "", isRemote, p.ObeyNoCache)
	cacheable = cacheable && p.HTTPCache != nil

	if !cacheable {
		resp, err := p.dispatchUncached(ctx, xresp, cur, nil)
		if err != nil {
			return nil, fmt.Errorf("pipeline: load: %w", err)
		}
		return resp, nil
	}

	key := httpcache.Key(xresp.Address.GetID(), cur.Method, cur.QueryString)
	now := time.Now()
	doc, disposition := p.HTTPCache.Lookup(key, cur.Headers, now)

	switch disposition {
	case httpcache.Hit:
		h := doc.Header.Clone()
		h.Set("x-cache", "HIT")
		return &resourceloader.Response{Status: doc.Status, Headers: h, Body: istream.NewMemory(doc.Body)}, nil

	case httpcache.Revalidate:
		conditional := headers.New()
		if doc.ETag != "" {
			conditional.Set("if-none-match", doc.ETag)
		}
		if doc.LastModified != "" {
			conditional.Set("if-modified-since", doc.LastModified)
		}
		resp, err := p.dispatchUncached(ctx, xresp, cur, conditional)
		if err != nil {
			return nil, fmt.Errorf("pipeline: load: %w", err)
		}
		body, err := readAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read revalidation response: %w", err)
		}

		if resp.Status == 304 || httpcache.PreferCached(doc, resp.Headers.GetOr("etag", "")) {
			decision := httpcache.EvaluateResponse(200, resp.Headers, int64(len(doc.Body)), p.MaxBodySize, now, parseDate(resp.Headers), isRemote, p.EagerCache)
			merged := httpcache.MergeRevalidated(doc, resp.Headers, now, decision)
			p.HTTPCache.Store(key, merged)
			h := merged.Header.Clone()
			h.Set("x-cache", "HIT")
			return &resourceloader.Response{Status: merged.Status, Headers: h, Body: istream.NewMemory(merged.Body)}, nil
		}

		decision := httpcache.EvaluateResponse(resp.Status, resp.Headers, int64(len(body)), p.MaxBodySize, now, parseDate(resp.Headers), isRemote, p.EagerCache)
		if decision.Store {
			p.HTTPCache.Store(key, httpcache.BuildDocument(resp.Status, resp.Headers, body, decision, cur.Headers))
		} else {
			p.HTTPCache.Invalidate(key)
		}
		h := resp.Headers.Clone()
		h.Set("x-cache", "MISS")
		return &resourceloader.Response{Status: resp.Status, Headers: h, Body: istream.NewMemory(body)}, nil

	default: // httpcache.Miss
		resp, err := p.dispatchUncached(ctx, xresp, cur, nil)
		if err != nil {
			return nil, fmt.Errorf("pipeline: load: %w", err)
		}
		body, err := readAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read response body: %w", err)
		}
		decision := httpcache.EvaluateResponse(resp.Status, resp.Headers, int64(len(body)), p.MaxBodySize, now, parseDate(resp.Headers), isRemote, p.EagerCache)
		if decision.Store {
			p.HTTPCache.Store(key, httpcache.BuildDocument(resp.Status, resp.Headers, body, decision, cur.Headers))
		}
		h := resp.Headers.Clone()
		h.Set("x-cache", "MISS")
		return &resourceloader.Response{Status: resp.Status, Headers: h, Body: istream.NewMemory(body)}, nil
	}
}

// dispatchUncached forwards cur straight to the ResourceLoader,
// attaching any extra (e.g. conditional-revalidation) headers on top
// of the normal header-forward policy output, and records Set-Cookie
// from the response into the jar.
func (p *Pipeline) dispatchUncached(ctx context.Context, xresp *translate.Response, cur *Request, extra *headers.Map) (*resourceloader.Response, error) {
	upstreamHeaders := headerforward.Forward(cur.Headers, p.HeaderPolicy, headerforward.Context{
		LocalIdentity: p.LocalIdentity,
		RemoteAddr:    cur.RemoteAddr,
	})
	if p.Jar != nil {
		if header, ok := p.Jar.CookieHeader(cur.Host, cur.URI, time.Now()); ok {
			upstreamHeaders.Set("cookie", header)
			upstreamHeaders.Set("cookie2", cookiejar.Cookie2Header)
		}
	}
	if extra != nil {
		extra.ForEachAll(func(k, v string) { upstreamHeaders.Set(k, v) })
	}

	resp, err := loadSync(ctx, p.Loader, xresp.Address, resourceloader.Request{
		Method:     cur.Method,
		Headers:    upstreamHeaders,
		Body:       cur.Body,
		RemoteAddr: cur.RemoteAddr,
	})
	if err != nil {
		return nil, err
	}
	storeIntermediateCookies(p.Jar, cur.Host, resp.Headers)
	return resp, nil
}

// parseDate parses a response's Date header per RFC 1123, returning
// the zero time if absent or unparseable (EvaluateResponse treats a
// zero date as "no clock-skew estimate available").
func parseDate(h *headers.Map) time.Time {
	raw := h.GetOr("date", "")
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC1123, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// applyTransformations runs the translate response's transformation
// chain over resp. A response with no Filter/Process steps is
// forwarded as-is without ever being buffered into memory; a response
// with at least one step is materialized once (Filter/Processor both
// operate on a complete body) and re-wrapped into an Istream for the
// final Response.
func (p *Pipeline) applyTransformations(ctx context.Context, xresp *translate.Response, cur *Request, resp *resourceloader.Response) (*Response, error) {
	if len(xresp.Transformations) == 0 {
		return &Response{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
	}

	body, err := readAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read response body: %w", err)
	}
	status := resp.Status
	h := resp.Headers

	for i := range xresp.Transformations {
		t := &xresp.Transformations[i]
		switch t.Kind {
		case translate.TransformFilter:
			status, h, body, err = p.applyFilter(ctx, t, xresp, cur, status, h, body)
			if err != nil {
				return nil, err
			}
		default:
			status, h, body, err = p.Processor.Process(ctx, t.Kind, status, h, body)
			if err != nil {
				return nil, fmt.Errorf("pipeline: processor: %w", err)
			}
		}
	}

	return &Response{Status: status, Headers: h, Body: istream.NewMemory(body)}, nil
}

// applyFilter runs one Filter transformation step through FilterCache,
// per spec.md §4.10: a hit serves the stored output without
// re-invoking the filter; a miss dispatches the filter address with
// the prior step's output as its request body, then stores the result
// if FilterCache.Eligible and Evaluate agree it should be kept.
func (p *Pipeline) applyFilter(ctx context.Context, t *translate.Transformation, xresp *translate.Response, cur *Request, status int, h *headers.Map, body []byte) (int, *headers.Map, []byte, error) {
	sourceID := xresp.Address.GetID()
	sourceETag := h.GetOr("etag", "")
	cacheable := p.FilterCache != nil && filtercache.Eligible(sourceETag, h)

	var key string
	if cacheable {
		key = filtercache.Key(sourceID, sourceETag, t.Address.GetID())
		if doc, ok := p.FilterCache.Get(ctx, key); ok {
			return doc.Status, doc.Header.Clone(), doc.Body, nil
		}
	}

	out, err := loadSync(ctx, p.Loader, t.Address, resourceloader.Request{
		Method:     "POST", // a filter always receives the prior step's output as its body
		Headers:    h,
		Body:       body,
		RemoteAddr: cur.RemoteAddr,
	})
	if err != nil {
		return 0, nil, nil, fmt.Errorf("pipeline: filter: %w", err)
	}
	outBody, err := readAll(out.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("pipeline: read filter output: %w", err)
	}

	if cacheable {
		decision := filtercache.Evaluate(out.Status, out.Headers, int64(len(outBody)), p.MaxBodySize, time.Now())
		if decision.Store {
			doc := httpcache.BuildDocument(out.Status, out.Headers, outBody, decision, h)
			p.FilterCache.Store(key, t.CacheTag, doc)
		}
	}
	return out.Status, out.Headers, outBody, nil
}

func isRedirectStatus(status int) bool {
	return status >= 300 && status < 400 && status != 304
}

// followRedirect returns a new Request pointed at location, resolved
// against the current request's Host if location is a path.
func followRedirect(cur *Request, location string) *Request {
	next := *cur
	if u, err := url.Parse(location); err == nil {
		if u.Host != "" {
			next.Host = u.Host
		}
		next.URI = u.Path
		next.QueryString = u.RawQuery
	} else {
		next.URI = location
	}
	next.Method = "GET"
	next.Body = nil
	return &next
}

// synthesizeRedirect builds the 302 response translate.Response's
// Redirect/Bounce fields call for — spec.md §4.12 step 2, "emit it and
// stop" (not part of the internal redirect-loop hop count).
func (p *Pipeline) synthesizeRedirect(target string, cur *Request, appendQuery bool) *Response {
	loc := target
	if appendQuery && cur.QueryString != "" {
		if strings.ContainsRune(loc, '?') {
			loc += "&" + cur.QueryString
		} else {
			loc += "?" + cur.QueryString
		}
	}
	h := headers.New()
	h.Add("location", loc)
	h.Add("content-length", "0")
	return &Response{Status: 302, Headers: h, Body: nil}
}

// storeIntermediateCookies feeds every Set-Cookie from an intermediate
// hop's response into the outgoing jar, per spec.md §4.12's "Cookies
// set on intermediate hops are stored in the session's jar" rule.
func storeIntermediateCookies(jar *cookiejar.Jar, host string, h *headers.Map) {
	if jar == nil || h == nil {
		return
	}
	if sc := h.EqualRange("set-cookie"); len(sc) > 0 {
		jar.SetCookies(host, sc, time.Now())
	}
}

// loadSync adapts ResourceLoader's InvokeResponse/InvokeError callback
// contract into a direct return, valid because every current
// ResourceLoader.Load implementation invokes its Handler exactly once,
// synchronously, before returning.
func loadSync(ctx context.Context, rl *resourceloader.ResourceLoader, addr resource.Address, req resourceloader.Request) (*resourceloader.Response, error) {
	h := &syncHandler{}
	rl.Load(ctx, addr, req, h)
	if h.err != nil {
		return nil, h.err
	}
	return h.resp, nil
}

type syncHandler struct {
	resp *resourceloader.Response
	err  error
}

func (s *syncHandler) InvokeResponse(r *resourceloader.Response) { s.resp = r }
func (s *syncHandler) InvokeError(err error)                     { s.err = err }

// readAll drains an Istream into a byte slice. Every Istream
// implementation in this module (File, Reader, Memory, the CGI/pipe
// adapters) fully drains to a terminal callback within one Read call,
// so a single SetHandler+Read pair suffices.
func readAll(is istream.Istream) ([]byte, error) {
	if is == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	h := istream.NewCopyHandler(&buf, nil)
	is.SetHandler(h)
	is.Read()
	if h.Err != nil {
		return nil, h.Err
	}
	return buf.Bytes(), nil
}
