package httpcache

import (
	"testing"
	"time"

	"github.com/CM4all/beng-proxy/internal/headers"
)

func reqHeaders(pairs ...string) *headers.Map {
	h := headers.New()
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

func TestEvaluateRequestRejectsNonGet(t *testing.T) {
	_, ok := EvaluateRequest("POST", headers.New(), false, false, false)
	if ok {
		t.Fatalf("POST must not be cacheable")
	}
}

func TestEvaluateRequestRejectsRangeAndAuth(t *testing.T) {
	if _, ok := EvaluateRequest("GET", reqHeaders("range", "bytes=0-10"), false, false, false); ok {
		t.Fatalf("Range request must not be cacheable")
	}
	if _, ok := EvaluateRequest("GET", reqHeaders("authorization", "Basic x"), false, false, false); ok {
		t.Fatalf("Authorization request must not be cacheable")
	}
}

func TestEvaluateRequestObeyNoCache(t *testing.T) {
	h := reqHeaders("cache-control", "no-cache")
	if _, ok := EvaluateRequest("GET", h, false, false, true); ok {
		t.Fatalf("no-cache must disable caching when obeyNoCache is set")
	}
	if _, ok := EvaluateRequest("GET", h, false, false, false); !ok {
		t.Fatalf("no-cache must be ignored when obeyNoCache is unset")
	}
}

func TestEvaluateResponseStoresWithMaxAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := reqHeaders("cache-control", "max-age=60", "etag", `"abc"`)
	d := EvaluateResponse(200, h, 100, 0, now, now, false, false)
	if !d.Store {
		t.Fatalf("expected store=true")
	}
	if want := now.Add(60 * time.Second); !d.Expires.Equal(want) {
		t.Fatalf("Expires = %v, want %v", d.Expires, want)
	}
}

func TestEvaluateResponseRejectsNonCacheableStatus(t *testing.T) {
	now := time.Now()
	d := EvaluateResponse(404, headers.New(), 0, 0, now, now, false, false)
	if d.Store {
		t.Fatalf("404 must not be stored")
	}
}

func TestEvaluateResponseRejectsOversizeBody(t *testing.T) {
	now := time.Now()
	h := reqHeaders("cache-control", "max-age=60")
	d := EvaluateResponse(200, h, 1000, 100, now, now, false, false)
	if d.Store {
		t.Fatalf("oversize body must not be stored")
	}
}

func TestEvaluateResponseRejectsPrivateNoStore(t *testing.T) {
	now := time.Now()
	h := reqHeaders("cache-control", "no-store", "etag", `"abc"`)
	d := EvaluateResponse(200, h, 10, 0, now, now, false, false)
	if d.Store {
		t.Fatalf("no-store must not be stored")
	}
}

func TestEvaluateResponseVaryStarNeverCached(t *testing.T) {
	now := time.Now()
	h := reqHeaders("cache-control", "max-age=60", "vary", "*")
	d := EvaluateResponse(200, h, 10, 0, now, now, false, false)
	if d.Store {
		t.Fatalf("Vary: * must not be stored")
	}
}

func TestEvaluateResponseNoExpiryNoValidatorNotCachedUnlessEager(t *testing.T) {
	now := time.Now()
	h := headers.New()
	if d := EvaluateResponse(200, h, 10, 0, now, now, false, false); d.Store {
		t.Fatalf("response with no max-age/expires/etag/last-modified must not cache without eagerCache")
	}
	d := EvaluateResponse(200, h, 10, 0, now, now, false, true)
	if !d.Store {
		t.Fatalf("eagerCache must impute a 1-hour expiry")
	}
	if want := now.Add(time.Hour); !d.Expires.Equal(want) {
		t.Fatalf("Expires = %v, want %v", d.Expires, want)
	}
}

func TestEvaluateResponseMissingDateFromRemoteNotCached(t *testing.T) {
	h := reqHeaders("expires", time.Now().Add(time.Hour).UTC().Format(time.RFC1123))
	d := EvaluateResponse(200, h, 10, 0, time.Now(), time.Time{}, true, false)
	if d.Store {
		t.Fatalf("remote response with no Date header must not be cached")
	}
}

func TestCacheLookupHitAndVaryMismatch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(1<<20, nil)

	respHeaders := reqHeaders("vary", "accept-encoding", "etag", `"v1"`)
	decision := ResponseDecision{Store: true, Expires: now.Add(time.Minute), VaryNames: []string{"accept-encoding"}}
	reqH := reqHeaders("accept-encoding", "gzip")
	doc := BuildDocument(200, respHeaders, []byte("hello"), decision, reqH)
	c.Store("/p", doc)

	if got, disp := c.Lookup("/p", reqH, now); disp != Hit || got == nil {
		t.Fatalf("expected hit, got disposition=%v", disp)
	}
	mismatched := reqHeaders("accept-encoding", "br")
	if _, disp := c.Lookup("/p", mismatched, now); disp != Miss {
		t.Fatalf("expected miss on vary mismatch, got %v", disp)
	}
}

func TestCacheLookupStaleTriggersRevalidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(1<<20, nil)

	respHeaders := reqHeaders("etag", `"v1"`)
	decision := ResponseDecision{Store: true, Expires: now.Add(-time.Minute)}
	doc := BuildDocument(200, respHeaders, []byte("hello"), decision, headers.New())
	c.Store("/p", doc)

	_, disp := c.Lookup("/p", headers.New(), now)
	if disp != Revalidate {
		t.Fatalf("expected revalidate disposition, got %v", disp)
	}
}

func TestPreferCachedOnMatchingETag(t *testing.T) {
	doc := &Document{ETag: `"v1"`}
	if !PreferCached(doc, `"v1"`) {
		t.Fatalf("expected prefer-cached on matching etag")
	}
	if PreferCached(doc, `"v2"`) {
		t.Fatalf("must not prefer cached on mismatched etag")
	}
}

func TestMergeRevalidatedKeepsBodyMergesHeaders(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cached := &Document{
		Status: 200,
		Header: reqHeaders("etag", `"v1"`, "content-type", "text/html"),
		Body:   []byte("cached body"),
	}
	newHeaders := reqHeaders("etag", `"v1"`, "date", now.Format(time.RFC1123))
	decision := ResponseDecision{Store: true, Expires: now.Add(time.Minute)}
	merged := MergeRevalidated(cached, newHeaders, now, decision)
	if string(merged.Body) != "cached body" {
		t.Fatalf("merged document must keep cached body")
	}
	if got, _ := merged.Header.Get("date"); got == "" {
		t.Fatalf("merged document must carry the revalidation response's Date header")
	}
	if !merged.Expires.Equal(now.Add(time.Minute)) {
		t.Fatalf("merged Expires = %v, want refreshed expiry", merged.Expires)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := New(1<<20, nil)
	decision := ResponseDecision{Store: true, Expires: time.Now().Add(time.Minute)}
	doc := BuildDocument(200, headers.New(), []byte("x"), decision, headers.New())
	c.Store("/p", doc)
	c.Invalidate("/p")
	if _, ok := c.Get("/p"); ok {
		t.Fatalf("expected entry to be gone after Invalidate")
	}
}

func TestStatsTracksEntriesAndBytes(t *testing.T) {
	c := New(1<<20, nil)
	decision := ResponseDecision{Store: true, Expires: time.Now().Add(time.Minute)}
	doc := BuildDocument(200, headers.New(), []byte("hello"), decision, headers.New())
	c.Store("/p", doc)

	entries, netto, brutto := c.Stats()
	if entries != 1 {
		t.Fatalf("entries = %d, want 1", entries)
	}
	if netto != documentSize(doc) {
		t.Fatalf("netto = %d, want %d", netto, documentSize(doc))
	}
	if brutto <= netto {
		t.Fatalf("brutto = %d, want > netto %d", brutto, netto)
	}

	c.Invalidate("/p")
	entries, netto, _ = c.Stats()
	if entries != 0 || netto != 0 {
		t.Fatalf("Stats after Invalidate = (%d, %d), want (0, 0)", entries, netto)
	}
}
