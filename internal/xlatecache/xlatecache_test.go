package xlatecache

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CM4all/beng-proxy/internal/resource"
	"github.com/CM4all/beng-proxy/internal/translate"
)

func TestDeriveKeyPlain(t *testing.T) {
	req := &translate.Request{Host: "example.com", URI: "/foo/bar"}
	if got, want := deriveKey(req), "example.com:/foo/bar"; got != want {
		t.Fatalf("deriveKey = %q, want %q", got, want)
	}
}

func TestDeriveKeyWithCheckAndWant(t *testing.T) {
	req := &translate.Request{
		URI:   "/x",
		Check: []byte("abc"),
		Want:  []translate.Command{translate.CmdMaxAge},
	}
	got := deriveKey(req)
	if want := "W_|CHECK=abc/x"; got != want {
		t.Fatalf("deriveKey = %q, want %q", got, want)
	}
}

func TestBasePrefixes(t *testing.T) {
	got := basePrefixes("/a/b/c")
	want := []string{"/a/b/", "/a/", "/"}
	if len(got) != len(want) {
		t.Fatalf("basePrefixes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("basePrefixes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLookupCachesExactMatch(t *testing.T) {
	c := New()
	var calls int32
	translateFn := func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &translate.Response{
			Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/var/www/index.html"}},
			MaxAge:  60 * time.Second,
		}, nil
	}

	req := &translate.Request{Host: "example.com", URI: "/index.html"}
	resp1, err := c.Lookup(context.Background(), req, translateFn)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	resp2, err := c.Lookup(context.Background(), req, translateFn)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("translateFn called %d times, want 1", calls)
	}
	if resp1.Address.Local.Path != resp2.Address.Local.Path {
		t.Fatalf("cached response mismatch")
	}
}

func TestLookupVaryMismatchBypassesCache(t *testing.T) {
	c := New()
	var calls int32
	translateFn := func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &translate.Response{
			Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/var/www/" + req.UserAgent}},
			MaxAge:  60 * time.Second,
			Vary:    []translate.Command{translate.CmdUserAgent},
		}, nil
	}

	req1 := &translate.Request{URI: "/p", UserAgent: "curl"}
	req2 := &translate.Request{URI: "/p", UserAgent: "firefox"}
	if _, err := c.Lookup(context.Background(), req1, translateFn); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Lookup(context.Background(), req2, translateFn); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("translateFn called %d times, want 2 (vary mismatch must miss)", calls)
	}
}

func TestLookupNonCacheableMaxAgeZeroNeverCached(t *testing.T) {
	c := New()
	var calls int32
	translateFn := func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &translate.Response{
			Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/x"}},
		}, nil
	}
	req := &translate.Request{URI: "/p"}
	c.Lookup(context.Background(), req, translateFn)
	c.Lookup(context.Background(), req, translateFn)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("translateFn called %d times, want 2 (max_age=0 must not cache)", calls)
	}
}

func TestLookupBaseFoldAndReconstruct(t *testing.T) {
	c := New()
	var calls int32
	translateFn := func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &translate.Response{
			Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/var/www/dir/index.html"}},
			Base:    "/dir/",
			MaxAge:  60 * time.Second,
		}, nil
	}

	req1 := &translate.Request{URI: "/dir/index.html"}
	resp1, err := c.Lookup(context.Background(), req1, translateFn)
	if err != nil {
		t.Fatal(err)
	}
	if resp1.Address.Local.Path != "/var/www/dir/index.html" {
		t.Fatalf("unexpected first response path %q", resp1.Address.Local.Path)
	}

	req2 := &translate.Request{URI: "/dir/other.html"}
	resp2, err := c.Lookup(context.Background(), req2, translateFn)
	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("translateFn called %d times, want 1 (second URI should hit via BASE fold)", calls)
	}
	if want := "/var/www/dir/other.html"; resp2.Address.Local.Path != want {
		t.Fatalf("reconstructed path = %q, want %q", resp2.Address.Local.Path, want)
	}
}

func TestLookupRegexRejectsNonMatchingURI(t *testing.T) {
	c := New()
	re := regexp.MustCompile(`(?s)^/img/\d+\.png$`)
	c.store("example.com:/img/", &translate.Request{Host: "example.com", URI: "/img/1.png"}, &translate.Response{
		Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/var/www/img/1.png"}},
		Base:    "/img/",
		Regex:   re,
		MaxAge:  60 * time.Second,
	})

	if _, ok := c.lookupCached(&translate.Request{Host: "example.com", URI: "/img/1.png"}); !ok {
		t.Fatalf("expected regex match to hit")
	}
	if _, ok := c.lookupCached(&translate.Request{Host: "example.com", URI: "/img/not-a-number.png"}); ok {
		t.Fatalf("expected regex mismatch to miss")
	}
}

func TestLookupInverseRegexRejectsMatchingURI(t *testing.T) {
	c := New()
	inv := regexp.MustCompile(`(?s)\.secret$`)
	c.store("example.com:/", &translate.Request{Host: "example.com", URI: "/"}, &translate.Response{
		Address:      resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/var/www/"}},
		Base:         "/",
		InverseRegex: inv,
		MaxAge:       60 * time.Second,
	})

	if _, ok := c.lookupCached(&translate.Request{Host: "example.com", URI: "/public.html"}); !ok {
		t.Fatalf("expected non-matching inverse regex to hit")
	}
	if _, ok := c.lookupCached(&translate.Request{Host: "example.com", URI: "/file.secret"}); ok {
		t.Fatalf("expected inverse regex match to miss")
	}
}

func TestInvalidateByHostUsesHostBucket(t *testing.T) {
	c := New()
	req := &translate.Request{Host: "a.example.com", URI: "/p"}
	c.store("a.example.com:/p", req, &translate.Response{
		Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/x"}},
		MaxAge:  60 * time.Second,
		Vary:    []translate.Command{translate.CmdHost},
	})
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	c.Invalidate(&translate.Request{Host: "a.example.com"}, []translate.Command{translate.CmdHost})
	if c.Len() != 0 {
		t.Fatalf("Len = %d after invalidate, want 0", c.Len())
	}
}

func TestStatsCountsEntriesAndApproximatesSize(t *testing.T) {
	c := New()
	req := &translate.Request{Host: "a.example.com", URI: "/p"}
	c.store("a.example.com:/p", req, &translate.Response{
		Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/x"}},
		MaxAge:  60 * time.Second,
		Base:    "/p",
		Vary:    []translate.Command{translate.CmdHost},
	})

	entries, netto, brutto := c.Stats()
	if entries != 1 {
		t.Fatalf("entries = %d, want 1", entries)
	}
	if netto <= 0 {
		t.Fatalf("netto = %d, want > 0", netto)
	}
	if brutto <= netto {
		t.Fatalf("brutto = %d, want > netto %d", brutto, netto)
	}

	c.Invalidate(&translate.Request{Host: "a.example.com"}, []translate.Command{translate.CmdHost})
	if entries, _, _ := c.Stats(); entries != 0 {
		t.Fatalf("entries after invalidate = %d, want 0", entries)
	}
}

func TestInvalidateFullScanByArbitraryVaryKey(t *testing.T) {
	c := New()
	req := &translate.Request{URI: "/p", Session: []byte("sess1")}
	c.store("/p", req, &translate.Response{
		Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/x"}},
		MaxAge:  60 * time.Second,
		Vary:    []translate.Command{translate.CmdSession},
	})
	c.Invalidate(&translate.Request{Session: []byte("sess1")}, []translate.Command{translate.CmdSession})
	if c.Len() != 0 {
		t.Fatalf("Len = %d after invalidate, want 0", c.Len())
	}
}

func TestLookupConcurrentMissesCoalesce(t *testing.T) {
	c := New()
	var calls int32
	release := make(chan struct{})
	translateFn := func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &translate.Response{
			Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/x"}},
			MaxAge:  60 * time.Second,
		}, nil
	}

	req := &translate.Request{URI: "/coalesced"}
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c.Lookup(context.Background(), req, translateFn)
			done <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	<-done

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("translateFn called %d times, want 1 (concurrent misses must coalesce)", got)
	}
}

func TestBypassableSkipsCacheEntirely(t *testing.T) {
	c := New()
	var calls int32
	translateFn := func(ctx context.Context, req *translate.Request) (*translate.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &translate.Response{
			Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/x"}},
			MaxAge:  60 * time.Second,
		}, nil
	}
	big := make([]byte, translate.MaxCheckLen+1)
	req := &translate.Request{URI: "/p", Check: big}
	c.Lookup(context.Background(), req, translateFn)
	c.Lookup(context.Background(), req, translateFn)
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("translateFn called %d times, want 2 (oversize CHECK must bypass cache)", calls)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0 (bypassable requests must not be stored)", c.Len())
	}
}
