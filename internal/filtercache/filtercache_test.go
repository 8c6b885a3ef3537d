package filtercache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/CM4all/beng-proxy/internal/headers"
)

func TestKeyFormat(t *testing.T) {
	got := Key("res1", `"abc"`, "resize")
	want := `res1|etag="abc"|filter=resize`
	if got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}
}

func TestEligibleRequiresETag(t *testing.T) {
	h := headers.New()
	if Eligible("", h) {
		t.Fatalf("must not be eligible without a source ETag")
	}
	if !Eligible(`"v1"`, h) {
		t.Fatalf("must be eligible with an ETag and no forbidding Cache-Control")
	}
}

func TestEligibleRejectsNoStore(t *testing.T) {
	h := headers.New()
	h.Add("cache-control", "no-store")
	if Eligible(`"v1"`, h) {
		t.Fatalf("must not be eligible when source forbids storage")
	}
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	return d, ok, nil
}
func (m *memStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}
func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestCacheStoreAndGetViaMemoryTier(t *testing.T) {
	c := New(1<<20, nil, 2)
	doc := &Document{Status: 200, Header: headers.New(), Body: []byte("output")}
	c.Store("k1", "", doc)

	got, ok := c.Get(context.Background(), "k1")
	if !ok || string(got.Body) != "output" {
		t.Fatalf("expected memory-tier hit with body %q", "output")
	}
}

func TestCacheInvalidateByCacheTag(t *testing.T) {
	c := New(1<<20, nil, 2)
	doc1 := &Document{Status: 200, Header: headers.New(), Body: []byte("a")}
	doc2 := &Document{Status: 200, Header: headers.New(), Body: []byte("b")}
	c.Store("k1", "tagA", doc1)
	c.Store("k2", "tagA", doc2)
	c.Store("k3", "tagB", doc1)

	c.InvalidateByCacheTag("tagA")

	if _, ok := c.Get(context.Background(), "k1"); ok {
		t.Fatalf("k1 should be invalidated")
	}
	if _, ok := c.Get(context.Background(), "k2"); ok {
		t.Fatalf("k2 should be invalidated")
	}
	if _, ok := c.Get(context.Background(), "k3"); !ok {
		t.Fatalf("k3 under a different tag should survive")
	}
}

func TestCacheStatsReportsMemoryTier(t *testing.T) {
	c := New(1<<20, nil, 2)
	doc := &Document{Status: 200, Header: headers.New(), Body: []byte("output")}
	c.Store("k1", "", doc)

	entries, netto, brutto := c.Stats()
	if entries != 1 || netto <= 0 || brutto <= netto {
		t.Fatalf("Stats = (%d, %d, %d), want one entry with brutto > netto > 0", entries, netto, brutto)
	}
}

func TestCacheBackgroundWriteReachesDiskTier(t *testing.T) {
	disk := newMemStore()
	c := New(1<<20, disk, 2)
	doc := &Document{Status: 200, Header: headers.New(), Body: []byte("persisted")}
	c.Store("k1", "", doc)
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, ok, _ := disk.Get(context.Background(), "k1"); !ok {
		t.Fatalf("expected background write to land in the disk tier")
	}
}

func TestEvaluateUsesHttpCacheRules(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := headers.New()
	h.Add("cache-control", "max-age=30")
	d := Evaluate(200, h, 10, 0, now)
	if !d.Store {
		t.Fatalf("expected filter output with max-age to be stored")
	}
}
