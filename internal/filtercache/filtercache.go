// Package filtercache implements FilterCache: a cache of filter
// transformation output, keyed by the source resource's identity plus
// the filter applied to it, per spec.md §4.10/SPEC_FULL.md §4.10a.
package filtercache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/CM4all/beng-proxy/internal/headers"
	"github.com/CM4all/beng-proxy/internal/httpcache"
)

// Key builds the FilterCache tag spec.md §4.10 specifies:
// "source_id|etag=<etag>|filter=<filter_id>".
func Key(sourceID, etag, filterID string) string {
	var b strings.Builder
	b.WriteString(sourceID)
	b.WriteString("|etag=")
	b.WriteString(etag)
	b.WriteString("|filter=")
	b.WriteString(filterID)
	return b.String()
}

// Eligible reports whether a source response may even be considered
// for filter-output caching: spec.md §4.10's "when the source
// response's ETag is absent or the source's Cache-Control forbids
// storage, caching is skipped entirely" rule.
func Eligible(sourceETag string, sourceHeaders *headers.Map) bool {
	if sourceETag == "" {
		return false
	}
	cc := sourceHeaders.GetOr("cache-control", "")
	for _, part := range strings.Split(cc, ",") {
		switch strings.TrimSpace(part) {
		case "no-store", "no-cache", "private":
			return false
		}
	}
	return true
}

// Document is the stored (status, headers, body) triple of one
// filter's output, reusing httpcache's storage rules (size/expiry) per
// spec.md §4.10's "subject to the same size and expiry rules as
// HttpCache".
type Document = httpcache.Document

// Evaluate applies HttpCache's response-storage rule to the filter's
// own output.
func Evaluate(status int, h *headers.Map, bodyLen, maxBodySize int64, now time.Time) httpcache.ResponseDecision {
	return httpcache.EvaluateResponse(status, h, bodyLen, maxBodySize, now, now, false, true)
}

// Cache stores filter output behind a memory LRU with a background-
// written disk tier, so the content-store write runs off the response
// path — mirroring the teacher's taskgroup-bounded background S3 push
// in revproxy.go. Once the concurrency limit of writes is in flight,
// Store waits for one to finish before queuing its own.
type Cache struct {
	mem  *httpcache.Cache
	disk ContentStore

	tasks *taskgroup.Group
	start func(taskgroup.Task)

	mu      sync.Mutex
	byTag   map[string]map[string]bool // cache_tag -> set of keys
}

// ContentStore is the interface a backing large-object store (e.g.
// creachadair/gocache's content-addressed disk store) must satisfy.
type ContentStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// New returns a Cache with a maxMemoryBytes-bounded LRU tier in front
// of the given ContentStore (nil disables the disk tier).
func New(maxMemoryBytes int64, disk ContentStore, concurrency int) *Cache {
	tasks, start := taskgroup.New(nil).Limit(concurrency)
	return &Cache{
		mem:   httpcache.New(maxMemoryBytes, nil),
		disk:  disk,
		tasks: tasks,
		start: start,
		byTag: make(map[string]map[string]bool),
	}
}

// Get returns a cached filter-output document, checking memory then
// (on miss) the content store.
func (c *Cache) Get(ctx context.Context, key string) (*Document, bool) {
	if d, ok := c.mem.Get(key); ok {
		return d, true
	}
	if c.disk == nil {
		return nil, false
	}
	data, ok, err := c.disk.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	doc, ok := decodeDocument(data)
	if !ok {
		return nil, false
	}
	c.mem.Store(key, doc)
	return doc, true
}

// Store saves doc under key in memory immediately, and queues an
// asynchronous write to the content store (if configured) bounded by
// the cache's task concurrency limit.
func (c *Cache) Store(key, cacheTag string, doc *Document) {
	c.mem.Store(key, doc)

	if cacheTag != "" {
		c.mu.Lock()
		set, ok := c.byTag[cacheTag]
		if !ok {
			set = make(map[string]bool)
			c.byTag[cacheTag] = set
		}
		set[key] = true
		c.mu.Unlock()
	}

	if c.disk != nil {
		data := encodeDocument(doc)
		c.start(func() error {
			return c.disk.Put(context.Background(), key, data)
		})
	}
}

// InvalidateByCacheTag removes every entry stored under cacheTag, per
// spec.md §4.10's "Invalidation is by cache_tag string" rule.
func (c *Cache) InvalidateByCacheTag(cacheTag string) {
	c.mu.Lock()
	keys := c.byTag[cacheTag]
	delete(c.byTag, cacheTag)
	c.mu.Unlock()

	for key := range keys {
		c.mem.Invalidate(key)
		if c.disk != nil {
			key := key
			c.start(func() error {
				return c.disk.Delete(context.Background(), key)
			})
		}
	}
}

// Wait blocks until every queued background write/delete has finished,
// for use at shutdown.
func (c *Cache) Wait() error {
	return c.tasks.Wait()
}

// Stats reports the memory tier's entry count and approximate
// netto/brutto byte sizes, for internal/snapshot's stats export.
func (c *Cache) Stats() (entries int, netto, brutto int64) {
	return c.mem.Stats()
}
