// Package xlatecache implements TranslationCache: a vary-keyed,
// BASE-URI-folding cache around a translation-server round trip.
package xlatecache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"tailscale.com/syncs"

	"github.com/CM4all/beng-proxy/internal/resource"
	"github.com/CM4all/beng-proxy/internal/translate"
)

// maxStoredAge caps a stored entry's lifetime regardless of the
// translation server's Max-Age, per spec.md §4.8's store rule.
const maxStoredAge = 300 * time.Second

// TranslateFunc performs the actual translation-server round trip on
// a cache miss.
type TranslateFunc func(ctx context.Context, req *translate.Request) (*translate.Response, error)

// hostBucket is the per-host invalidation index spec.md §4.8 calls
// for: every cached item whose Vary set includes Host is also linked
// here, so a HOST-only invalidation need not scan the whole cache.
type hostBucket struct {
	mu    sync.Mutex
	items []*item
}

// Cache is TranslationCache. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]*item

	hosts syncs.Map[string, *hostBucket]

	group singleflight.Group

	now func() time.Time
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string][]*item),
		now:     time.Now,
	}
}

// Lookup resolves req to a translate.Response, consulting the cache
// first and falling back to translate on a miss. Concurrent misses for
// the same key are coalesced into a single translate call.
func (c *Cache) Lookup(ctx context.Context, req *translate.Request, translateFn TranslateFunc) (*translate.Response, error) {
	if req.Bypassable() {
		return translateFn(ctx, req)
	}

	if resp, ok := c.lookupCached(req); ok {
		return resp, nil
	}

	key := deriveKey(req)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if resp, ok := c.lookupCached(req); ok {
			return resp, nil
		}
		resp, err := translateFn(ctx, req)
		if err != nil {
			return nil, err
		}
		c.store(key, req, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*translate.Response), nil
}

// lookupCached performs spec.md §4.8's four-step lookup without
// calling the translation server.
func (c *Cache) lookupCached(req *translate.Request) (*translate.Response, bool) {
	now := c.now()

	if resp, ok := c.matchAt(deriveKey(req), req, req.URI, now); ok {
		return resp, true
	}

	for _, prefix := range basePrefixes(req.URI) {
		if resp, ok := c.matchBaseAt(deriveKeyForURI(req, prefix), req, prefix, now); ok {
			return resp, true
		}
	}
	return nil, false
}

// matchAt checks the bucket at key for a non-BASE exact match.
func (c *Cache) matchAt(key string, req *translate.Request, uri string, now time.Time) (resp *translate.Response, ok bool) {
	c.mu.RLock()
	candidates := append([]*item(nil), c.entries[key]...)
	c.mu.RUnlock()

	for _, it := range candidates {
		if it.expired(now) {
			c.evict(key, it)
			continue
		}
		if !it.varyMatches(req) {
			continue
		}
		regexInput := uri
		if it.resp.RegexTail && it.resp.Base != "" {
			regexInput = strings.TrimPrefix(uri, it.resp.Base)
		}
		if !it.regexMatches(regexInput) {
			continue
		}
		if !it.validateMtimeStillValid() {
			c.evict(key, it)
			continue
		}
		return expandResponse(it.resp, regexInput), true
	}
	return nil, false
}

// matchBaseAt checks the bucket at key for an item whose Base equals
// basePrefix, reconstructing the full address from the request's tail.
func (c *Cache) matchBaseAt(key string, req *translate.Request, basePrefix string, now time.Time) (*translate.Response, bool) {
	c.mu.RLock()
	candidates := append([]*item(nil), c.entries[key]...)
	c.mu.RUnlock()

	for _, it := range candidates {
		if it.expired(now) {
			c.evict(key, it)
			continue
		}
		if it.resp.Base != basePrefix {
			continue
		}
		if !it.varyMatches(req) {
			continue
		}
		tail := strings.TrimPrefix(req.URI, basePrefix)
		regexInput := req.URI
		if it.resp.RegexTail {
			regexInput = tail
		}
		if !it.regexMatches(regexInput) {
			continue
		}
		if !it.validateMtimeStillValid() {
			c.evict(key, it)
			continue
		}
		addr, ok := it.resp.Address.LoadBase(tail)
		if !ok {
			continue // tail escapes the base (e.g. contains ".."); bypass
		}
		out := *it.resp
		out.Address = addr
		return expandResponse(&out, regexInput), true
	}
	return nil, false
}

// expandResponse substitutes regex capture groups from regexInput into
// resp.Address.Cgi.ExpandPath when the stored response is expandable,
// per spec.md §4.8's "substitute capture groups into each expand_*
// field" rule. Only the CGI ExpandPath field is wired end-to-end here;
// other expand_* fields (ExpandURI, ExpandPathInfo, Local.ExpandPath,
// Http.ExpandPath) follow the identical substitution but are not
// populated by any translate.Decode path yet.
func expandResponse(resp *translate.Response, regexInput string) *translate.Response {
	if !resp.Expandable || resp.Regex == nil {
		return resp
	}
	if resp.Address.Kind != resource.KindCgi || resp.Address.Cgi.ExpandPath == "" {
		return resp
	}
	out := *resp
	out.Address.Cgi.Path = captureExpand(resp.Regex, regexInput, resp.Address.Cgi.ExpandPath)
	return &out
}

// cacheable evaluates spec.md §4.8's store rule.
func cacheable(resp *translate.Response) bool {
	if resp.MaxAge <= 0 {
		return false
	}
	if resp.WWWAuthenticate != "" || resp.AuthenticationInfo != "" {
		return false
	}
	return true
}

func (c *Cache) store(key string, req *translate.Request, resp *translate.Response) {
	if !cacheable(resp) {
		return
	}

	maxAge := resp.MaxAge
	if maxAge > maxStoredAge {
		maxAge = maxStoredAge
	}

	base := resp.Base
	stored := resp
	if resp.AutoBase && base == "" && resp.Address.IsValidBase() {
		base = inferAutoBase(req.URI)
	}

	storeKey := key
	if base != "" {
		tail := strings.TrimPrefix(req.URI, base)
		if !resp.EasyBase {
			if addr, ok := resp.Address.SaveBase(tail); ok {
				cp := *resp
				cp.Address = addr
				cp.Base = base
				stored = &cp
			}
		} else {
			cp := *resp
			cp.Base = base
			stored = &cp
		}
		storeKey = deriveKeyForURI(req, base)
	}

	varyValues := make(map[translate.Command]string, len(stored.Vary))
	for _, cmd := range stored.Vary {
		varyValues[cmd] = requestFieldValue(req, cmd)
	}

	it := &item{
		key:        storeKey,
		resp:       stored,
		varyValues: varyValues,
		expiresAt:  c.now().Add(maxAge),
	}

	c.mu.Lock()
	c.entries[storeKey] = append(c.entries[storeKey], it)
	c.mu.Unlock()

	for _, cmd := range stored.Vary {
		if cmd == translate.CmdHost {
			host := requestFieldValue(req, translate.CmdHost)
			b, _ := c.hosts.LoadOrStore(host, &hostBucket{})
			b.mu.Lock()
			b.items = append(b.items, it)
			b.mu.Unlock()
		}
	}
}

func (c *Cache) evict(key string, target *item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.entries[key]
	out := list[:0]
	for _, it := range list {
		if it != target {
			out = append(out, it)
		}
	}
	c.entries[key] = out
}

// inferAutoBase derives a BASE from the request URI when auto_base is
// set and the response address declares itself base-valid: the
// directory portion of the URI (up to and including the last "/").
func inferAutoBase(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 {
		return ""
	}
	return uri[:idx+1]
}

// Invalidate removes every cached item whose values on the keys named
// by varyKeys match req's, per spec.md §4.8's TRANSLATE_INVALIDATE
// rule. When varyKeys is exactly {HOST}, the per-host bucket is
// scanned instead of the full table.
func (c *Cache) Invalidate(req *translate.Request, varyKeys []translate.Command) {
	if len(varyKeys) == 1 && varyKeys[0] == translate.CmdHost {
		host := requestFieldValue(req, translate.CmdHost)
		if b, ok := c.hosts.Load(host); ok {
			b.mu.Lock()
			victims := append([]*item(nil), b.items...)
			b.items = nil
			b.mu.Unlock()
			c.removeAll(victims)
		}
		return
	}

	c.mu.Lock()
	for key, list := range c.entries {
		out := list[:0]
		for _, it := range list {
			if !itemMatchesInvalidate(it, req, varyKeys) {
				out = append(out, it)
			}
		}
		c.entries[key] = out
	}
	c.mu.Unlock()
}

func (c *Cache) removeAll(victims []*item) {
	if len(victims) == 0 {
		return
	}
	dead := make(map[*item]bool, len(victims))
	for _, it := range victims {
		dead[it] = true
	}
	c.mu.Lock()
	for key, list := range c.entries {
		out := list[:0]
		for _, it := range list {
			if !dead[it] {
				out = append(out, it)
			}
		}
		c.entries[key] = out
	}
	c.mu.Unlock()
}

func itemMatchesInvalidate(it *item, req *translate.Request, varyKeys []translate.Command) bool {
	for _, cmd := range varyKeys {
		if it.varyValues[cmd] != requestFieldValue(req, cmd) {
			return false
		}
	}
	return true
}

// Len reports the total number of cached items, for tests and stats.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, list := range c.entries {
		n += len(list)
	}
	return n
}

// Stats reports the entry count and an approximate netto (key, base and
// vary-value bytes) / brutto (netto plus a fixed per-entry bookkeeping
// overhead) size, for internal/snapshot's stats export.
func (c *Cache) Stats() (entries int, netto, brutto int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	const perEntryOverhead = 96
	for _, list := range c.entries {
		for _, it := range list {
			entries++
			netto += itemSize(it)
		}
	}
	brutto = netto + int64(entries)*perEntryOverhead
	return entries, netto, brutto
}

func itemSize(it *item) int64 {
	n := int64(len(it.key)) + int64(len(it.resp.Base))
	for _, v := range it.varyValues {
		n += int64(len(v)) + 2
	}
	return n
}
