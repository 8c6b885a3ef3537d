// Package httpcache implements HttpCache: a private, revalidating
// cache for the response side of a ResourceLoader round trip. It
// follows spec.md §4.9 — request/response cacheability evaluation,
// Vary-keyed storage, and ETag/Last-Modified-driven revalidation.
package httpcache

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/cache"

	"github.com/CM4all/beng-proxy/internal/headers"
)

// RequestInfo is the subset of a request httpcache needs to decide
// cacheability and perform revalidation, per spec.md §4.9's
// "RequestInfo" type.
type RequestInfo struct {
	IfMatch            string
	IfNoneMatch        string
	IfModifiedSince    string
	IfUnmodifiedSince  string
	OnlyIfCached       bool
	IsRemote           bool
	HasQueryString     bool
}

// EvaluateRequest builds a RequestInfo from the inbound method/headers
// and reports whether the request is even a caching candidate. Only
// GET without Range or Authorization is cacheable; when obeyNoCache is
// configured, a no-cache/no-store Cache-Control (or a legacy Pragma:
// no-cache) also disables it.
func EvaluateRequest(method string, h *headers.Map, hasQueryString, isRemote, obeyNoCache bool) (*RequestInfo, bool) {
	info := &RequestInfo{
		IfMatch:           h.GetOr("if-match", ""),
		IfNoneMatch:       h.GetOr("if-none-match", ""),
		IfModifiedSince:   h.GetOr("if-modified-since", ""),
		IfUnmodifiedSince: h.GetOr("if-unmodified-since", ""),
		OnlyIfCached:      hasDirective(parseCacheControl(h), "only-if-cached"),
		IsRemote:          isRemote,
		HasQueryString:    hasQueryString,
	}

	if method != "GET" {
		return info, false
	}
	if h.Contains("range") || h.Contains("authorization") {
		return info, false
	}
	if obeyNoCache {
		cc := parseCacheControl(h)
		if hasDirective(cc, "no-cache") || hasDirective(cc, "no-store") {
			return info, false
		}
		if pragma := h.GetOr("pragma", ""); strings.Contains(strings.ToLower(pragma), "no-cache") {
			return info, false
		}
	}
	return info, true
}

// Document is HttpCacheDocument: a cached response plus the vary
// snapshot and freshness metadata needed to serve or revalidate it.
type Document struct {
	Status  int
	Header  *headers.Map
	Body    []byte
	Expires time.Time

	LastModified string
	ETag         string

	// Vary records, for each name listed in the response's Vary header,
	// the request's header value at store time (spec.md §4.9 "Vary
	// copy"). A subsequent request matches only if every value is equal.
	Vary map[string]string
}

func (d *Document) fresh(now time.Time) bool {
	return !d.Expires.IsZero() && now.Before(d.Expires)
}

// VaryMatches reports whether reqHeaders agrees with d on every header
// named in d.Vary.
func (d *Document) VaryMatches(reqHeaders *headers.Map) bool {
	for name, want := range d.Vary {
		if reqHeaders.GetOr(name, "") != want {
			return false
		}
	}
	return true
}

// ResponseDecision is the result of evaluating a response for storage.
type ResponseDecision struct {
	Store     bool
	Expires   time.Time
	VaryNames []string
}

var cacheableStatuses = map[int]bool{
	200: true, 203: true, 206: true, 300: true, 301: true, 410: true,
}

// EvaluateResponse applies spec.md §4.9's response-evaluation rule.
// now is the local clock; date is the response's parsed Date header
// (zero if absent/unparseable).
func EvaluateResponse(status int, h *headers.Map, bodyLen int64, maxBodySize int64, now, date time.Time, isRemote, eagerCache bool) ResponseDecision {
	if !cacheableStatuses[status] {
		return ResponseDecision{}
	}
	if maxBodySize > 0 && bodyLen > maxBodySize {
		return ResponseDecision{}
	}

	cc := parseCacheControl(h)
	if hasDirective(cc, "private") || hasDirective(cc, "no-cache") || hasDirective(cc, "no-store") {
		return ResponseDecision{}
	}

	varyNames, varyStar := parseVary(h)
	if varyStar {
		return ResponseDecision{}
	}

	var expires time.Time
	var hasMaxAge bool
	if raw, ok := cc["max-age"]; ok {
		if secs, err := strconv.Atoi(raw); err == nil {
			expires = now.Add(time.Duration(secs) * time.Second)
			hasMaxAge = true
		}
	}
	if !hasMaxAge {
		if raw := h.GetOr("expires", ""); raw != "" {
			if date.IsZero() && isRemote {
				return ResponseDecision{}
			}
			if t, err := time.Parse(time.RFC1123, raw); err == nil {
				skew := now.Sub(date)
				if date.IsZero() {
					skew = 0
				}
				expires = t.Add(skew)
			}
		} else if date.IsZero() && isRemote {
			return ResponseDecision{}
		}
	}

	etag := h.GetOr("etag", "")
	lastModified := h.GetOr("last-modified", "")
	if expires.IsZero() {
		if etag == "" && lastModified == "" {
			if !eagerCache {
				return ResponseDecision{}
			}
			expires = now.Add(time.Hour)
		}
	}

	return ResponseDecision{Store: true, Expires: expires, VaryNames: varyNames}
}

// BuildDocument assembles a Document from an evaluated, storable
// response, snapshotting reqHeaders for every name in decision.VaryNames.
func BuildDocument(status int, h *headers.Map, body []byte, decision ResponseDecision, reqHeaders *headers.Map) *Document {
	vary := make(map[string]string, len(decision.VaryNames))
	for _, name := range decision.VaryNames {
		lname := strings.ToLower(name)
		vary[lname] = reqHeaders.GetOr(lname, "")
	}
	return &Document{
		Status:       status,
		Header:       h.Clone(),
		Body:         body,
		Expires:      decision.Expires,
		LastModified: h.GetOr("last-modified", ""),
		ETag:         h.GetOr("etag", ""),
		Vary:         vary,
	}
}

// Key builds the cache index key for a request: the resource's own
// identity (as resource.Address.GetID reports it) plus the method and
// query string, so a POST and a GET against the same address, or two
// GETs differing only in query string, never collide.
func Key(resourceID, method, query string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('|')
	b.WriteString(resourceID)
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String()
}

// Disposition describes what Cache.Lookup found for a request.
type Disposition int

const (
	Miss Disposition = iota
	Hit
	Revalidate
)

// Cache is HttpCache: a memory-LRU tier (sized by response bytes, as
// the teacher sizes its own memory cache) in front of an optional disk
// tier for larger/longer-lived bodies.
type Cache struct {
	mem  *cache.Cache[string, *Document]
	disk diskTier

	mu    sync.Mutex
	sizes map[string]int64 // key -> documentSize, tracked alongside mem for Stats
}

// New returns a Cache whose memory tier is bounded to maxMemoryBytes.
// If disk is non-nil, Store writes every document to it as well as to
// the memory tier, and Get falls back to it on a memory miss.
func New(maxMemoryBytes int64, disk diskTier) *Cache {
	return &Cache{
		mem: cache.New(cache.LRU[string, *Document](maxMemoryBytes).
			WithSize(func(d *Document) int64 { return documentSize(d) }),
		),
		disk:  disk,
		sizes: make(map[string]int64),
	}
}

// Stats reports the entry count and an approximate netto (document
// bytes) / brutto (document bytes plus a fixed per-entry bookkeeping
// overhead) size of the memory tier, for internal/snapshot's
// beng_control_stats-equivalent export (spec.md §6 "Stats"). The LRU's
// own evictions are not observed directly, so sizes tracked here can
// lag a concurrent eviction by one Stats call; that is acceptable for
// an observability-only counter.
func (c *Cache) Stats() (entries int, netto, brutto int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const perEntryOverhead = 64
	for _, n := range c.sizes {
		netto += n
	}
	entries = len(c.sizes)
	brutto = netto + int64(entries)*perEntryOverhead
	return entries, netto, brutto
}

func documentSize(d *Document) int64 {
	n := int64(len(d.Body)) + int64(len(d.ETag)) + int64(len(d.LastModified))
	for k, v := range d.Vary {
		n += int64(len(k) + len(v))
	}
	return n
}

// Get returns the raw stored document regardless of freshness, for use
// by the revalidation path; it checks memory then, if configured, disk.
func (c *Cache) Get(key string) (*Document, bool) {
	if d, ok := c.mem.Get(key); ok {
		return d, true
	}
	if c.disk != nil {
		if d, ok := c.disk.Load(key); ok {
			c.mem.Put(key, d)
			return d, true
		}
	}
	return nil, false
}

// Lookup resolves disposition for a request against the cached entry
// at key, per spec.md §4.9's "Hit vs revalidate" rule.
func (c *Cache) Lookup(key string, reqHeaders *headers.Map, now time.Time) (*Document, Disposition) {
	d, ok := c.Get(key)
	if !ok {
		return nil, Miss
	}
	if !d.VaryMatches(reqHeaders) {
		return nil, Miss
	}
	if d.fresh(now) {
		return d, Hit
	}
	if d.ETag != "" || d.LastModified != "" {
		return d, Revalidate
	}
	return nil, Miss
}

// Store saves doc under key in the memory tier, and the disk tier if
// configured.
func (c *Cache) Store(key string, doc *Document) {
	c.mem.Put(key, doc)
	c.mu.Lock()
	c.sizes[key] = documentSize(doc)
	c.mu.Unlock()
	if c.disk != nil {
		c.disk.Store(key, doc)
	}
}

// Invalidate removes any cached entry at key from both tiers.
func (c *Cache) Invalidate(key string) {
	c.mem.Remove(key)
	c.mu.Lock()
	delete(c.sizes, key)
	c.mu.Unlock()
	if c.disk != nil {
		c.disk.Delete(key)
	}
}

// PreferCached implements spec.md §4.9's prefer-cached heuristic: when
// a revalidation response carries the same ETag as the cached
// document, prefer the cached body over whatever (possibly
// inconsistent) metadata the origin sent with the 304/200.
func PreferCached(cached *Document, originETag string) bool {
	return cached.ETag != "" && originETag != "" && cached.ETag == originETag
}

// MergeRevalidated returns a copy of cached with headers from a 304
// response merged in (the 304's headers win), keeping the cached body,
// per spec.md §4.9's revalidation rule.
func MergeRevalidated(cached *Document, revalidated *headers.Map, now time.Time, decision ResponseDecision) *Document {
	out := &Document{
		Status:       cached.Status,
		Header:       cached.Header.Clone(),
		Body:         cached.Body,
		Expires:      cached.Expires,
		LastModified: cached.LastModified,
		ETag:         cached.ETag,
		Vary:         cached.Vary,
	}
	revalidated.ForEachAll(func(k, v string) { out.Header.Set(k, v) })
	if etag := revalidated.GetOr("etag", ""); etag != "" {
		out.ETag = etag
	}
	if lm := revalidated.GetOr("last-modified", ""); lm != "" {
		out.LastModified = lm
	}
	if decision.Store && !decision.Expires.IsZero() {
		out.Expires = decision.Expires
	}
	return out
}

func parseCacheControl(h *headers.Map) map[string]string {
	cc := make(map[string]string)
	for _, raw := range h.EqualRange("cache-control") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if idx := strings.IndexByte(part, '='); idx >= 0 {
				cc[strings.TrimSpace(part[:idx])] = strings.Trim(part[idx+1:], `" `)
			} else {
				cc[part] = ""
			}
		}
	}
	return cc
}

func hasDirective(cc map[string]string, name string) bool {
	_, ok := cc[name]
	return ok
}

func parseVary(h *headers.Map) (names []string, star bool) {
	for _, raw := range h.EqualRange("vary") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "*" {
				return nil, true
			}
			names = append(names, strings.ToLower(part))
		}
	}
	return names, false
}
