package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/creachadair/taskgroup"
)

// DefaultInterval is how often Exporter.Run collects and publishes a
// snapshot when Interval is left zero, per SPEC_FULL.md §4.14.
const DefaultInterval = 60 * time.Second

// ConnStock reports aggregate outstanding-connection counts across
// every key of a pool, matching stock.Stock[T].TotalStats and
// stock.MultiStock[T].TotalStats.
type ConnStock interface {
	TotalStats() (a, b int)
}

// SizeStats reports a cache's entry count and approximate netto/brutto
// byte sizes, matching xlatecache.Cache.Stats, httpcache.Cache.Stats,
// and filtercache.Cache.Stats.
type SizeStats interface {
	Stats() (entries int, netto, brutto int64)
}

// Collector gathers a Counters snapshot from the caches and connection
// pools comprising one beng-proxy instance, mirroring bp_get_stats'
// fan-in from BpInstance's fields. Upstream connection, child-process,
// and session accounting have no owning component in this module (the
// TCP accept loop and session manager are explicit spec.md Non-goals),
// so those counts are supplied as external atomic counters that
// cmd/beng-proxy increments at the relevant call sites; a nil counter
// reports zero.
type Collector struct {
	UpstreamConns ConnStock // e.g. the AJP connection stock
	Translation   SizeStats
	HTTP          SizeStats
	Filter        SizeStats

	IncomingConnections *atomic.Int64
	Children            *atomic.Int64
	Sessions            *atomic.Int64
	HTTPRequests        *atomic.Int64
}

func loadOr(c *atomic.Int64) int64 {
	if c == nil {
		return 0
	}
	return c.Load()
}

// Collect builds one Counters snapshot from the current state of
// every wired collaborator.
func (col *Collector) Collect() Counters {
	var out Counters
	out.IncomingConnections = uint32(loadOr(col.IncomingConnections))
	out.Children = uint32(loadOr(col.Children))
	out.Sessions = uint32(loadOr(col.Sessions))
	out.HTTPRequests = uint64(loadOr(col.HTTPRequests))

	if col.UpstreamConns != nil {
		busy, idle := col.UpstreamConns.TotalStats()
		out.OutgoingConnections = uint32(busy + idle)
	}
	if col.Translation != nil {
		_, netto, brutto := col.Translation.Stats()
		out.TranslationCacheSize, out.TranslationCacheBruttoSize = uint64(netto), uint64(brutto)
	}
	if col.HTTP != nil {
		_, netto, brutto := col.HTTP.Stats()
		out.HTTPCacheSize, out.HTTPCacheBruttoSize = uint64(netto), uint64(brutto)
	}
	if col.Filter != nil {
		_, netto, brutto := col.Filter.Stats()
		out.FilterCacheSize, out.FilterCacheBruttoSize = uint64(netto), uint64(brutto)
	}
	return out
}

// jsonCounters is Counters' wire-export shape for the optional S3
// upload: human-readable snake_case, unlike the binary control record.
type jsonCounters struct {
	Time                       time.Time `json:"time"`
	IncomingConnections        uint32    `json:"incoming_connections"`
	OutgoingConnections        uint32    `json:"outgoing_connections"`
	Children                   uint32    `json:"children"`
	Sessions                   uint32    `json:"sessions"`
	HTTPRequests               uint64    `json:"http_requests"`
	TranslationCacheSize       uint64    `json:"translation_cache_size"`
	HTTPCacheSize              uint64    `json:"http_cache_size"`
	FilterCacheSize            uint64    `json:"filter_cache_size"`
	TranslationCacheBruttoSize uint64    `json:"translation_cache_brutto_size"`
	HTTPCacheBruttoSize        uint64    `json:"http_cache_brutto_size"`
	FilterCacheBruttoSize      uint64    `json:"filter_cache_brutto_size"`
	IOBuffersSize              uint64    `json:"io_buffers_size"`
	IOBuffersBruttoSize        uint64    `json:"io_buffers_brutto_size"`
}

func toJSON(c Counters, now time.Time) ([]byte, error) {
	return json.Marshal(jsonCounters{
		Time:                       now,
		IncomingConnections:        c.IncomingConnections,
		OutgoingConnections:        c.OutgoingConnections,
		Children:                   c.Children,
		Sessions:                   c.Sessions,
		HTTPRequests:               c.HTTPRequests,
		TranslationCacheSize:       c.TranslationCacheSize,
		HTTPCacheSize:              c.HTTPCacheSize,
		FilterCacheSize:            c.FilterCacheSize,
		TranslationCacheBruttoSize: c.TranslationCacheBruttoSize,
		HTTPCacheBruttoSize:        c.HTTPCacheBruttoSize,
		FilterCacheBruttoSize:      c.FilterCacheBruttoSize,
		IOBuffersSize:              c.IOBuffersSize,
		IOBuffersBruttoSize:        c.IOBuffersBruttoSize,
	})
}

// S3Target names where periodic snapshots are uploaded, if configured.
type S3Target struct {
	Client     *s3.Client
	Bucket     string
	KeyPrefix  string // object keys are KeyPrefix + RFC3339 timestamp + ".json"
}

// NewS3Target builds an S3Target around client as given; the
// signing-header-compatibility workaround from s3sign.go is applied
// when the client is built, through ApplyCompatibilityOptions.
func NewS3Target(client *s3.Client, bucket, keyPrefix string) *S3Target {
	return &S3Target{Client: client, Bucket: bucket, KeyPrefix: keyPrefix}
}

// ApplyCompatibilityOptions returns the s3.Options overrides an
// S3-compatible (non-AWS) target needs: signing-header exclusion and
// disabled trailing checksums.
func ApplyCompatibilityOptions(o *s3.Options) {
	ignoreSigningHeaders(o, signingCompatibilityHeaders)
	disableTrailingChecksum(o)
}

// Exporter periodically collects a Counters snapshot and, if an
// S3Target is configured, uploads a JSON copy — SPEC_FULL.md §4.14.
// Uploads run in the background on a taskgroup limited to one task,
// mirroring the teacher's taskgroup-bounded background S3 push in
// revproxy.go: each tick collects first, then waits for a previous
// upload still in flight before starting its own, so a slow object
// store delays later ticks.
type Exporter struct {
	Collector *Collector
	Target    *S3Target // nil disables upload; Collect still runs
	Interval  time.Duration

	Logf func(string, ...any)

	last atomic.Pointer[Counters]
}

// Last returns the most recently collected Counters, or the zero value
// if Run has not completed a tick yet.
func (e *Exporter) Last() Counters {
	if c := e.last.Load(); c != nil {
		return *c
	}
	return Counters{}
}

// Run collects and (if configured) publishes a snapshot every
// Interval, until ctx is cancelled. It returns nil on clean
// cancellation.
func (e *Exporter) Run(ctx context.Context) error {
	interval := e.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	tasks, start := taskgroup.New(nil).Limit(1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			tasks.Wait()
			return nil
		case <-ticker.C:
			e.tick(ctx, start)
		}
	}
}

func (e *Exporter) tick(ctx context.Context, start func(taskgroup.Task)) {
	counters := e.Collector.Collect()
	e.last.Store(&counters)

	if e.Target == nil {
		return
	}
	now := time.Now()
	body, err := toJSON(counters, now)
	if err != nil {
		e.logf("snapshot: marshal: %v", err)
		return
	}
	target := e.Target
	start(func() error {
		key := target.KeyPrefix + now.UTC().Format(time.RFC3339) + ".json"
		_, err := target.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &target.Bucket,
			Key:    &key,
			Body:   bytes.NewReader(body),
		})
		if err != nil {
			e.logf("snapshot: upload %s/%s: %v", target.Bucket, key, err)
		}
		return err
	})
}

func (e *Exporter) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
		return
	}
	fmt.Printf(format+"\n", args...)
}
