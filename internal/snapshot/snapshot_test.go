package snapshot

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestEncodeWireRoundTrips(t *testing.T) {
	c := Counters{
		IncomingConnections:        3,
		OutgoingConnections:        7,
		Children:                   2,
		Sessions:                   11,
		HTTPRequests:               123456,
		TranslationCacheSize:       1000,
		HTTPCacheSize:              2000,
		FilterCacheSize:            3000,
		TranslationCacheBruttoSize: 1100,
		HTTPCacheBruttoSize:        2200,
		FilterCacheBruttoSize:      3300,
		IOBuffersSize:              555,
		IOBuffersBruttoSize:        666,
	}
	buf := c.EncodeWire()
	if len(buf) != WireSize {
		t.Fatalf("EncodeWire length = %d, want %d", len(buf), WireSize)
	}
	got, ok := DecodeWire(buf)
	if !ok {
		t.Fatalf("DecodeWire failed")
	}
	if got != c {
		t.Fatalf("DecodeWire = %+v, want %+v", got, c)
	}
}

func TestEncodeWireFieldOffsets(t *testing.T) {
	// Exercises the exact byte offsets bp_get_stats assigns, so a
	// regression in field order is caught even if round-tripping still
	// happens to succeed.
	c := Counters{IncomingConnections: 0x01020304, HTTPRequests: 0x1122334455667788}
	buf := c.EncodeWire()
	if buf[0] != 0x01 || buf[1] != 0x02 || buf[2] != 0x03 || buf[3] != 0x04 {
		t.Fatalf("incoming_connections not big-endian at offset 0: % x", buf[0:4])
	}
	if buf[16] != 0x11 || buf[23] != 0x88 {
		t.Fatalf("http_requests not at offset 16: % x", buf[16:24])
	}
}

func TestDecodeWireRejectsShortBuffer(t *testing.T) {
	if _, ok := DecodeWire(make([]byte, WireSize-1)); ok {
		t.Fatalf("expected DecodeWire to reject a short buffer")
	}
}

type fakeConnStock struct{ busy, idle int }

func (f fakeConnStock) TotalStats() (int, int) { return f.busy, f.idle }

type fakeSizeStats struct {
	entries      int
	netto, brutto int64
}

func (f fakeSizeStats) Stats() (int, int64, int64) { return f.entries, f.netto, f.brutto }

func TestCollectorCollectWiresEveryField(t *testing.T) {
	var incoming, children, sessions, requests atomic.Int64
	incoming.Store(4)
	children.Store(2)
	sessions.Store(9)
	requests.Store(42)

	col := &Collector{
		UpstreamConns:       fakeConnStock{busy: 3, idle: 1},
		Translation:         fakeSizeStats{netto: 100, brutto: 150},
		HTTP:                fakeSizeStats{netto: 200, brutto: 250},
		Filter:              fakeSizeStats{netto: 300, brutto: 350},
		IncomingConnections: &incoming,
		Children:            &children,
		Sessions:             &sessions,
		HTTPRequests:        &requests,
	}

	got := col.Collect()
	want := Counters{
		IncomingConnections:        4,
		OutgoingConnections:        4,
		Children:                   2,
		Sessions:                   9,
		HTTPRequests:               42,
		TranslationCacheSize:       100,
		TranslationCacheBruttoSize: 150,
		HTTPCacheSize:              200,
		HTTPCacheBruttoSize:        250,
		FilterCacheSize:            300,
		FilterCacheBruttoSize:      350,
	}
	if got != want {
		t.Fatalf("Collect = %+v, want %+v", got, want)
	}
}

func TestCollectorCollectToleratesNilCollaborators(t *testing.T) {
	col := &Collector{}
	if got := col.Collect(); got != (Counters{}) {
		t.Fatalf("Collect with no collaborators = %+v, want zero value", got)
	}
}

func TestExporterRunTicksWithoutTarget(t *testing.T) {
	var requests atomic.Int64
	requests.Store(5)
	exp := &Exporter{
		Collector: &Collector{HTTPRequests: &requests},
		Interval:  10 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	if err := exp.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := exp.Last().HTTPRequests; got != 5 {
		t.Fatalf("Last().HTTPRequests = %d, want 5", got)
	}
}

func TestToJSONIncludesCoreFields(t *testing.T) {
	c := Counters{HTTPRequests: 77, HTTPCacheSize: 99}
	body, err := toJSON(c, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	s := string(body)
	if !strings.Contains(s, `"http_requests":77`) || !strings.Contains(s, `"http_cache_size":99`) {
		t.Fatalf("toJSON output missing expected fields: %s", s)
	}
}
