package control

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/CM4all/beng-proxy/internal/resource"
	"github.com/CM4all/beng-proxy/internal/translate"
	"github.com/CM4all/beng-proxy/internal/xlatecache"
)

func TestEncodeDecodePacketRoundTrips(t *testing.T) {
	records := []Record{
		{Command: CmdNop},
		{Command: CmdTCacheInvalidate, Payload: []byte("hello")},
	}
	buf := EncodePacket(records)
	got, err := DecodePacket(buf)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if len(got) != 2 || got[1].Command != CmdTCacheInvalidate || !bytes.Equal(got[1].Payload, []byte("hello")) {
		t.Fatalf("DecodePacket = %+v", got)
	}
}

func TestDecodePacketRejectsBadMagic(t *testing.T) {
	if _, err := DecodePacket([]byte{0, 0, 0, 0}); err == nil {
		t.Fatalf("expected an error for a non-matching magic")
	}
}

func TestDecodePacketRejectsTruncatedRecord(t *testing.T) {
	buf := EncodePacket([]Record{{Command: CmdTCacheInvalidate, Payload: []byte("abcd")}})
	if _, err := DecodePacket(buf[:len(buf)-2]); err == nil {
		t.Fatalf("expected an error for a truncated payload")
	}
}

func TestDecodeInvalidatePayloadParsesEntries(t *testing.T) {
	payload := encodeInvalidateEntries(t, []InvalidateEntry{
		{Field: translate.CmdHost, Value: "example.com"},
	})
	entries, err := DecodeInvalidatePayload(payload)
	if err != nil {
		t.Fatalf("DecodeInvalidatePayload: %v", err)
	}
	if len(entries) != 1 || entries[0].Field != translate.CmdHost || entries[0].Value != "example.com" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestHandlerInvalidatesMatchingHostEntries(t *testing.T) {
	cache := xlatecache.New()
	translateFn := func(context.Context, *translate.Request) (*translate.Response, error) {
		return &translate.Response{
			Address: resource.Address{Kind: resource.KindLocal, Local: resource.Local{Path: "/x"}},
			MaxAge:  time.Minute,
			Vary:    []translate.Command{translate.CmdHost},
		}, nil
	}
	req := &translate.Request{Host: "example.com", URI: "/p"}
	if _, err := cache.Lookup(context.Background(), req, translateFn); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("Len = %d, want 1 before invalidation", cache.Len())
	}

	h := &Handler{Cache: cache}
	payload := encodeInvalidateEntries(t, []InvalidateEntry{{Field: translate.CmdHost, Value: "example.com"}})
	packet := EncodePacket([]Record{{Command: CmdTCacheInvalidate, Payload: payload}})

	records, err := DecodePacket(packet)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if err := h.Handle(records); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after TCACHE_INVALIDATE", cache.Len())
	}
}

func TestHandlerIgnoresUnknownCommands(t *testing.T) {
	h := &Handler{Cache: xlatecache.New()}
	if err := h.Handle([]Record{{Command: 999, Payload: []byte("x")}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func encodeInvalidateEntries(t *testing.T, entries []InvalidateEntry) []byte {
	t.Helper()
	var buf []byte
	for _, e := range entries {
		var hdr [4]byte
		v := []byte(e.Value)
		hdr[0], hdr[1] = byte(len(v)>>8), byte(len(v))
		hdr[2], hdr[3] = byte(uint16(e.Field)>>8), byte(uint16(e.Field))
		buf = append(buf, hdr[:]...)
		buf = append(buf, v...)
	}
	return buf
}
