package translate

import (
	"bytes"
	"testing"
)

func TestRequestEncodeBeginEnd(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{URI: "/foo", Host: "example.com"}
	if err := req.Encode(&buf); err != nil {
		t.Fatal(err)
	}

	first, err := readPacket(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if first.cmd != CmdBegin {
		t.Fatalf("first packet command = %d, want CmdBegin", first.cmd)
	}

	var last packet
	for {
		pkt, err := readPacket(&buf)
		if err != nil {
			t.Fatal(err)
		}
		last = pkt
		if pkt.cmd == CmdEnd {
			break
		}
	}
	if last.cmd != CmdEnd {
		t.Fatalf("last packet command = %d, want CmdEnd", last.cmd)
	}
}

func TestRequestEncodeOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{URI: "/foo"}
	if err := req.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	for {
		pkt, err := readPacket(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if pkt.cmd == CmdHost {
			t.Fatal("expected no HOST packet when Request.Host is empty")
		}
		if pkt.cmd == CmdEnd {
			break
		}
	}
}

func TestBypassableOversizeCheck(t *testing.T) {
	req := &Request{Check: make([]byte, MaxCheckLen+1)}
	if !req.Bypassable() {
		t.Fatal("expected Bypassable() to be true for an oversize Check field")
	}
	req2 := &Request{Check: make([]byte, MaxCheckLen)}
	if req2.Bypassable() {
		t.Fatal("expected Bypassable() to be false at the exact size bound")
	}
}
