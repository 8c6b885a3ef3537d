package ajp

import (
	"bytes"
	"testing"

	"github.com/CM4all/beng-proxy/internal/headers"
)

func TestEncodeForwardRequestWellKnownHeader(t *testing.T) {
	h := headers.New()
	h.Add("Host", "example.com")
	h.Add("User-Agent", "test/1.0")
	req := Request{
		Method:     "GET",
		Protocol:   "HTTP/1.1",
		URI:        "/index.html",
		RemoteAddr: "127.0.0.1",
		RemoteHost: "client",
		ServerName: "example.com",
		ServerPort: 80,
		Headers:    h,
	}
	frame := EncodeForwardRequest(req)

	if frame[0] != prefixA || frame[1] != prefixB {
		t.Fatalf("bad frame prefix: %x %x", frame[0], frame[1])
	}
	length := int(frame[2])<<8 | int(frame[3])
	if length != len(frame)-4 {
		t.Fatalf("length field %d does not match body length %d", length, len(frame)-4)
	}
	if frame[4] != codeForwardRequest {
		t.Fatalf("packet code = %d, want FORWARD_REQUEST (%d)", frame[4], codeForwardRequest)
	}
	if frame[5] != methodCodes["GET"] {
		t.Fatalf("method code = %d, want %d", frame[5], methodCodes["GET"])
	}
	if !bytes.Contains(frame, []byte("example.com")) {
		t.Fatal("server name not found in encoded frame")
	}
}

func TestEncodeForwardRequestTerminator(t *testing.T) {
	req := Request{Method: "GET", Protocol: "HTTP/1.1", URI: "/"}
	frame := EncodeForwardRequest(req)
	if frame[len(frame)-1] != 0xFF {
		t.Fatalf("last byte = %#x, want 0xFF terminator", frame[len(frame)-1])
	}
}

func TestDecodeSendHeadersRoundTrip(t *testing.T) {
	w := &writer{}
	w.u16(200)
	w.str("OK")
	w.u16(2)
	w.u16(ResponseHeaderContentType) // well-known
	w.str("text/plain")
	w.str("X-Custom")
	w.str("value")

	status, msg, hdrs, err := decodeSendHeaders(w.buf)
	if err != nil {
		t.Fatal(err)
	}
	if status != 200 || msg != "OK" {
		t.Fatalf("got (%d, %q)", status, msg)
	}
	if v, _ := hdrs.Get("content-type"); v != "text/plain" {
		t.Fatalf("content-type = %q", v)
	}
	if v, _ := hdrs.Get("x-custom"); v != "value" {
		t.Fatalf("x-custom = %q", v)
	}
}

func TestDecodeSendBodyChunkDiscardsJunk(t *testing.T) {
	w := &writer{}
	w.u16(3)
	w.bytes([]byte("abc"))
	w.bytes([]byte("JUNK")) // trailing padding beyond chunk_length

	chunk, err := decodeSendBodyChunk(w.buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(chunk) != "abc" {
		t.Fatalf("chunk = %q, want %q", chunk, "abc")
	}
}

func TestIsBodylessResponse(t *testing.T) {
	cases := []struct {
		method string
		status int
		want   bool
	}{
		{"GET", 200, false},
		{"HEAD", 200, true},
		{"GET", 204, true},
		{"GET", 304, true},
		{"GET", 100, true},
		{"POST", 201, false},
	}
	for _, c := range cases {
		if got := isBodylessResponse(c.method, c.status); got != c.want {
			t.Errorf("isBodylessResponse(%q, %d) = %v, want %v", c.method, c.status, got, c.want)
		}
	}
}
