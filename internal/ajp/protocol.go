// Package ajp implements the AJPv13 protocol client: the "worked
// protocol example" of a request/response binary framing over a
// pooled stock connection. Wire layout is ported from
// original_source's ajp_protocol.hxx/Client.cxx rather than invented,
// since AJPv13 is a fixed third-party wire format, not a design
// choice.
package ajp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame prefixes: 0x12 0x34 precede every packet, in both directions.
const (
	prefixA = 0x12
	prefixB = 0x34
)

// Request-direction packet codes (container-bound).
const (
	codeForwardRequest = 2
	codeShutdown       = 7
	codeCPing          = 10
)

// Response-direction packet codes (client-bound).
const (
	CodeSendBodyChunk = 3
	CodeSendHeaders   = 4
	CodeEndResponse   = 5
	CodeGetBodyChunk  = 6
	CodeCPongReply    = 9
)

// MaxBodyChunk is the largest body chunk payload AJPv13 allows per
// packet (8186 = 8192 - overhead), matching the original's
// AJP13_MAX_SEND_BODY_CHUNK.
const MaxBodyChunk = 8186

// Well-known request header codes, §4.6: well-known headers carry a
// 16-bit code ≥ 0xA000 instead of a length-prefixed name.
const (
	headerCodeStart        = 0xA000
	HeaderAccept           = 0xA001
	HeaderAcceptCharset    = 0xA002
	HeaderAcceptEncoding   = 0xA003
	HeaderAcceptLanguage   = 0xA004
	HeaderAuthorization    = 0xA005
	HeaderConnection       = 0xA006
	HeaderContentType      = 0xA007
	HeaderContentLength    = 0xA008
	HeaderCookie           = 0xA009
	HeaderCookie2          = 0xA00A
	HeaderHost             = 0xA00B
	HeaderPragma           = 0xA00C
	HeaderReferer          = 0xA00D
	HeaderUserAgent        = 0xA00E
)

var requestHeaderNames = map[uint16]string{
	HeaderAccept:         "accept",
	HeaderAcceptCharset:  "accept-charset",
	HeaderAcceptEncoding: "accept-encoding",
	HeaderAcceptLanguage: "accept-language",
	HeaderAuthorization:  "authorization",
	HeaderConnection:     "connection",
	HeaderContentType:    "content-type",
	HeaderContentLength:  "content-length",
	HeaderCookie:         "cookie",
	HeaderCookie2:        "cookie2",
	HeaderHost:           "host",
	HeaderPragma:         "pragma",
	HeaderReferer:        "referer",
	HeaderUserAgent:      "user-agent",
}

var requestHeaderCodes = func() map[string]uint16 {
	m := make(map[string]uint16, len(requestHeaderNames))
	for code, name := range requestHeaderNames {
		m[name] = code
	}
	return m
}()

// Well-known response header codes.
const (
	ResponseHeaderContentType     = 0xA001
	ResponseHeaderContentLanguage = 0xA002
	ResponseHeaderContentLength   = 0xA003
	ResponseHeaderDate            = 0xA004
	ResponseHeaderLastModified    = 0xA005
	ResponseHeaderLocation        = 0xA006
	ResponseHeaderSetCookie       = 0xA007
	ResponseHeaderSetCookie2      = 0xA008
	ResponseHeaderServletEngine   = 0xA009
	ResponseHeaderStatus          = 0xA00A
	ResponseHeaderWWWAuthenticate = 0xA00B
)

var responseHeaderNames = map[uint16]string{
	ResponseHeaderContentType:     "content-type",
	ResponseHeaderContentLanguage: "content-language",
	ResponseHeaderContentLength:   "content-length",
	ResponseHeaderDate:            "date",
	ResponseHeaderLastModified:    "last-modified",
	ResponseHeaderLocation:        "location",
	ResponseHeaderSetCookie:       "set-cookie",
	ResponseHeaderSetCookie2:      "set-cookie2",
	ResponseHeaderServletEngine:   "servlet-engine",
	ResponseHeaderStatus:          "status",
	ResponseHeaderWWWAuthenticate: "www-authenticate",
}

// attributeQueryString is the ajp_attribute_code for QUERY_STRING.
const attributeQueryString = 0x05

// ajp method codes, used only for the handful of methods AJPv13 knows
// a dedicated code for; anything else falls back to method code 0
// (NULL) carried as a string attribute by the caller if needed.
var methodCodes = map[string]byte{
	"OPTIONS":   1,
	"GET":       2,
	"HEAD":      3,
	"POST":      4,
	"PUT":       5,
	"DELETE":    6,
	"TRACE":     7,
	"PROPFIND":  8,
	"PROPPATCH": 9,
	"MKCOL":     10,
	"COPY":      11,
	"MOVE":      12,
	"LOCK":      13,
	"UNLOCK":    14,
}

func methodCode(method string) byte {
	if c, ok := methodCodes[method]; ok {
		return c
	}
	return 0
}

// ErrChunkedBody is returned when a request body has no known length;
// AJPv13 requires Content-Length up front.
var ErrChunkedBody = errors.New("ajp: AJPv13 does not support chunked request bodies")

// errProtocol wraps a malformed-framing or illegal-state-transition
// condition; always fatal for the connection per spec.md §7.
func errProtocol(format string, args ...any) error {
	return fmt.Errorf("ajp: protocol error: "+format, args...)
}

// writer builds one packet's payload incrementally; the 4-byte
// prefix+length header is prepended by frame() once the body is
// complete, since the length isn't known until then.
type writer struct {
	buf []byte
}

func (w *writer) u8(v byte) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// str encodes a length-prefixed, null-terminated string: 16-bit
// length (not counting the trailing NUL) then the bytes then a NUL.
func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// nullStr encodes the 0xFFFF "null string" sentinel.
func (w *writer) nullStr() {
	w.u16(0xFFFF)
}

// bytes appends raw bytes with no length prefix.
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

// frame returns the complete wire packet: prefix, big-endian length
// of the accumulated body, then the body.
func (w *writer) frame() []byte {
	out := make([]byte, 4+len(w.buf))
	out[0] = prefixA
	out[1] = prefixB
	binary.BigEndian.PutUint16(out[2:4], uint16(len(w.buf)))
	copy(out[4:], w.buf)
	return out
}

// reader consumes one packet's body (the bytes after the 4-byte
// frame header, which the caller has already stripped and validated).
type reader struct {
	buf []byte
	pos int
}

func newReader(body []byte) *reader { return &reader{buf: body} }

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, errProtocol("truncated packet reading u8")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, errProtocol("truncated packet reading u16")
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

// str decodes a 16-bit length-prefixed string; 0xFFFF means "null",
// reported as ok=false.
func (r *reader) str() (s string, ok bool, err error) {
	n, err := r.u16()
	if err != nil {
		return "", false, err
	}
	if n == 0xFFFF {
		return "", false, nil
	}
	if r.remaining() < int(n) {
		return "", false, errProtocol("truncated packet reading string of length %d", n)
	}
	s = string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	// strings carry a trailing NUL not counted in the length
	if r.remaining() < 1 {
		return "", false, errProtocol("truncated packet: missing string terminator")
	}
	r.pos++
	return s, true, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, errProtocol("truncated packet: need %d bytes, have %d", n, r.remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
