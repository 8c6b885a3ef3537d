package ajp

import (
	"strconv"

	"github.com/CM4all/beng-proxy/internal/headers"
)

// Request carries everything FORWARD_REQUEST needs to encode, per
// spec.md §4.6: method, protocol, URI, remote addr/host, server
// name/port, is-ssl flag, headers, and the query-string attribute.
type Request struct {
	Method      string
	Protocol    string
	URI         string
	QueryString string
	RemoteAddr  string
	RemoteHost  string
	ServerName  string
	ServerPort  int
	IsSSL       bool
	Headers     *headers.Map

	// Body is nil for a bodyless request. BodyLen must be >= 0 when
	// Body is set: AJPv13 has no chunked-body framing, so an unknown
	// length is rejected up front (scenario S5) rather than discovered
	// mid-stream.
	Body    []byte
	BodyLen int64
}

// EncodeForwardRequest builds the wire bytes for one FORWARD_REQUEST
// packet. Layout ported from original_source's Client.cxx
// (ajp_serialize.cxx-style field order): method code, protocol,
// req_uri, remote_addr, remote_host, server_name, server_port,
// is_ssl, header count + headers, attributes, terminator.
func EncodeForwardRequest(req Request) []byte {
	w := &writer{}
	w.u8(codeForwardRequest)
	w.u8(methodCode(req.Method))
	w.str(req.Protocol)
	w.str(req.URI)
	w.str(req.RemoteAddr)
	w.str(req.RemoteHost)
	w.str(req.ServerName)
	w.u16(uint16(req.ServerPort))
	if req.IsSSL {
		w.u8(1)
	} else {
		w.u8(0)
	}

	var names []string
	var values []string
	if req.Headers != nil {
		req.Headers.ForEachAll(func(k, v string) {
			names = append(names, k)
			values = append(values, v)
		})
	}
	hasContentLength := req.Headers != nil && req.Headers.Contains("content-length")
	if (req.BodyLen > 0 || req.Body != nil) && !hasContentLength {
		names = append(names, "content-length")
		values = append(values, strconv.FormatInt(req.BodyLen, 10))
	}

	w.u16(uint16(len(names)))
	for i, name := range names {
		if code, ok := requestHeaderCodes[name]; ok {
			w.u16(code)
		} else {
			w.str(name)
		}
		w.str(values[i])
	}

	if req.QueryString != "" {
		w.u8(attributeQueryString)
		w.str(req.QueryString)
	}
	w.u8(0xFF) // terminator

	return w.frame()
}

// encodeBodyChunk wraps one request-body chunk: unlike
// SEND_BODY_CHUNK (container to client, which carries its own packet
// code), a request body chunk is the raw bytes framed directly —
// the container already knows to expect one because it asked via
// GET_BODY_CHUNK or because the client sends the first chunk
// unsolicited.
func encodeBodyChunk(data []byte) []byte {
	w := &writer{}
	w.bytes(data)
	return w.frame()
}

// emptyBodySentinel is the zero-length frame (0x12 0x34 0x00 0x00)
// that signals request-body EOF.
func emptyBodySentinel() []byte {
	return (&writer{}).frame()
}

func decodeSendHeaders(body []byte) (status int, message string, hdrs *headers.Map, err error) {
	r := newReader(body)
	statusU16, err := r.u16()
	if err != nil {
		return 0, "", nil, err
	}
	msg, _, err := r.str()
	if err != nil {
		return 0, "", nil, err
	}
	n, err := r.u16()
	if err != nil {
		return 0, "", nil, err
	}
	hdrs = headers.New()
	for i := 0; i < int(n); i++ {
		codeOrLen, err := r.u16()
		if err != nil {
			return 0, "", nil, err
		}
		var name string
		if codeOrLen >= headerCodeStart {
			name = responseHeaderNames[codeOrLen]
			if name == "" {
				return 0, "", nil, errProtocol("unknown well-known response header code %#x", codeOrLen)
			}
		} else {
			if r.remaining() < int(codeOrLen) {
				return 0, "", nil, errProtocol("truncated response header name")
			}
			name = string(r.buf[r.pos : r.pos+int(codeOrLen)])
			r.pos += int(codeOrLen)
			if r.remaining() < 1 {
				return 0, "", nil, errProtocol("truncated response header name terminator")
			}
			r.pos++
		}
		val, _, err := r.str()
		if err != nil {
			return 0, "", nil, err
		}
		hdrs.Add(name, val)
	}
	return int(statusU16), msg, hdrs, nil
}

// decodeSendBodyChunk returns the payload bytes of a SEND_BODY_CHUNK
// packet body (the bytes following the packet code), discarding the
// trailing junk padding per spec.md §4.6's body-accounting rule:
// junk_length = packet_length - 2 - chunk_length.
func decodeSendBodyChunk(body []byte) ([]byte, error) {
	r := newReader(body)
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	chunk, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func decodeGetBodyChunk(body []byte) (int, error) {
	r := newReader(body)
	n, err := r.u16()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// decodeEndResponse returns whether the connection may be reused.
func decodeEndResponse(body []byte) (reuse bool, err error) {
	r := newReader(body)
	if r.remaining() == 0 {
		// some containers omit the trailing reuse flag; treat absence
		// as "do not reuse" to be conservative.
		return false, nil
	}
	b, err := r.u8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// isBodylessResponse reports whether a response to method/status
// carries no body per HTTP semantics (HEAD, 204, 304, 1xx).
func isBodylessResponse(method string, status int) bool {
	if method == "HEAD" {
		return true
	}
	switch status {
	case 204, 304:
		return true
	}
	return status >= 100 && status < 200
}
