package ajp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/CM4all/beng-proxy/internal/headers"
	"github.com/CM4all/beng-proxy/internal/istream"
)

// State mirrors the four-state machine of spec.md §4.6. ReadEnd is
// terminal; cancellation is only valid in ReadBegin or ReadNoBody.
type State int

const (
	ReadBegin State = iota
	ReadNoBody
	ReadBody
	ReadEnd
)

func (s State) String() string {
	switch s {
	case ReadBegin:
		return "READ_BEGIN"
	case ReadNoBody:
		return "READ_NO_BODY"
	case ReadBody:
		return "READ_BODY"
	case ReadEnd:
		return "READ_END"
	default:
		return "unknown"
	}
}

// DefaultTimeout is the read/write timeout per spec.md §5, applied to
// every socket operation on an AjpClient's connection.
const DefaultTimeout = 30 * time.Second

// Response is the (status, message, headers) triple delivered once
// SEND_HEADERS has been parsed.
type Response struct {
	Status  int
	Message string
	Headers *headers.Map
}

// Client drives one AJPv13 request/response exchange over conn. A
// Client is single-use: construct a fresh one (typically borrowed
// from a stock.Stock[*ajp.Client] keyed by upstream address) for each
// request.
type Client struct {
	conn    net.Conn
	br      *bufio.Reader
	timeout time.Duration

	state State

	reqBody      []byte
	reqBodyPos   int64
	reqBodyLen   int64
	reqBodySent  bool // sentinel already queued

	respRemaining int64 // response Content-Length countdown, -1 if unknown
	method        string
}

// NewClient wraps conn. timeout <= 0 uses DefaultTimeout.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		conn:    conn,
		br:      bufio.NewReader(conn),
		timeout: timeout,
		state:   ReadBegin,
	}
}

func (c *Client) State() State { return c.state }

// Do sends req and blocks until the response headers (SEND_HEADERS)
// have been read; for a bodyless response the END_RESPONSE packet is
// read by the returned Istream's first Read. The returned Istream
// delivers the response body; it must be read to EOF or Close()d to
// release the lease.
//
// If req.Body is non-nil, req.BodyLen must be >= 0: AJPv13 requires
// Content-Length up front (scenario S5).
func (c *Client) Do(ctx context.Context, req Request) (*Response, istream.Istream, error) {
	if req.Body != nil && req.BodyLen < 0 {
		return nil, nil, ErrChunkedBody
	}

	c.method = req.Method
	c.reqBody = req.Body
	c.reqBodyLen = req.BodyLen
	c.reqBodyPos = 0
	c.reqBodySent = false

	if err := c.writeFrame(ctx, EncodeForwardRequest(req)); err != nil {
		return nil, nil, err
	}

	if req.Body != nil {
		// Proactively push the first chunk rather than waiting for a
		// GET_BODY_CHUNK round-trip, matching the original client's
		// eager-first-chunk behaviour (scenario S4).
		if err := c.sendNextRequestBodyChunk(ctx, initialBodyChunkMax); err != nil {
			return nil, nil, err
		}
	} else {
		c.reqBodySent = true
	}

	resp, err := c.readResponseHeaders(ctx)
	if err != nil {
		return nil, nil, err
	}

	body := &bodyIstream{c: c}
	return resp, body, nil
}

// initialBodyChunkMax is "up to 1024 bytes minus overhead" per
// spec.md §4.6 scenario S4.
const initialBodyChunkMax = 1024 - 4

func (c *Client) sendNextRequestBodyChunk(ctx context.Context, limit int) error {
	if c.reqBodySent {
		return nil // already at EOF; further demands are ignored
	}
	if limit > MaxBodyChunk {
		limit = MaxBodyChunk
	}
	remain := c.reqBodyLen - c.reqBodyPos
	if remain <= 0 {
		c.reqBodySent = true
		return c.writeFrame(ctx, emptyBodySentinel())
	}
	n := int64(limit)
	if n > remain {
		n = remain
	}
	chunk := c.reqBody[c.reqBodyPos : c.reqBodyPos+n]
	c.reqBodyPos += n
	if err := c.writeFrame(ctx, encodeBodyChunk(chunk)); err != nil {
		return err
	}
	if c.reqBodyPos >= c.reqBodyLen {
		c.reqBodySent = true
		return c.writeFrame(ctx, emptyBodySentinel())
	}
	return nil
}

// readResponseHeaders loops until SEND_HEADERS arrives, transparently
// servicing GET_BODY_CHUNK and CPONG_REPLY packets along the way; any
// other packet in READ_BEGIN is a protocol error.
func (c *Client) readResponseHeaders(ctx context.Context) (*Response, error) {
	for {
		code, body, err := c.readPacket(ctx)
		if err != nil {
			return nil, err
		}
		switch code {
		case CodeGetBodyChunk:
			n, err := decodeGetBodyChunk(body)
			if err != nil {
				return nil, err
			}
			if err := c.sendNextRequestBodyChunk(ctx, n); err != nil {
				return nil, err
			}
		case CodeCPongReply:
			// informational, ignored
		case CodeSendHeaders:
			if c.state != ReadBegin {
				return nil, errProtocol("SEND_HEADERS outside READ_BEGIN")
			}
			status, msg, hdrs, err := decodeSendHeaders(body)
			if err != nil {
				return nil, err
			}
			if isBodylessResponse(c.method, status) {
				c.state = ReadNoBody
				c.respRemaining = 0
			} else {
				c.state = ReadBody
				c.respRemaining = -1
				if cl, ok := hdrs.Get("content-length"); ok {
					if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
						c.respRemaining = n
					}
				}
			}
			return &Response{Status: status, Message: msg, Headers: hdrs}, nil
		default:
			return nil, errProtocol("unexpected request packet from AJP server (code %d) in READ_BEGIN", code)
		}
	}
}

// readPacket reads one full frame off the wire and splits it into its
// leading packet code and remaining body.
func (c *Client) readPacket(ctx context.Context) (code byte, body []byte, err error) {
	if c.timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	var hdr [4]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("ajp: read frame header: %w", err)
	}
	if hdr[0] != prefixA || hdr[1] != prefixB {
		return 0, nil, errProtocol("bad frame prefix %#x %#x", hdr[0], hdr[1])
	}
	length := int(hdr[2])<<8 | int(hdr[3])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return 0, nil, fmt.Errorf("ajp: read frame body: %w", err)
		}
	}
	if len(payload) == 0 {
		return 0, nil, errProtocol("empty response packet")
	}
	return payload[0], payload[1:], nil
}

func (c *Client) writeFrame(ctx context.Context, frame []byte) error {
	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	_, err := c.conn.Write(frame)
	if err != nil {
		return fmt.Errorf("ajp: write frame: %w", err)
	}
	return nil
}

// Cancel releases the connection without reading further. Only valid
// in ReadBegin or ReadNoBody per spec.md §4.6/§5; callers in ReadBody
// must instead drain or close the underlying connection non-reusably.
func (c *Client) Cancel() error {
	if c.state == ReadBody {
		return errProtocol("cannot cancel while response body is in flight")
	}
	c.state = ReadEnd
	return nil
}

// bodyIstream adapts the remaining AJP response-body protocol
// exchange (SEND_BODY_CHUNK/GET_BODY_CHUNK/END_RESPONSE) into the
// module's pull-based Istream contract.
type bodyIstream struct {
	c       *Client
	handler istream.Handler
	done    bool
	reuse   bool
	pending []byte // unconsumed tail of the last SEND_BODY_CHUNK
}

func (b *bodyIstream) Available(partial bool) (int64, bool) {
	if b.c.respRemaining < 0 {
		return 0, false
	}
	return b.c.respRemaining, true
}

func (b *bodyIstream) SetHandler(h istream.Handler) { b.handler = h }

func (b *bodyIstream) DirectMask() []istream.DirectType { return nil }

func (b *bodyIstream) Read() {
	if b.done || b.handler == nil {
		return
	}
	if len(b.pending) > 0 {
		n, werr := b.handler.OnData(b.pending)
		if werr != nil {
			b.fail(werr)
			return
		}
		if b.c.respRemaining >= 0 {
			b.c.respRemaining -= int64(n)
		}
		if b.pending = b.pending[n:]; len(b.pending) > 0 {
			return
		}
	}
	ctx := context.Background()
	for {
		code, body, err := b.c.readPacket(ctx)
		if err != nil {
			b.fail(err)
			return
		}
		switch code {
		case CodeGetBodyChunk:
			n, err := decodeGetBodyChunk(body)
			if err != nil {
				b.fail(err)
				return
			}
			if err := b.c.sendNextRequestBodyChunk(ctx, n); err != nil {
				b.fail(err)
				return
			}
			continue
		case CodeCPongReply:
			continue
		case CodeSendBodyChunk:
			if b.c.state == ReadNoBody {
				// silently discarded per spec.md §4.6
				continue
			}
			if b.c.state != ReadBody {
				b.fail(errProtocol("SEND_BODY_CHUNK outside READ_BODY"))
				return
			}
			chunk, err := decodeSendBodyChunk(body)
			if err != nil {
				b.fail(err)
				return
			}
			if b.c.respRemaining >= 0 && int64(len(chunk)) > b.c.respRemaining {
				b.fail(errProtocol("SEND_BODY_CHUNK exceeds remaining content-length"))
				return
			}
			n, werr := b.handler.OnData(chunk)
			if werr != nil {
				b.fail(werr)
				return
			}
			if b.c.respRemaining >= 0 {
				b.c.respRemaining -= int64(n)
			}
			if n < len(chunk) {
				b.pending = chunk[n:]
				return // handler applied back-pressure; resume on next Read
			}
			continue
		case CodeEndResponse:
			reuse, err := decodeEndResponse(body)
			if err != nil {
				b.fail(err)
				return
			}
			switch b.c.state {
			case ReadBody:
				if b.c.respRemaining > 0 {
					b.fail(errProtocol("premature end of AJP response body"))
					return
				}
			case ReadNoBody:
				// empty body, cached status/headers already delivered
			default:
				b.fail(errProtocol("END_RESPONSE outside READ_BODY/READ_NO_BODY"))
				return
			}
			b.c.state = ReadEnd
			b.done = true
			b.reuse = reuse
			b.handler.OnEOF()
			return
		default:
			b.fail(errProtocol("unexpected request packet from AJP server (code %d)", code))
			return
		}
	}
}

func (b *bodyIstream) fail(err error) {
	b.done = true
	b.c.state = ReadEnd
	b.reuse = false
	b.handler.OnError(err)
}

// Reuse reports whether the underlying connection may be returned to
// its stock lease as reusable; only meaningful after OnEOF/OnError.
func (b *bodyIstream) Reuse() bool { return b.done && b.reuse }

func (b *bodyIstream) Skip(n int64) (int64, error) {
	return 0, errProtocol("Skip not supported on ajp response body")
}

func (b *bodyIstream) Close() error {
	b.done = true
	return nil
}
