package translate

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds a single translate round trip.
const DefaultTimeout = 10 * time.Second

// Dialer abstracts acquiring a connection to the translation server; in
// production this is a Unix stream socket, dialed fresh per request
// per spec.md (the translation server itself is an external
// collaborator — this module only speaks its wire protocol).
type Dialer func(ctx context.Context) (net.Conn, error)

// Client performs one Translate round trip per call, opening and
// closing a connection each time (the translation server is cheap to
// reach locally; TranslationCache is what makes this affordable).
type Client struct {
	Dial    Dialer
	Timeout time.Duration
}

// NewUnixClient returns a Client dialing path as a Unix stream socket.
func NewUnixClient(path string) *Client {
	return &Client{
		Dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
		Timeout: DefaultTimeout,
	}
}

// Translate sends req and returns the decoded Response.
func (c *Client) Translate(ctx context.Context, req *Request) (*Response, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("translate: dial: %w", err)
	}
	defer conn.Close()

	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := req.Encode(conn); err != nil {
		return nil, fmt.Errorf("translate: encode request: %w", err)
	}
	resp, err := Decode(conn)
	if err != nil {
		return nil, fmt.Errorf("translate: decode response: %w", err)
	}
	return resp, nil
}
