package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/CM4all/beng-proxy/internal/ajp"
	"github.com/CM4all/beng-proxy/internal/stock"
)

// ajpClass dials a fresh AJPv13 connection per stock.Stock[*ajp.Client]
// key (one key per upstream host:port), matching spec.md §4.6's "pooled
// per AjpConnection.HostAndPort" requirement.
type ajpClass struct {
	dialTimeout time.Duration
}

func (c ajpClass) Create(ctx context.Context, hostAndPort string) (*ajp.Client, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", hostAndPort)
	if err != nil {
		return nil, fmt.Errorf("ajp: dial %s: %w", hostAndPort, err)
	}
	return ajp.NewClient(conn, ajp.DefaultTimeout), nil
}

// Borrow rejects an idle client that already mid-exchange; a fresh
// READ_BEGIN client is the only state worth reusing.
func (c ajpClass) Borrow(client *ajp.Client) bool {
	return client.State() == ajp.ReadBegin
}

func (c ajpClass) Release(client *ajp.Client) {}

func (c ajpClass) Destroy(client *ajp.Client) {}

// ajpStockDialer adapts a stock.Stock[*ajp.Client] to
// resourceloader's unexported ajpDialer contract (Dial returning a
// client plus a release callback), satisfied structurally since
// resourceloader.New only requires the method set, not the
// (unexported) interface name itself.
type ajpStockDialer struct {
	stock *stock.Stock[*ajp.Client]
}

func newAjpStockDialer() *ajpStockDialer {
	return &ajpStockDialer{
		stock: stock.New[*ajp.Client](ajpClass{dialTimeout: 5 * time.Second}, stock.Config{
			Limit:   0,
			MaxIdle: 8,
		}),
	}
}

func (d *ajpStockDialer) Dial(ctx context.Context, hostAndPort string) (*ajp.Client, func(reuse bool), error) {
	return d.stock.Get(ctx, hostAndPort)
}
