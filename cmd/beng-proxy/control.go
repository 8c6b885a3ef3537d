package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/CM4all/beng-proxy/internal/control"
)

// runControlServer owns the UDP accept loop spec.md §6 and
// internal/control's own package doc describe as living at this
// boundary: decode each datagram and hand it to handler.Handle.
func runControlServer(ctx context.Context, addr string, handler *control.Handler, log *slog.Logger) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("control: read failed", "err", err)
			continue
		}
		records, err := control.DecodePacket(buf[:n])
		if err != nil {
			log.Warn("control: malformed packet", "err", err)
			continue
		}
		if err := handler.Handle(records); err != nil {
			log.Warn("control: handle failed", "err", err)
		}
	}
}
