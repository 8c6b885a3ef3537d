package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/CM4all/beng-proxy/internal/headers"
	"github.com/CM4all/beng-proxy/internal/istream"
	"github.com/CM4all/beng-proxy/internal/pipeline"
)

// httpServer adapts net/http's request/response model to
// pipeline.Pipeline, counting incoming connections and served
// requests for internal/snapshot's Collector.
type httpServer struct {
	pipeline *pipeline.Pipeline
	log      *slog.Logger

	incomingConnections *atomic.Int64
	httpRequests        *atomic.Int64
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpRequests.Add(1)

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	req := &pipeline.Request{
		Method:       r.Method,
		URI:          r.URL.Path,
		Host:         r.Host,
		QueryString:  r.URL.RawQuery,
		Headers:      fromHTTPHeader(r.Header),
		Body:         body,
		RemoteAddr:   remoteIP(r.RemoteAddr),
		LocalAddress: r.URL.Hostname(),
	}
	if c, err := r.Cookie("beng_proxy_session"); err == nil {
		req.Session = []byte(c.Value)
	}

	resp, err := s.pipeline.Handle(r.Context(), req)
	if err != nil {
		s.log.Error("request failed", "uri", r.URL.Path, "err", err)
		http.Error(w, "internal error", statusForError(err))
		return
	}

	toHTTPHeader(w.Header(), resp.Headers)
	w.WriteHeader(resp.Status)
	if resp.Body == nil {
		return
	}
	// Drive the body through the istream Read/OnData loop rather than
	// collapsing it to a byte slice here, so it reaches the response
	// writer chunk by chunk. CopyHandler takes no fds, so a
	// direct-fd-capable producer (a static file) falls back to its
	// buffered OnData path here; there is no splice to the client.
	h := istream.NewCopyHandler(w, nil)
	resp.Body.SetHandler(h)
	resp.Body.Read()
	if h.Err != nil {
		s.log.Error("error writing response body", "uri", r.URL.Path, "err", h.Err)
	}
}

// trackConnState is installed as http.Server.ConnState so every
// accepted connection is counted for the "incoming_connections" stat,
// matching bp_get_stats' connection-listener hook.
func (s *httpServer) trackConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.incomingConnections.Add(1)
	case http.StateClosed, http.StateHijacked:
		s.incomingConnections.Add(-1)
	}
}

func fromHTTPHeader(h http.Header) *headers.Map {
	m := headers.New()
	for k, vs := range h {
		for _, v := range vs {
			m.Add(k, v)
		}
	}
	return m
}

func toHTTPHeader(dst http.Header, src *headers.Map) {
	if src == nil {
		return
	}
	src.ForEachAll(func(key, value string) {
		dst.Add(key, value)
	})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// runHTTPServer blocks serving HTTP until ctx is cancelled.
func runHTTPServer(ctx context.Context, addr string, handler *httpServer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ConnState:         handler.trackConnState,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
