// Command beng-proxy runs the content-composition reverse proxy:
// accepting HTTP connections, consulting the translation server
// (through TranslationCache) for each request's handling instructions,
// dispatching to the resource the translation response names, running
// the response through its transformation chain, and forwarding the
// result — spec.md's component table A-M wired together.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/CM4all/beng-proxy/internal/control"
	"github.com/CM4all/beng-proxy/internal/cookiejar"
	"github.com/CM4all/beng-proxy/internal/filtercache"
	"github.com/CM4all/beng-proxy/internal/headerforward"
	"github.com/CM4all/beng-proxy/internal/httpcache"
	"github.com/CM4all/beng-proxy/internal/pipeline"
	"github.com/CM4all/beng-proxy/internal/resourceloader"
	"github.com/CM4all/beng-proxy/internal/snapshot"
	"github.com/CM4all/beng-proxy/internal/translate"
	"github.com/CM4all/beng-proxy/internal/xlatecache"
)

func main() {
	var cfg Config

	root := &command.C{
		Name: "beng-proxy",
		Help: "Content-composition HTTP reverse proxy driven by a translation server.",
		Commands: []*command.C{
			{
				Name: "run",
				Help: "Run the proxy until terminated.",
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &cfg)
				},
				Run: command.Adapt(func(env *command.Env) error {
					return runProxy(env.Context(), &cfg)
				}),
			},
			{
				Name: "stats",
				Help: "Print one line of cache-size stats and exit.",
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &cfg)
				},
				Run: command.Adapt(func(env *command.Env) error {
					return printStats(&cfg)
				}),
			},
			command.HelpCommand(nil),
		},
	}

	env := root.NewEnv(nil)
	if err := command.Execute(env, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "beng-proxy: %v\n", err)
		os.Exit(1)
	}
}

// proxyInstance holds every collaborator and counter one running
// daemon needs, mirroring the original's BpInstance aggregate.
type proxyInstance struct {
	pipeline *pipeline.Pipeline
	control  *control.Handler
	exporter *snapshot.Exporter

	incomingConnections atomic.Int64
	children            atomic.Int64
	sessions            atomic.Int64
	httpRequests        atomic.Int64
}

func buildInstance(cfg *Config, log *slog.Logger) (*proxyInstance, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	xlate := xlatecache.New()
	snapshotDir := filepath.Join(cfg.StateDir, "translate-cache")
	if err := xlate.LoadSnapshot(snapshotDir); err != nil {
		log.Warn("translation cache: snapshot load failed, starting cold", "err", err)
	}

	translateClient := translate.NewUnixClient(cfg.TranslationSocket)

	httpDisk := httpcache.NewDiskCache(filepath.Join(cfg.StateDir, "http-cache"), uint64(cfg.HTTPCacheSize)*4)
	httpCache := httpcache.New(cfg.HTTPCacheSize, httpDisk)

	var filterContentStore filtercache.ContentStore
	if store, err := filtercache.NewGocacheStore(filepath.Join(cfg.StateDir, "filter-cache")); err != nil {
		log.Warn("filter cache: content store unavailable, memory-tier only", "err", err)
	} else {
		filterContentStore = store
	}
	filterCache := filtercache.New(cfg.FilterCacheSize, filterContentStore, 4)

	jar := cookiejar.New()
	ajpDialer := newAjpStockDialer()
	loader := resourceloader.New(ajpDialer)

	p := &pipeline.Pipeline{
		Xlate:        xlate,
		TranslateFn:  translateClient.Translate,
		Loader:       loader,
		HTTPCache:    httpCache,
		FilterCache:  filterCache,
		Jar:          jar,
		Processor:    pipeline.NoopProcessor{},
		HeaderPolicy: headerforward.DefaultPolicy(),
		MaxBodySize:  cfg.MaxBodySize,
		ObeyNoCache:  cfg.ObeyNoCache,
		EagerCache:   cfg.EagerCache,
	}

	inst := &proxyInstance{
		pipeline: p,
		control:  &control.Handler{Cache: xlate},
	}

	collector := &snapshot.Collector{
		UpstreamConns:       ajpDialer.stock,
		Translation:         xlate,
		HTTP:                httpCache,
		Filter:              filterCache,
		IncomingConnections: &inst.incomingConnections,
		Children:            &inst.children,
		Sessions:            &inst.sessions,
		HTTPRequests:        &inst.httpRequests,
	}

	var target *snapshot.S3Target
	if cfg.StatsBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Warn("stats: AWS config unavailable, upload disabled", "err", err)
		} else {
			client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				if cfg.StatsS3Endpoint != "" {
					o.BaseEndpoint = &cfg.StatsS3Endpoint
				}
				snapshot.ApplyCompatibilityOptions(o)
			})
			target = snapshot.NewS3Target(client, cfg.StatsBucket, cfg.StatsPrefix)
		}
	}

	inst.exporter = &snapshot.Exporter{
		Collector: collector,
		Target:    target,
		Interval:  cfg.StatsInterval,
		Logf:      log.Warn,
	}

	return inst, nil
}

func runProxy(ctx context.Context, cfg *Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	inst, err := buildInstance(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 3)
	go func() {
		log.Info("http listening", "addr", cfg.Listen)
		errc <- runHTTPServer(ctx, cfg.Listen, &httpServer{
			pipeline:            inst.pipeline,
			log:                 log,
			incomingConnections: &inst.incomingConnections,
			httpRequests:        &inst.httpRequests,
		})
	}()
	go func() {
		log.Info("control listening", "addr", cfg.Control)
		errc <- runControlServer(ctx, cfg.Control, inst.control, log)
	}()
	go func() {
		errc <- inst.exporter.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			log.Error("server exited", "err", err)
		}
		stop()
	}
	<-ctx.Done()

	if err := inst.pipeline.Xlate.SaveSnapshot(filepath.Join(cfg.StateDir, "translate-cache")); err != nil {
		log.Warn("translation cache: snapshot save failed", "err", err)
	}
	return nil
}

func printStats(cfg *Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	inst, err := buildInstance(cfg, log)
	if err != nil {
		return err
	}
	counters := (&snapshot.Collector{
		UpstreamConns: nil,
		Translation:   inst.pipeline.Xlate,
		HTTP:          inst.pipeline.HTTPCache,
		Filter:        inst.pipeline.FilterCache,
	}).Collect()
	buf := counters.EncodeWire()
	fmt.Printf("translation_cache_size=%d http_cache_size=%d filter_cache_size=%d (wire bytes=%d)\n",
		counters.TranslationCacheSize, counters.HTTPCacheSize, counters.FilterCacheSize, len(buf))
	return nil
}
