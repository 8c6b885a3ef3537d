package main

import "time"

// Config is the daemon's complete runtime configuration, bound from
// CLI flags via flax struct tags (mirroring the
// tailscale/go-cache-plugin sibling CLI's flag-binding convention).
type Config struct {
	Listen  string `flag:"listen,:8080,Address to accept HTTP connections on"`
	Control string `flag:"control,:5478,Address to accept control-plane UDP datagrams on"`

	TranslationSocket string `flag:"translation-socket,/run/cm4all/beng-proxy/translate.socket,Path to the translation server's Unix socket"`

	HTTPCacheSize   int64 `flag:"http-cache-size,67108864,Max bytes kept in the in-memory HTTP cache tier"`
	FilterCacheSize int64 `flag:"filter-cache-size,67108864,Max bytes kept in the in-memory filter cache tier"`
	MaxBodySize     int64 `flag:"max-body-size,16777216,Largest response body eligible for caching"`

	StateDir string `flag:"state-dir,/var/lib/cm4all/beng-proxy,Directory for the translation-cache snapshot and disk cache tiers"`

	ObeyNoCache bool `flag:"obey-no-cache,false,Honor Cache-Control: no-cache on incoming requests"`
	EagerCache  bool `flag:"eager-cache,false,Impute a default expiry for otherwise-uncacheable responses"`

	StatsInterval   time.Duration `flag:"stats-interval,1m,How often to collect and (if configured) export stats"`
	StatsBucket     string        `flag:"stats-bucket,,S3(-compatible) bucket to upload periodic stats snapshots to; empty disables upload"`
	StatsPrefix     string        `flag:"stats-prefix,beng-proxy/stats/,Key prefix for uploaded stats objects"`
	StatsS3Endpoint string        `flag:"stats-s3-endpoint,,Custom S3-compatible endpoint URL; empty uses the AWS default resolver"`
}
