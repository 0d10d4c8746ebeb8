package gorawrcache

import (
	"fmt"
	"io"
	"slices"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/coordinator"
	"github.com/Keksclan/goRawrCache/ops"
	"github.com/Keksclan/goRawrCache/remote"
	"github.com/Keksclan/goRawrCache/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// config holds the internal configuration assembled via functional options.
type config struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	tp         trace.TracerProvider
	rules      *coordinator.Table
}

// FileConfig is the YAML configuration of a set of caches.
//
//	defaults:
//	  itemTTL: 5m
//	  queryTTL: 5m
//	  facetTTL: 1m
//	caches:
//	  widget:
//	    queryTTL: 10m
//	    evictionMaxItems: 5000
//	redis:
//	  addr: localhost:6379
//	remote:
//	  retry:
//	    maxAttempts: 3
//	    baseDelay: 50ms
//	  breaker:
//	    failureThreshold: 5
//	    openTimeout: 10s
type FileConfig struct {
	Defaults ops.Config            `yaml:"defaults"`
	Caches   map[string]ops.Config `yaml:"caches"`
	Redis    *store.RedisConfig    `yaml:"redis"`
	Remote   RemoteConfig          `yaml:"remote"`
}

// RemoteConfig selects the middleware Source puts in front of a remote
// source. Nil blocks are left out.
type RemoteConfig struct {
	Retry     *remote.RetryConfig   `yaml:"retry"`
	Breaker   *remote.BreakerConfig `yaml:"breaker"`
	RateLimit *RateLimitConfig      `yaml:"rateLimit"`
}

// RateLimitConfig paces calls to one remote source.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// fileConfig mirrors FileConfig with raw per-type nodes, so a type's block
// can be decoded on top of the defaults.
type fileConfig struct {
	Defaults yaml.Node            `yaml:"defaults"`
	Caches   map[string]yaml.Node `yaml:"caches"`
	Redis    *store.RedisConfig   `yaml:"redis"`
	Remote   RemoteConfig         `yaml:"remote"`
}

// LoadConfig reads a FileConfig from r. Unset fields fall back first to
// the defaults block and then to ops.DefaultConfig. Every resulting cache
// config is validated.
func LoadConfig(r io.Reader) (FileConfig, error) {
	var raw fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return FileConfig{}, &cacheerr.ValidationError{Field: "config", Err: err}
	}

	out := FileConfig{Defaults: ops.DefaultConfig(), Redis: raw.Redis, Remote: raw.Remote}
	if rl := raw.Remote.RateLimit; rl != nil && rl.RPS <= 0 {
		return FileConfig{}, cacheerr.Invalid("remote.rateLimit.rps", "must be positive")
	}
	if !raw.Defaults.IsZero() {
		if err := raw.Defaults.Decode(&out.Defaults); err != nil {
			return FileConfig{}, &cacheerr.ValidationError{Field: "defaults", Err: err}
		}
	}
	if err := out.Defaults.Validate(); err != nil {
		return FileConfig{}, err
	}

	out.Caches = make(map[string]ops.Config, len(raw.Caches))
	for typ, node := range raw.Caches {
		cfg := out.Defaults
		if err := node.Decode(&cfg); err != nil {
			return FileConfig{}, &cacheerr.ValidationError{Field: "caches." + typ, Err: err}
		}
		if err := cfg.Validate(); err != nil {
			return FileConfig{}, fmt.Errorf("caches.%s: %w", typ, err)
		}
		out.Caches[typ] = cfg
	}
	return out, nil
}

// For returns the configuration of entityType: its own block if present,
// otherwise the defaults.
func (f FileConfig) For(entityType string) ops.Config {
	if cfg, ok := f.Caches[entityType]; ok {
		return cfg
	}
	return f.Defaults
}

// Types returns the entity types with their own block, sorted.
func (f FileConfig) Types() []string {
	types := make([]string, 0, len(f.Caches))
	for t := range f.Caches {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Source wraps src with the configured middleware: the rate limit first,
// then the breaker, then retries closest to the source. Each call builds a
// new breaker, so every source trips on its own.
func (f FileConfig) Source(src remote.Source) remote.Source {
	var mw []remote.Middleware
	if rl := f.Remote.RateLimit; rl != nil {
		mw = append(mw, remote.WithRateLimit(rl.RPS, rl.Burst))
	}
	if b := f.Remote.Breaker; b != nil {
		mw = append(mw, remote.WithBreaker(remote.NewBreaker(*b)))
	}
	if r := f.Remote.Retry; r != nil {
		mw = append(mw, remote.WithRetry(*r))
	}
	return remote.Chain(src, mw...)
}

// Backend returns the durable backend for entityType: Redis when a redis
// block is configured, nil (in-memory) otherwise.
func (f FileConfig) Backend(entityType string) store.Backend {
	if f.Redis == nil || f.Redis.Addr == "" {
		return nil
	}
	return store.NewRedis(*f.Redis, entityType)
}
