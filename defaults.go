package gorawrcache

import "github.com/Keksclan/goRawrCache/ops"

// DefaultFileConfig returns a FileConfig with ops defaults, no per-type
// overrides and no Redis.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Defaults: ops.DefaultConfig(),
		Caches:   map[string]ops.Config{},
	}
}
