package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Backend that keeps all entries of one cache in a single Redis
// hash, so Clear and GetAll are one round trip each.
type Redis struct {
	rdb  *redis.Client
	hash string
}

var _ Backend = (*Redis)(nil)

// RedisConfig configures a Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces the hash; the entity type is appended to it.
	Prefix string `yaml:"prefix"`
}

// NewRedis creates a Redis backend for the given entity type.
func NewRedis(cfg RedisConfig, entityType string) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisFromClient(rdb, cfg.Prefix, entityType)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, prefix, entityType string) *Redis {
	if prefix == "" {
		prefix = "gorawrcache:"
	}
	return &Redis{rdb: rdb, hash: prefix + entityType}
}

// Kind implements Kinder.
func (r *Redis) Kind() string { return "redis" }

// Open pings the server.
func (r *Redis) Open(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// GetAll implements Backend. Entries that fail to decode are skipped and
// removed so one corrupt value cannot block hydration.
func (r *Redis) GetAll(ctx context.Context) (map[string]Entry, error) {
	raw, err := r.rdb.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(raw))
	var corrupt []string
	for k, v := range raw {
		e, err := decodeEntry([]byte(v))
		if err != nil {
			corrupt = append(corrupt, k)
			continue
		}
		out[k] = e
	}
	if len(corrupt) > 0 {
		_ = r.rdb.HDel(ctx, r.hash, corrupt...).Err()
	}
	return out, nil
}

// Put implements Backend.
func (r *Redis) Put(ctx context.Context, key string, e Entry) error {
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, r.hash, key, b).Err(); err != nil {
		return fmt.Errorf("store: redis put %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.HDel(ctx, r.hash, key).Err()
}

// Clear implements Backend.
func (r *Redis) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.hash).Err()
}

// Keys implements Backend.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	return r.rdb.HKeys(ctx, r.hash).Result()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
