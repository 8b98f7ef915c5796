package sweeper

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// casScript performs the version compare-and-swap server-side so two
// concurrent finalizers can never interleave between read and write.
// Returns -1 on success, otherwise the version currently stored (0 if none).
var casScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if (not v and ARGV[1] == '1') or (v and tonumber(v) == tonumber(ARGV[1]) - 1) then
	redis.call('HSET', KEYS[1], 'version', ARGV[1], 'manifest', ARGV[2])
	return -1
end
if v then
	return tonumber(v)
end
return 0
`)

// RedisStore implements Store using Redis.
// It is designed to work with github.com/redis/go-redis/v9. Each scope is a
// hash holding the manifest blob and its version.
type RedisStore struct {
	client *redis.Client
	prefix string // Optional key prefix (e.g., "sweeper:")
}

// NewRedisStore creates a new Redis-backed store.
// The prefix parameter allows namespacing keys to avoid conflicts.
// If prefix is empty, "sweeper:" is used by default.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sweeper:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// NewRedisStoreFromURL creates a Redis store from a connection URL.
// Example: "redis://localhost:6379/0" or "redis://:password@localhost:6379/1"
func NewRedisStoreFromURL(url string, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) key(path ScopePath) string {
	return s.prefix + path.String()
}

func (s *RedisStore) Load(ctx context.Context, path ScopePath) (*Manifest, error) {
	data, err := s.client.HGet(ctx, s.key(path), "manifest").Bytes()
	if err == redis.Nil {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load failed for scope %s: %w", path, err)
	}
	return decodeManifest(path, data)
}

func (s *RedisStore) Save(ctx context.Context, path ScopePath, manifest *Manifest) error {
	data, err := encodeManifest(manifest)
	if err != nil {
		return err
	}

	res, err := casScript.Run(ctx, s.client, []string{s.key(path)}, manifest.Version, data).Int64()
	if err != nil {
		return fmt.Errorf("redis save failed for scope %s: %w", path, err)
	}
	if res != -1 {
		return &ConflictError{ScopePath: path, Expected: manifest.Version, Found: res}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, path ScopePath) error {
	return s.client.Del(ctx, s.key(path)).Err()
}

func (s *RedisStore) List(ctx context.Context, prefix ScopePath) ([]ScopePath, error) {
	var paths []ScopePath

	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), s.prefix)
		path := ScopePath(strings.Split(key, "/"))
		// SCAN matches raw key prefixes; keep only whole-segment matches.
		if path.HasPrefix(prefix) {
			paths = append(paths, path)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list scopes under %s: %w", prefix, err)
	}

	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
	return paths, nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
