package dark

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces record keys in a shared Redis instance.
const redisKeyPrefix = "qudag:dark:"

// RedisDHT backs the resolver with a Redis instance, for deployments that
// run a shared directory instead of a peer-to-peer table. Values expire
// server-side after the configured TTL.
type RedisDHT struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDHT wraps an existing Redis client. ttl bounds how long published
// records live server-side; zero keeps them until overwritten.
func NewRedisDHT(client *redis.Client, ttl time.Duration) *RedisDHT {
	return &RedisDHT{client: client, ttl: ttl}
}

func redisKey(key [32]byte) string {
	return redisKeyPrefix + hex.EncodeToString(key[:])
}

// Put stores a value under key.
func (d *RedisDHT) Put(ctx context.Context, key [32]byte, value []byte) error {
	return d.client.Set(ctx, redisKey(key), value, d.ttl).Err()
}

// Get retrieves the value for key, or nil if absent.
func (d *RedisDHT) Get(ctx context.Context, key [32]byte) ([]byte, error) {
	v, err := d.client.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Delete removes the value for key.
func (d *RedisDHT) Delete(ctx context.Context, key [32]byte) error {
	return d.client.Del(ctx, redisKey(key)).Err()
}
