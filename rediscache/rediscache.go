// Package rediscache provides the Redis-backed second-level row cache, plus an
// in-process mock with identical semantics for tests and embedded use.
package rediscache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/omen"
)

type client struct {
	rdb       *redis.Client
	marshaler omen.Marshaler
}

// NewClient connects to Redis per config and returns a row cache over it.
func NewClient(config omen.RedisCacheConfig) (omen.RowCache, error) {
	opts, err := toOptions(config)
	if err != nil {
		return nil, omen.Error{Code: omen.StorageFailure, Err: err}
	}
	return &client{
		rdb:       redis.NewClient(opts),
		marshaler: omen.NewMarshaler(),
	}, nil
}

func toOptions(config omen.RedisCacheConfig) (*redis.Options, error) {
	if config.URL != "" {
		return redis.ParseURL(config.URL)
	}
	return &redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	}, nil
}

// Open builds the row cache named by options: nil for NoRowCache, the mock
// for InMemoryRowCache, a Redis connection for RedisRowCache.
func Open(options omen.CacheOptions) (omen.RowCache, error) {
	switch options.Type {
	case omen.NoRowCache:
		return nil, nil
	case omen.InMemoryRowCache:
		return NewMock(), nil
	case omen.RedisRowCache:
		if options.RedisConfig == nil {
			return nil, omen.Errorf(omen.StorageFailure, "redis row cache needs a RedisConfig")
		}
		return NewClient(*options.RedisConfig)
	}
	return nil, omen.Errorf(omen.Unknown, "unsupported row cache type %d", options.Type)
}

// Ping checks connectivity to the Redis server.
func (c *client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err}
	}
	return nil
}

func (c *client) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, omen.Error{Code: omen.StorageFailure, Err: err}
	}
	if err := c.marshaler.Unmarshal(data, target); err != nil {
		return false, omen.Error{Code: omen.StorageFailure, Err: err, UserData: key}
	}
	return true, nil
}

func (c *client) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := c.marshaler.Marshal(value)
	if err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err, UserData: key}
	}
	if err := c.rdb.Set(ctx, key, data, expiration).Err(); err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err}
	}
	return nil
}

func (c *client) Delete(ctx context.Context, keys []string) (bool, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return false, omen.Error{Code: omen.StorageFailure, Err: err}
	}
	return n > 0, nil
}

func (c *client) Clear(ctx context.Context) error {
	if err := c.rdb.FlushDB(ctx).Err(); err != nil {
		return omen.Error{Code: omen.StorageFailure, Err: err}
	}
	return nil
}

// Close releases the Redis connection.
func (c *client) Close() error {
	return c.rdb.Close()
}
