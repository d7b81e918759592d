package sharedkv

import (
	"context"
	"time"
)

// Null is a no-op KV used when no shared backend is configured. Every
// read misses, every write/publish succeeds trivially, and Ping always
// fails. Since no call ever fails, the backend adapter never marks it
// unhealthy. The durable store alone is authoritative in that mode.
type Null struct{}

func (Null) Get(ctx context.Context, key string) ([]byte, error) { return nil, ErrKeyNotFound }
func (Null) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (Null) Del(ctx context.Context, key string) error                         { return nil }
func (Null) Keys(ctx context.Context, pattern string) ([]string, error)        { return nil, nil }
func (Null) Publish(ctx context.Context, channel string, payload []byte) error { return nil }
func (Null) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	return func() {}, nil
}
func (Null) Ping(ctx context.Context) error { return errUnconfigured }
func (Null) Close() error                   { return nil }

var errUnconfigured = nullError("sharedkv: null backend has no connection to ping")

type nullError string

func (e nullError) Error() string { return string(e) }
