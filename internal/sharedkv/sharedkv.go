// Package sharedkv defines the shared KV + bus provider contract: an
// optional remote key-value store with per-key TTL that also supports
// publish/subscribe, plus connection health via ping. The backend
// adapter degrades to durable-store-and-local-cache-only when no
// implementation is configured or the configured one is unhealthy.
package sharedkv

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Handler processes a delivered Message. It returns nothing and cannot
// unsubscribe itself; delivery ends only through the unsubscribe func.
type Handler func(Message)

// KV is the provider contract every shared-KV backend must satisfy.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (unsubscribe func(), err error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrKeyNotFound is returned by Get when key has no value (possibly
// expired). It is a sentinel rather than a memerr.Error because callers
// (the Backend Adapter) translate misses into cache-fallthrough, not a
// surfaced failure.
var ErrKeyNotFound = errKeyNotFound{}

type errKeyNotFound struct{}

func (errKeyNotFound) Error() string { return "sharedkv: key not found" }
