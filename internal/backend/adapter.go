// Package backend implements the storage adapter every tier writes
// through: dual-write to a durable store plus a best-effort shared KV, a local
// bounded TTL cache in front of both, pub/sub-driven cross-process cache
// invalidation, and automatic fallback to durable-only mode when the
// shared backend is unreachable.
package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/CLIAIRMONITOR/memcore/internal/cache"
	"github.com/CLIAIRMONITOR/memcore/internal/clock"
	"github.com/CLIAIRMONITOR/memcore/internal/codec"
	"github.com/CLIAIRMONITOR/memcore/internal/durable"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
	"github.com/CLIAIRMONITOR/memcore/internal/obsmetrics"
	"github.com/CLIAIRMONITOR/memcore/internal/sharedkv"
)

// Pub/sub channels, one per shared memory tier.
const (
	ChannelEpisodic = "agent:memory:episodic"
	ChannelSemantic = "agent:memory:semantic"
	ChannelSkill    = "agent:memory:skill"
)

// Shared-KV key namespaces, one prefix per tier.
func KeyWorking(agentID, stepID string) string { return "agent:" + agentID + ":working:" + stepID }
func KeyEpisodic(memoryID string) string       { return "memory:episodic:" + memoryID }
func KeySemantic(memoryID string) string       { return "memory:semantic:" + memoryID }
func KeySkill(skillID string) string           { return "memory:skill:" + skillID }
func KeySkillName(name string) string          { return "skill:name:" + name }
func KeySession(sessionID string) string       { return "session:" + sessionID }

// Event is the payload published on a tier channel after a write.
type Event struct {
	Op             string `json:"op"` // added, updated, deleted
	ID             string `json:"id"`
	SourceInstance string `json:"source_instance"`
}

// Options configures an Adapter.
type Options struct {
	Durable durable.Store
	Shared  sharedkv.KV // nil means sharedkv.Null
	Cache   *cache.Cache
	Codec   *codec.Codec

	MaxPayloadBytes        int
	UnhealthyFailThreshold int

	Metrics *obsmetrics.Registry
	Log     obslog.Logger
	Clock   clock.Clock
}

// Adapter composes the durable store, shared KV, local cache, and codec
// into the read/write path every domain store uses.
type Adapter struct {
	instanceID string

	durable durable.Store
	shared  sharedkv.KV
	cache   *cache.Cache
	codec   *codec.Codec

	maxPayload    int
	failThreshold int

	metrics *obsmetrics.Registry
	log     obslog.Logger
	clock   clock.Clock

	mu           sync.Mutex
	consecutive  int
	unhealthy    bool
	probing      bool
	unsubscribes []func()

	closed chan struct{}
}

// New builds an Adapter. A nil Shared backend degrades to durable-only
// operation with the null KV.
func New(opts Options) *Adapter {
	if opts.Shared == nil {
		opts.Shared = sharedkv.Null{}
	}
	if opts.Log == nil {
		opts.Log = obslog.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 16 * 1024 * 1024
	}
	if opts.UnhealthyFailThreshold <= 0 {
		opts.UnhealthyFailThreshold = 3
	}
	return &Adapter{
		instanceID:    uuid.New().String(),
		durable:       opts.Durable,
		shared:        opts.Shared,
		cache:         opts.Cache,
		codec:         opts.Codec,
		maxPayload:    opts.MaxPayloadBytes,
		failThreshold: opts.UnhealthyFailThreshold,
		metrics:       opts.Metrics,
		log:           opts.Log,
		clock:         opts.Clock,
		closed:        make(chan struct{}),
	}
}

// InstanceID identifies this adapter in published events so it can skip
// its own deliveries.
func (a *Adapter) InstanceID() string { return a.instanceID }

// Put writes value under key: durable first (authoritative), then the
// local cache, then a best-effort mirror to the shared KV with ttl. A
// shared-KV failure never fails the call; it is logged and counted
// toward the unhealthy threshold.
func (a *Adapter) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if len(value) > a.maxPayload {
		return memerr.New(memerr.KindValidation, "backend: payload exceeds max_payload_bytes")
	}

	encoded, err := a.codec.Encode(value)
	if err != nil {
		return err
	}

	if err := a.durable.Put(ctx, key, encoded); err != nil {
		return memerr.Wrap(memerr.KindInternal, "backend: durable put", err)
	}
	a.cache.Set(key, value)

	if a.sharedHealthy() {
		if err := a.shared.Set(ctx, key, encoded, ttl); err != nil {
			a.recordSharedFailure(ctx, "set", key, err)
		} else {
			a.recordSharedSuccess()
		}
	}
	return nil
}

// Get reads key through cache, then shared KV (when healthy), then the
// durable store. A shared-KV or durable hit is stored in the local cache;
// a durable hit is not copied into the shared KV.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := a.cache.Get(key); ok {
		return v, nil
	}

	if a.sharedHealthy() {
		encoded, err := a.shared.Get(ctx, key)
		switch {
		case err == nil:
			value, derr := a.decode(encoded)
			if derr != nil {
				// Quarantine: a corrupt shared entry must not mask the
				// durable copy.
				_ = a.shared.Del(ctx, key)
			} else {
				a.cache.Set(key, value)
				a.recordSharedSuccess()
				return value, nil
			}
		case err == sharedkv.ErrKeyNotFound:
			a.recordSharedSuccess()
		default:
			a.recordSharedFailure(ctx, "get", key, err)
		}
	}

	encoded, err := a.durable.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	value, err := a.decode(encoded)
	if err != nil {
		return nil, err
	}
	a.cache.Set(key, value)
	return value, nil
}

// Delete removes key everywhere. The shared-KV removal is best-effort.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := a.durable.Delete(ctx, key); err != nil {
		return memerr.Wrap(memerr.KindInternal, "backend: durable delete", err)
	}
	a.cache.Invalidate(key)
	if a.sharedHealthy() {
		if err := a.shared.Del(ctx, key); err != nil {
			a.recordSharedFailure(ctx, "del", key, err)
		}
	}
	return nil
}

// Scan lists up to limit durable entries under prefix in deterministic
// key order, decoded.
func (a *Adapter) Scan(ctx context.Context, prefix string, limit int) ([]durable.KV, error) {
	raw, err := a.durable.Scan(ctx, prefix, limit)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "backend: durable scan", err)
	}
	out := make([]durable.KV, 0, len(raw))
	for _, kv := range raw {
		value, derr := a.decode(kv.Value)
		if derr != nil {
			a.log.Warn("skipping corrupt entry during scan", "key", kv.Key, "error", derr.Error())
			continue
		}
		out = append(out, durable.KV{Key: kv.Key, Value: value})
	}
	return out, nil
}

// Invalidate drops key from the local cache only.
func (a *Adapter) Invalidate(key string) { a.cache.Invalidate(key) }

// InvalidatePattern drops every cached key with the given prefix.
func (a *Adapter) InvalidatePattern(prefix string) { a.cache.InvalidatePattern(prefix) }

// Publish emits an Event on channel. Failures are downgraded to a
// warning; cross-process freshness then relies on TTL expiry.
func (a *Adapter) Publish(ctx context.Context, channel, op, id string) {
	payload, err := json.Marshal(Event{Op: op, ID: id, SourceInstance: a.instanceID})
	if err != nil {
		return
	}
	if !a.sharedHealthy() {
		return
	}
	if err := a.shared.Publish(ctx, channel, payload); err != nil {
		if a.metrics != nil {
			a.metrics.AdapterPubSubDrops.Inc()
		}
		a.recordSharedFailure(ctx, "publish", channel, err)
	}
}

// Listen subscribes to channel and calls onEvent for every peer event.
// Events published by this instance are dropped (de-duplication by
// instance id). The subscription lives until Close.
func (a *Adapter) Listen(ctx context.Context, channel string, onEvent func(Event)) error {
	unsubscribe, err := a.shared.Subscribe(ctx, channel, func(m sharedkv.Message) {
		var ev Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			a.log.Warn("dropping malformed pub/sub payload", "channel", m.Channel)
			return
		}
		if ev.SourceInstance == a.instanceID {
			return
		}
		onEvent(ev)
	})
	if err != nil {
		return memerr.Wrap(memerr.KindUnhealthy, "backend: subscribe "+channel, err)
	}
	a.mu.Lock()
	a.unsubscribes = append(a.unsubscribes, unsubscribe)
	a.mu.Unlock()
	return nil
}

// Healthy reports whether the shared backend is currently usable.
func (a *Adapter) Healthy() bool { return a.sharedHealthy() }

func (a *Adapter) sharedHealthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.unhealthy
}

func (a *Adapter) recordSharedSuccess() {
	a.mu.Lock()
	a.consecutive = 0
	a.mu.Unlock()
}

func (a *Adapter) recordSharedFailure(ctx context.Context, op, key string, err error) {
	a.log.Warn("shared KV operation failed", "op", op, "key", key, "error", err.Error())

	a.mu.Lock()
	a.consecutive++
	trip := !a.unhealthy && a.consecutive >= a.failThreshold
	if trip {
		a.unhealthy = true
	}
	shouldProbe := trip && !a.probing
	if shouldProbe {
		a.probing = true
	}
	a.mu.Unlock()

	if trip {
		a.log.Warn("shared KV marked unhealthy, serving durable-only", "consecutive_failures", a.failThreshold)
		if a.metrics != nil {
			a.metrics.AdapterFallbacks.Inc()
			a.metrics.AdapterUnhealthy.Set(1)
		}
	}
	if shouldProbe {
		go a.probeLoop()
	}
}

// probeLoop pings the shared backend with exponential backoff until it
// answers, then restores healthy state.
func (a *Adapter) probeLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // probe until shutdown

	for {
		wait := policy.NextBackOff()
		select {
		case <-a.closed:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.shared.Ping(ctx)
		cancel()
		if err != nil {
			continue
		}

		a.mu.Lock()
		a.unhealthy = false
		a.consecutive = 0
		a.probing = false
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.AdapterUnhealthy.Set(0)
		}
		a.log.Info("shared KV recovered, resuming dual-write")
		return
	}
}

func (a *Adapter) decode(encoded []byte) ([]byte, error) {
	value, err := a.codec.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if len(value) > a.maxPayload {
		return nil, memerr.New(memerr.KindCorruption, "backend: decoded payload exceeds max_payload_bytes")
	}
	return value, nil
}

// Close tears down subscriptions and stops the health probe. The durable
// store and shared KV are owned by the Runtime and closed there.
func (a *Adapter) Close() {
	a.mu.Lock()
	unsubs := a.unsubscribes
	a.unsubscribes = nil
	a.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	select {
	case <-a.closed:
	default:
		close(a.closed)
	}
}
