// This file contains the RedisBus implementation of the Bus interface for
// multi-node deployments. Each distinct pattern holds one upstream Redis
// PSUBSCRIBE; local subscriptions to the same pattern share it and are
// fanned out in-process.
package relay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by Redis pub/sub. Publishes on any node reach
// subscribers on every node connected to the same Redis instance.
type RedisBus struct {
	client    *redis.Client
	mu        sync.Mutex
	upstreams map[string]*redisUpstream
	nextID    atomic.Uint64
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
}

type redisUpstream struct {
	pattern  string
	pubsub   *redis.PubSub
	mu       sync.RWMutex
	handlers map[uint64]BusHandler
}

type redisSubscription struct {
	id      uint64
	pattern string
	bus     *RedisBus
}

// NewRedisBus creates a Bus backed by the given Redis client. The client is
// pinged once to fail fast on misconfiguration; the caller keeps ownership
// of the client.
func NewRedisBus(ctx context.Context, client *redis.Client) (*RedisBus, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrapF(err, "failed to reach redis")
	}
	busCtx, cancel := context.WithCancel(ctx)

	return &RedisBus{
		client:    client,
		upstreams: make(map[string]*redisUpstream),
		ctx:       busCtx,
		cancel:    cancel,
	}, nil
}

// redisPattern converts the package's ".*" wildcard grammar into the glob
// style Redis PSUBSCRIBE expects.
func redisPattern(pattern string) string {
	return strings.ReplaceAll(pattern, ".*", "*")
}

// Subscribe registers a handler for topics matching pattern. The first
// subscription for a pattern opens the upstream PSUBSCRIBE; later ones share
// it. Handlers sharing an upstream are invoked sequentially per message, so
// publish order from one publisher is preserved per subscriber.
func (r *RedisBus) Subscribe(pattern string, handler BusHandler) (Subscription, error) {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return nil, unavailable(gatewayEntity, "bus is closed")
	}
	id := r.nextID.Add(1)

	up, exists := r.upstreams[pattern]
	if !exists {
		pubsub := r.client.PSubscribe(r.ctx, redisPattern(pattern))

		up = &redisUpstream{
			pattern:  pattern,
			pubsub:   pubsub,
			handlers: make(map[uint64]BusHandler),
		}
		r.upstreams[pattern] = up

		go up.run(r.ctx)
	}
	up.mu.Lock()

	up.handlers[id] = handler

	up.mu.Unlock()

	return &redisSubscription{id: id, pattern: pattern, bus: r}, nil
}

func (u *redisUpstream) run(ctx context.Context) {
	ch := u.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			u.mu.RLock()

			handlers := make([]BusHandler, 0, len(u.handlers))

			for _, h := range u.handlers {
				handlers = append(handlers, h)
			}
			u.mu.RUnlock()

			for _, h := range handlers {
				h(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

// Unsubscribe removes this subscription. The upstream PSUBSCRIBE is closed
// when its last local subscription goes away. Idempotent.
func (s *redisSubscription) Unsubscribe() error {
	s.bus.mu.Lock()

	defer s.bus.mu.Unlock()

	up, exists := s.bus.upstreams[s.pattern]
	if !exists {
		return nil
	}
	up.mu.Lock()

	delete(up.handlers, s.id)

	remaining := len(up.handlers)

	up.mu.Unlock()

	if remaining == 0 {
		delete(s.bus.upstreams, s.pattern)

		return up.pubsub.Close()
	}
	return nil
}

// Publish sends data to topic through Redis. Remote delivery is
// asynchronous; Publish returns once Redis has accepted the message.
func (r *RedisBus) Publish(topic string, data []byte) error {
	r.mu.Lock()

	closed := r.closed

	r.mu.Unlock()

	if closed {
		return unavailable(gatewayEntity, "bus is closed")
	}
	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return wrapF(err, "failed to publish to topic %s", topic)
	}
	return nil
}

// Close shuts down every upstream subscription. The Redis client itself is
// left open for the caller. Idempotent.
func (r *RedisBus) Close() error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	var errs []error
	for pattern, up := range r.upstreams {
		if err := up.pubsub.Close(); err != nil {
			errs = append(errs, wrapF(err, "failed to close upstream for %s", pattern))
		}
		delete(r.upstreams, pattern)
	}
	return combine(errs...)
}
