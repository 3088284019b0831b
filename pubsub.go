// This file contains the Bus interface that decouples workers from one
// another, and the LocalBus implementation for single-node deployments.
// Workers never call each other directly; every cross-worker signal is a
// publish on the bus.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
)

// BusHandler receives a published message. Handlers for one subscription are
// invoked sequentially in publish order; handlers of different subscriptions
// run independently.
type BusHandler func(topic string, data []byte)

// Subscription is the handle returned by Bus.Subscribe. Unsubscribing
// removes only this handle; other subscriptions to the same pattern are
// unaffected.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the broadcast primitive connecting workers across one or more
// server processes. Every subscriber registered before Publish returns
// receives the message exactly once, asynchronously; the publisher never
// blocks on subscriber processing. Delivery to an unreachable subscriber is
// dropped, not retried.
type Bus interface {
	Subscribe(pattern string, handler BusHandler) (Subscription, error)
	Publish(topic string, data []byte) error
	Close() error
}

// BusMessage pairs a topic with its payload for in-flight delivery.
type BusMessage struct {
	Topic string
	Data  []byte
}

// LocalBus is an in-memory Bus for single-node deployments and tests.
type LocalBus struct {
	mu         sync.RWMutex
	subs       map[uint64]*localSubscription
	nextID     atomic.Uint64
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	bufferSize int
}

type localSubscription struct {
	id      uint64
	pattern string
	handler BusHandler
	ch      chan BusMessage
	cancel  context.CancelFunc
	bus     *LocalBus
}

// NewLocalBus creates an in-memory bus. bufferSize sets the per-subscriber
// delivery buffer; when a subscriber's buffer is full further messages are
// dropped for that subscriber only. If bufferSize is <= 0 it defaults to 256.
func NewLocalBus(ctx context.Context, bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	busCtx, cancel := context.WithCancel(ctx)

	return &LocalBus{
		subs:       make(map[uint64]*localSubscription),
		ctx:        busCtx,
		cancel:     cancel,
		bufferSize: bufferSize,
	}
}

// Subscribe registers a handler for topics matching pattern. Each
// subscription drains its own buffered channel in a dedicated goroutine, so
// messages from one publisher to one topic reach the handler in publish
// order.
func (l *LocalBus) Subscribe(pattern string, handler BusHandler) (Subscription, error) {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return nil, unavailable(gatewayEntity, "bus is closed")
	}
	subCtx, cancel := context.WithCancel(l.ctx)

	sub := &localSubscription{
		id:      l.nextID.Add(1),
		pattern: pattern,
		handler: handler,
		ch:      make(chan BusMessage, l.bufferSize),
		cancel:  cancel,
		bus:     l,
	}
	l.subs[sub.id] = sub

	go sub.run(subCtx)

	return sub, nil
}

func (s *localSubscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.ch:
			if !ok {
				return
			}
			s.handler(msg.Topic, msg.Data)
		}
	}
}

// Unsubscribe removes this subscription. Idempotent.
func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()

	defer s.bus.mu.Unlock()

	if _, exists := s.bus.subs[s.id]; !exists {
		return nil
	}
	delete(s.bus.subs, s.id)

	s.cancel()

	return nil
}

// Publish delivers data to every subscription whose pattern matches topic.
// Delivery is asynchronous; a full subscriber buffer drops the message for
// that subscriber.
func (l *LocalBus) Publish(topic string, data []byte) error {
	l.mu.RLock()

	defer l.mu.RUnlock()

	if l.closed {
		return unavailable(gatewayEntity, "bus is closed")
	}
	msg := BusMessage{
		Topic: topic,
		Data:  data,
	}
	for _, sub := range l.subs {
		if matchTopic(sub.pattern, topic) {
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
	return nil
}

// Close shuts the bus down. Pending deliveries are abandoned and further
// subscribes and publishes fail. Idempotent.
func (l *LocalBus) Close() error {
	l.mu.Lock()

	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()

	l.subs = make(map[uint64]*localSubscription)

	return nil
}
