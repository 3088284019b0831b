// This file defines the extensibility hooks of the hub: rate limiting,
// metrics collection, and lifecycle callbacks for integration with external
// monitoring and control systems.
package relay

import (
	"context"
	"time"
)

// RateLimiter defines the interface for rate limiting connections and
// operations. Implementations can enforce limits per user, connection, or
// custom keys.
type RateLimiter interface {
	// Allow checks if an operation identified by key should be allowed.
	// Returns true if the operation is within rate limits, false if rate limited.
	Allow(ctx context.Context, key string) (allowed bool, err error)

	// Reset clears the rate limit state for the given key.
	Reset(key string)
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations can forward these metrics to monitoring systems.
type MetricsCollector interface {
	// ConnectionOpened is called when a new client connection is established.
	ConnectionOpened(connID string)

	// ConnectionClosed is called when a connection is closed, with its duration.
	ConnectionClosed(connID string, duration time.Duration)

	// FrameReceived tracks incoming frames from clients.
	FrameReceived(connID string, topic string, event string, size int)

	// FrameSent tracks outgoing frames to clients.
	FrameSent(connID string, topic string, event string, size int)

	// EventBroadcast tracks bus publishes with the event name.
	EventBroadcast(topic string, event string)

	// TopicJoined is called when a user joins a topic or room.
	TopicJoined(userID string, topic string)

	// TopicLeft is called when a user leaves a topic or room.
	TopicLeft(userID string, topic string)

	// HandlerDuration tracks the execution time of operation handlers.
	HandlerDuration(operation string, duration time.Duration)

	// QueueDepth reports the current depth of internal queues.
	QueueDepth(queue string, depth int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

type Hooks struct {
	RateLimiter RateLimiter
	Metrics     MetricsCollector

	OnConnect    func(conn Transport) error
	OnDisconnect func(conn Transport)

	BeforeJoin func(userID string, topic string) error
	AfterJoin  func(userID string, topic string)
}

// WithRateLimiter creates a middleware that enforces rate limiting on
// inbound frames. The keyFunc extracts a rate limit key from the connection.
// Frames that exceed the limit are rejected with a 429 status code.
func WithRateLimiter(hooks *Hooks, keyFunc func(Transport) string) handlerFunc[*inboundFrame, interface{}] {
	return func(ctx context.Context, in *inboundFrame, _ interface{}, next nextFunc) error {
		if hooks == nil || hooks.RateLimiter == nil {
			return next()
		}
		key := keyFunc(in.conn)

		allowed, err := hooks.RateLimiter.Allow(ctx, key)

		if err != nil {
			return wrapF(err, "rate limiter error")
		}
		if !allowed {
			if hooks.Metrics != nil {
				hooks.Metrics.Error("rate_limiter", &Error{
					Code:    StatusTooManyRequests,
					Message: "Rate limit exceeded",
					Topic:   in.frame.Topic,
				})
			}
			return &Error{
				Code:      StatusTooManyRequests,
				Message:   "Rate limit exceeded",
				Topic:     in.frame.Topic,
				Temporary: true,
			}
		}
		return next()
	}
}

// WithMetrics creates a middleware that tracks frame receipt, handler
// duration, and any errors that occur during frame processing.
func WithMetrics(hooks *Hooks) handlerFunc[*inboundFrame, interface{}] {
	return func(ctx context.Context, in *inboundFrame, _ interface{}, next nextFunc) error {
		if hooks == nil || hooks.Metrics == nil {
			return next()
		}
		start := time.Now()

		err := next()

		duration := time.Since(start)

		hooks.Metrics.FrameReceived(in.conn.GetID(), in.frame.Topic, in.frame.Event, 0)

		hooks.Metrics.HandlerDuration(string(in.frame.Type)+":"+in.frame.Event, duration)

		if err != nil {
			hooks.Metrics.Error("frame_handler", err)
		}
		return err
	}
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(connID string) {}

func (n *noopMetrics) ConnectionClosed(connID string, duration time.Duration) {}

func (n *noopMetrics) FrameReceived(connID string, topic string, event string, size int) {}

func (n *noopMetrics) FrameSent(connID string, topic string, event string, size int) {}

func (n *noopMetrics) EventBroadcast(topic string, event string) {}

func (n *noopMetrics) TopicJoined(userID string, topic string) {}

func (n *noopMetrics) TopicLeft(userID string, topic string) {}

func (n *noopMetrics) HandlerDuration(operation string, duration time.Duration) {}

func (n *noopMetrics) QueueDepth(queue string, depth int) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a no-operation metrics collector that discards all
// metrics.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
