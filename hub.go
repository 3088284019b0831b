// This file contains the Hub, the composition root of the realtime core. It
// owns the bus, the per-topic presence trackers, the session registry, and
// the middleware chain every inbound frame passes through before reaching a
// session.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// inboundFrame is the request type flowing through the hub's middleware
// chain: the decoded frame plus the transport and session it arrived on.
type inboundFrame struct {
	frame   Frame
	conn    Transport
	session *Session
}

type trackerRef struct {
	tracker *Tracker
	count   int
}

// Hub wires sessions, workers, presence and the bus together. One hub per
// server process; the node id distinguishes this process in replicated
// presence and bus traffic.
type Hub struct {
	nodeID     string
	options    *Options
	bus        Bus
	ownsBus    bool
	store      MessageStore
	authorizer Authorizer
	roster     Roster
	sessions   *store[*Session]
	trackerMu  sync.Mutex
	trackers   map[string]*trackerRef
	chain      *middleware[*inboundFrame, interface{}]
	log        zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// NewHub creates a hub. A nil options.Bus gets an in-process LocalBus owned
// (and closed) by the hub; a provided bus stays owned by the caller.
func NewHub(ctx context.Context, options *Options, messageStore MessageStore, authorizer Authorizer, roster Roster) *Hub {
	if options == nil {
		options = DefaultOptions()
	}
	hubCtx, cancel := context.WithCancel(ctx)

	h := &Hub{
		nodeID:     uuid.NewString(),
		options:    options,
		store:      messageStore,
		authorizer: authorizer,
		roster:     roster,
		sessions:   newStore[*Session](),
		trackers:   make(map[string]*trackerRef),
		chain:      newMiddleWare[*inboundFrame, interface{}](),
		log:        options.Logger.With().Str("component", "hub").Logger(),
		ctx:        hubCtx,
		cancel:     cancel,
	}
	if options.Bus != nil {
		h.bus = options.Bus
	} else {
		h.bus = NewLocalBus(hubCtx, options.BusBuffer)

		h.ownsBus = true
	}
	if options.Hooks != nil {
		h.chain.Use(WithRateLimiter(options.Hooks, func(conn Transport) string {
			return conn.GetID()
		}))

		h.chain.Use(WithMetrics(options.Hooks))
	}
	return h
}

// NodeID returns the identifier of this hub in replicated state.
func (h *Hub) NodeID() string {
	return h.nodeID
}

// Use appends a middleware to the inbound frame chain. Handlers registered
// first run first; the session dispatch is always the final handler.
func (h *Hub) Use(handler handlerFunc[*inboundFrame, interface{}]) {
	h.chain.Use(handler)
}

// Connect registers an authenticated transport and returns its session. The
// session starts routing frames immediately and is torn down when the
// transport closes.
func (h *Hub) Connect(conn Transport, userID string) (*Session, error) {
	if h.options.MaxConnections > 0 && h.sessions.Len() >= h.options.MaxConnections {
		return nil, unavailable(gatewayEntity, "connection limit reached")
	}
	session := newSession(h, conn, userID)

	if err := h.sessions.Create(session.ConnID, session); err != nil {
		return nil, conflict(gatewayEntity, "connection id already registered")
	}
	if h.options.Hooks != nil && h.options.Hooks.OnConnect != nil {
		if err := h.options.Hooks.OnConnect(conn); err != nil {
			_ = h.sessions.Delete(session.ConnID)

			return nil, wrap(err, "connection rejected")
		}
	}
	conn.OnFrame(func(frame Frame, transport Transport) error {
		return h.chain.Handle(h.ctx, &inboundFrame{frame: frame, conn: transport, session: session}, nil,
			func(in *inboundFrame, _ interface{}) error {
				return in.session.handleFrame(in.frame)
			})
	})

	conn.OnClose(func(transport Transport) error {
		err := session.teardown()

		_ = h.sessions.Delete(session.ConnID)

		if h.options.Hooks != nil && h.options.Hooks.OnDisconnect != nil {
			h.options.Hooks.OnDisconnect(transport)
		}
		return err
	})

	conn.HandleFrames()

	if h.metrics() != nil {
		h.metrics().ConnectionOpened(session.ConnID)
	}
	h.log.Debug().Str("conn", session.ConnID).Str("user", userID).Msg("session connected")

	return session, nil
}

// Session returns the session registered for a connection id.
func (h *Hub) Session(connID string) (*Session, error) {
	return h.sessions.Read(connID)
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	return h.sessions.Len()
}

// Presence returns the merged membership view of a chat topic, or nil when
// no tracker is active for it on this node.
func (h *Hub) Presence(topic string) map[string][]map[string]interface{} {
	h.trackerMu.Lock()

	defer h.trackerMu.Unlock()

	ref, exists := h.trackers[chatNamespace+":"+topic]
	if !exists {
		return nil
	}
	return ref.tracker.List()
}

// AnnounceChannel broadcasts a channel_created event to every member of a
// room. Called by the surrounding application after it has persisted the new
// channel.
func (h *Hub) AnnounceChannel(roomID string, announcement ChannelAnnouncement) error {
	evt := Event{
		Kind:      evChannelCreated,
		Topic:     roomID,
		ActorID:   announcement.CreatorID,
		Payload:   announcement,
		RequestID: uuid.NewString(),
		NodeID:    h.nodeID,
	}
	data := marshalPayload(evt)

	if err := h.bus.Publish(formatTopic(roomNamespace, roomID, evChannelCreated), data); err != nil {
		return wrapF(err, "failed to announce channel in room %s", roomID)
	}
	if h.metrics() != nil {
		h.metrics().EventBroadcast(roomID, evChannelCreated)
	}
	return nil
}

// authorizeJoin runs the external capability check plus the BeforeJoin hook.
// A denial is returned to the caller before any state is created.
func (h *Hub) authorizeJoin(ctx context.Context, topic, userID string) error {
	if h.options.Hooks != nil && h.options.Hooks.BeforeJoin != nil {
		if err := h.options.Hooks.BeforeJoin(userID, topic); err != nil {
			return wrap(err, "join rejected")
		}
	}
	if h.authorizer != nil {
		if err := h.authorizer.AuthorizeJoin(ctx, topic, userID); err != nil {

			var typed *Error
			if errors.As(err, &typed) {
				return typed
			}
			return forbidden(topic, err.Error())
		}
	}
	if h.options.Hooks != nil && h.options.Hooks.AfterJoin != nil {
		h.options.Hooks.AfterJoin(userID, topic)
	}
	return nil
}

// acquireTracker returns the shared tracker for a topic on this node,
// creating it on first use. Workers on the same node and topic share one
// tracker so the local membership view is consistent between them.
func (h *Hub) acquireTracker(scope, name string) *Tracker {
	h.trackerMu.Lock()

	defer h.trackerMu.Unlock()

	key := scope + ":" + name

	if ref, exists := h.trackers[key]; exists {
		ref.count++

		return ref.tracker
	}
	tracker := newTracker(h.ctx, scope, name, h.nodeID, h.bus, h.log)

	h.trackers[key] = &trackerRef{tracker: tracker, count: 1}

	return tracker
}

// releaseTracker drops one reference; the tracker is closed when the last
// worker using it leaves.
func (h *Hub) releaseTracker(scope, name string) {
	h.trackerMu.Lock()

	defer h.trackerMu.Unlock()

	key := scope + ":" + name

	ref, exists := h.trackers[key]
	if !exists {
		return
	}
	ref.count--

	if ref.count > 0 {
		return
	}
	delete(h.trackers, key)

	if err := ref.tracker.Close(); err != nil {
		h.log.Warn().Err(err).Str("topic", key).Msg("failed to close presence tracker")
	}
}

func (h *Hub) metrics() MetricsCollector {
	if h.options.Hooks == nil {
		return nil
	}
	return h.options.Hooks.Metrics
}

// Shutdown closes every session, then the trackers, then the bus if the hub
// owns it. Idempotent.
func (h *Hub) Shutdown() error {

	var err error
	h.closeOnce.Do(func() {
		err = mapToError(h.sessions.Values(), func(session *Session) error {
			session.conn.Close()

			return nil
		})

		h.trackerMu.Lock()

		for key, ref := range h.trackers {
			if closeErr := ref.tracker.Close(); closeErr != nil {
				err = addError(err, closeErr)
			}
			delete(h.trackers, key)
		}
		h.trackerMu.Unlock()

		if h.ownsBus {
			if closeErr := h.bus.Close(); closeErr != nil {
				err = addError(err, closeErr)
			}
		}
		h.cancel()
	})

	return err
}
