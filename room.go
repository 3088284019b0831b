// This file contains the RoomCoordinator, the workspace-level counterpart of
// the TopicWorker. One coordinator exists per (connection, room); it pushes a
// consolidated workspace snapshot on join, relays room-wide events, and turns
// status changes into presence metadata updates rather than new joins.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RoomCoordinator serves one connection's membership of one room. It shares
// the worker's lifecycle shape: authorized join, presence registration, bus
// subscription, exactly-once teardown.
type RoomCoordinator struct {
	room         string
	userID       string
	conn         Transport
	hub          *Hub
	tracker      *Tracker
	ref          Ref
	sub          Subscription
	mailbox      chan workerCommand
	state        atomic.Int32
	ctx          context.Context
	cancel       context.CancelFunc
	teardownOnce sync.Once
	log          zerolog.Logger
}

func newRoomCoordinator(ctx context.Context, hub *Hub, conn Transport, userID, room string) (*RoomCoordinator, error) {
	fullTopic := formatTopic(roomNamespace, room)

	if err := hub.authorizeJoin(ctx, fullTopic, userID); err != nil {
		return nil, err
	}
	roomCtx, cancel := context.WithCancel(ctx)

	r := &RoomCoordinator{
		room:    room,
		userID:  userID,
		conn:    conn,
		hub:     hub,
		mailbox: make(chan workerCommand, hub.options.MailboxBuffer),
		ctx:     roomCtx,
		cancel:  cancel,
		log:     hub.log.With().Str("component", "room").Str("room", room).Str("user", userID).Logger(),
	}
	r.state.Store(int32(stateJoining))

	tracker := hub.acquireTracker(roomNamespace, room)

	ref, err := tracker.Track(userID, map[string]interface{}{
		"userId":   userID,
		"status":   "online",
		"joinedAt": time.Now().UTC(),
	})

	if err != nil {
		hub.releaseTracker(roomNamespace, room)

		cancel()

		return nil, err
	}
	r.tracker = tracker
	r.ref = ref

	sub, err := hub.bus.Subscribe(formatTopic(roomNamespace, room, ".*"), r.onBusMessage)

	if err != nil {
		_ = tracker.UnTrack(ref)

		hub.releaseTracker(roomNamespace, room)

		cancel()

		return nil, wrapF(err, "failed to subscribe to room %s", room)
	}
	r.sub = sub

	r.state.Store(int32(stateJoined))

	go r.loop()

	if hub.metrics() != nil {
		hub.metrics().TopicJoined(userID, room)
	}
	return r, nil
}

// joinReply assembles the workspace snapshot pushed to a freshly joined
// session: the member roster, who is online right now, and the caller's
// unread counts per channel. Each part degrades independently when its
// collaborator fails.
func (r *RoomCoordinator) joinReply(ctx context.Context) workspaceStatePayload {
	snapshot := workspaceStatePayload{
		Members: []Member{},
		Online:  r.tracker.List(),
		Unread:  map[string]int{},
	}
	if r.hub.roster != nil {
		members, err := r.hub.roster.ListMembers(ctx, r.room)

		if err != nil {
			r.log.Warn().Err(err).Msg("failed to load room roster for snapshot")
		} else {
			snapshot.Members = members
		}
	}
	if r.hub.store != nil {
		unread, err := r.hub.store.UnreadCounts(ctx, r.room, r.userID)

		if err != nil {
			r.log.Warn().Err(err).Msg("failed to load unread counts for snapshot")
		} else {
			snapshot.Unread = unread
		}
	}
	return snapshot
}

// pushSnapshot sends the workspace_state event with the current snapshot to
// this coordinator's own session.
func (r *RoomCoordinator) pushSnapshot(ctx context.Context) {
	frame := Frame{
		Type:    frameEvent,
		Topic:   r.room,
		Event:   evWorkspaceState,
		Payload: marshalPayload(r.joinReply(ctx)),
	}
	if err := r.conn.SendFrame(frame); err != nil {
		r.log.Debug().Err(err).Msg("dropping workspace snapshot for unreachable connection")
	}
}

// HandleFrame enqueues a client push frame targeting the room.
func (r *RoomCoordinator) HandleFrame(frame Frame) error {
	if workerState(r.state.Load()) != stateJoined {
		return unavailable(r.room, "room coordinator is not joined")
	}
	select {
	case r.mailbox <- workerCommand{kind: clientFrameCommand, frame: frame}:
		return nil
	case <-r.ctx.Done():
		return unavailable(r.room, "room coordinator is terminated")
	case <-time.After(r.hub.options.QueueTimeout):
		return timeout(r.room, "room mailbox is full")
	}
}

func (r *RoomCoordinator) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case cmd := <-r.mailbox:
			r.safeDispatch(cmd)
		}
	}
}

func (r *RoomCoordinator) safeDispatch(cmd workerCommand) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("recovered panic in room dispatch")

			if cmd.kind == clientFrameCommand {
				_ = r.conn.SendFrame(errorFrame(r.room, cmd.frame.Ref, internal(r.room, "operation failed")))
			}
		}
	}()

	switch cmd.kind {
	case clientFrameCommand:
		if err := r.handleOperation(cmd.frame); err != nil {
			_ = r.conn.SendFrame(errorFrame(r.room, cmd.frame.Ref, err))
		}
	case busEventCommand:
		r.handleBusEvent(cmd.data)
	}
}

func (r *RoomCoordinator) handleOperation(frame Frame) error {
	switch frame.Event {
	case opSetStatus:
		return r.handleSetStatus(frame)
	default:
		return badRequest(r.room, "unknown operation "+frame.Event)
	}
}

// handleSetStatus updates the caller's presence metadata in place. The same
// ref is kept; this is an update, never a new join, so the member does not
// flicker out of the room.
func (r *RoomCoordinator) handleSetStatus(frame Frame) error {

	var params setStatusParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid set_status payload")
	}
	if params.Status == "" {
		return badRequest(r.room, "status must not be empty")
	}
	if err := r.tracker.Update(r.ref, map[string]interface{}{
		"userId": r.userID,
		"status": params.Status,
	}); err != nil {
		return wrap(err, "failed to update presence status")
	}
	if frame.Ref != "" {
		_ = r.conn.SendFrame(Frame{Type: frameOK, Topic: frame.Topic, Ref: frame.Ref})
	}
	r.publish(evStatusChange, statusEventPayload{UserID: r.userID, Status: params.Status})

	return nil
}

func (r *RoomCoordinator) onBusMessage(topic string, data []byte) {
	select {
	case r.mailbox <- workerCommand{kind: busEventCommand, data: data}:
	case <-r.ctx.Done():
	default:
		r.log.Debug().Msg("dropping bus event for saturated room coordinator")
	}
}

// handleBusEvent relays room-wide events straight down the session. Room
// events are never echo-suppressed; a status change is shown to its own
// originator too.
func (r *RoomCoordinator) handleBusEvent(data []byte) {

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		r.log.Debug().Err(err).Msg("dropping malformed bus event")

		return
	}
	frame := Frame{
		Type:    frameEvent,
		Topic:   r.room,
		Event:   evt.Kind,
		Payload: marshalPayload(evt.Payload),
	}
	if err := r.conn.SendFrame(frame); err != nil {
		r.log.Debug().Err(err).Str("event", evt.Kind).Msg("dropping event for unreachable connection")
	}
}

func (r *RoomCoordinator) publish(kind string, payload interface{}) {
	evt := Event{
		Kind:      kind,
		Topic:     r.room,
		ActorID:   r.userID,
		Payload:   payload,
		RequestID: uuid.NewString(),
		NodeID:    r.hub.nodeID,
	}
	data, err := json.Marshal(evt)

	if err != nil {
		r.log.Error().Err(err).Str("event", kind).Msg("failed to encode room event")

		return
	}
	if err := r.hub.bus.Publish(formatTopic(roomNamespace, r.room, kind), data); err != nil {
		r.log.Warn().Err(err).Str("event", kind).Msg("room publish failed")
	}
}

// Leave tears the coordinator down exactly once: presence entry removed, bus
// subscription released, mailbox loop stopped. Safe to call repeatedly.
func (r *RoomCoordinator) Leave() {
	r.teardown()
}

func (r *RoomCoordinator) teardown() {
	r.teardownOnce.Do(func() {
		r.state.Store(int32(stateLeaving))

		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Interface("panic", rec).Msg("recovered panic during room teardown")
			}
			r.state.Store(int32(stateTerminated))

			r.cancel()
		}()

		if r.sub != nil {
			if err := r.sub.Unsubscribe(); err != nil {
				r.log.Warn().Err(err).Msg("failed to unsubscribe from room")
			}
		}
		if err := r.tracker.UnTrack(r.ref); err != nil {
			r.log.Warn().Err(err).Msg("failed to untrack room presence entry")
		}
		r.hub.releaseTracker(roomNamespace, r.room)

		if r.hub.metrics() != nil {
			r.hub.metrics().TopicLeft(r.userID, r.room)
		}
	})
}
