// This file contains the TopicWorker, one isolated stateful worker per
// (connection, topic) pair. The worker owns message send/edit/delete logic,
// typing-indicator debouncing, reaction and thread-reply orchestration, and
// read-receipt fan-out. Commands are processed one at a time through the
// worker's mailbox, so operations from the same client are never reordered.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type workerState int32

const (
	stateJoining workerState = iota
	stateJoined
	stateLeaving
	stateTerminated
)

type commandKind int

const (
	clientFrameCommand commandKind = iota
	busEventCommand
	typingExpiredCommand
)

type workerCommand struct {
	kind      commandKind
	frame     Frame
	data      []byte
	typingGen uint64
}

// echoSuppressed lists the event kinds the originating connection was
// already answered for directly; its worker drops the broadcast copy.
var echoSuppressed = map[string]bool{
	evNewMessage:  true,
	evThreadReply: true,
	evTypingStart: true,
	evTypingStop:  true,
}

// TopicWorker serves one connection's membership of one topic. It is
// single-threaded with respect to its own mailbox and shares no mutable
// state with other workers; all cross-worker signals travel over the bus.
type TopicWorker struct {
	topic        string
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
	typingActive bool
	typingGen    uint64
	typingTimer  *time.Timer
	log          zerolog.Logger
}

// newTopicWorker authorizes the join and, on success, registers presence,
// subscribes to the topic's bus pattern, and starts the mailbox loop. Any
// error during joining leaves zero presence entries and zero bus
// subscriptions behind.
func newTopicWorker(ctx context.Context, hub *Hub, conn Transport, userID, topic string) (*TopicWorker, error) {
	fullTopic := formatTopic(chatNamespace, topic)

	if err := hub.authorizeJoin(ctx, fullTopic, userID); err != nil {
		return nil, err
	}
	workerCtx, cancel := context.WithCancel(ctx)

	w := &TopicWorker{
		topic:   topic,
		userID:  userID,
		conn:    conn,
		hub:     hub,
		mailbox: make(chan workerCommand, hub.options.MailboxBuffer),
		ctx:     workerCtx,
		cancel:  cancel,
		log:     hub.log.With().Str("component", "worker").Str("topic", topic).Str("user", userID).Logger(),
	}
	w.state.Store(int32(stateJoining))

	tracker := hub.acquireTracker(chatNamespace, topic)

	ref, err := tracker.Track(userID, map[string]interface{}{
		"userId":   userID,
		"joinedAt": time.Now().UTC(),
	})

	if err != nil {
		hub.releaseTracker(chatNamespace, topic)

		cancel()

		return nil, err
	}
	w.tracker = tracker
	w.ref = ref

	sub, err := hub.bus.Subscribe(formatTopic(chatNamespace, topic, ".*"), w.onBusMessage)

	if err != nil {
		_ = tracker.UnTrack(ref)

		hub.releaseTracker(chatNamespace, topic)

		cancel()

		return nil, wrapF(err, "failed to subscribe to topic %s", topic)
	}
	w.sub = sub

	w.state.Store(int32(stateJoined))

	go w.loop()

	if hub.metrics() != nil {
		hub.metrics().TopicJoined(userID, topic)
	}
	w.publish(evUserJoined, membershipEventPayload{UserID: userID})

	return w, nil
}

// joinReply builds the payload returned with the ok frame that acknowledges
// a join: recent history plus the current merged presence view. History is
// best-effort; a store failure degrades to an empty list.
func (w *TopicWorker) joinReply(ctx context.Context) joinReplyPayload {
	reply := joinReplyPayload{Presence: w.tracker.List()}

	if w.hub.store == nil {
		return reply
	}
	messages, err := w.hub.store.LoadRecentMessages(ctx, w.topic, w.hub.options.HistoryLimit)

	if err != nil {
		w.log.Warn().Err(err).Msg("failed to load recent history for join reply")

		return reply
	}
	reply.Messages = messages

	return reply
}

// HandleFrame enqueues a client push frame into the worker's mailbox. A full
// mailbox fails the call after the configured queue timeout rather than
// blocking the session indefinitely.
func (w *TopicWorker) HandleFrame(frame Frame) error {
	if workerState(w.state.Load()) != stateJoined {
		return unavailable(w.topic, "worker is not joined")
	}
	return w.enqueue(workerCommand{kind: clientFrameCommand, frame: frame})
}

func (w *TopicWorker) enqueue(cmd workerCommand) error {
	select {
	case w.mailbox <- cmd:
		return nil
	case <-w.ctx.Done():
		return unavailable(w.topic, "worker is terminated")
	case <-time.After(w.hub.options.QueueTimeout):
		if w.hub.metrics() != nil {
			w.hub.metrics().QueueDepth("worker_mailbox", len(w.mailbox))
		}
		return timeout(w.topic, "worker mailbox is full")
	}
}

// loop owns the typing timer handle: it is only written by handlers running
// on this goroutine and stopped here on shutdown, so teardown signals through
// the context instead of touching the field.
func (w *TopicWorker) loop() {
	for {
		select {
		case <-w.ctx.Done():
			if w.typingTimer != nil {
				w.typingTimer.Stop()
			}
			return
		case cmd := <-w.mailbox:
			w.safeDispatch(cmd)
		}
	}
}

// safeDispatch contains the failure boundary of the worker: a panic while
// handling one command is recovered, reported to the client, and the worker
// keeps serving subsequent commands with its presence entry intact.
func (w *TopicWorker) safeDispatch(cmd workerCommand) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("recovered panic in worker dispatch")

			if cmd.kind == clientFrameCommand {
				_ = w.conn.SendFrame(errorFrame(w.topic, cmd.frame.Ref, internal(w.topic, "operation failed")))
			}
			if w.hub.metrics() != nil {
				w.hub.metrics().Error("worker_dispatch", internal(w.topic, "panic recovered"))
			}
		}
	}()

	switch cmd.kind {
	case clientFrameCommand:
		if err := w.handleOperation(cmd.frame); err != nil {
			_ = w.conn.SendFrame(errorFrame(w.topic, cmd.frame.Ref, err))
		}
	case busEventCommand:
		w.handleBusEvent(cmd.data)
	case typingExpiredCommand:
		w.handleTypingExpired(cmd.typingGen)
	}
}

func (w *TopicWorker) handleOperation(frame Frame) error {
	switch frame.Event {
	case opSendMessage:
		return w.handleSend(frame)
	case opEditMessage:
		return w.handleEdit(frame)
	case opDeleteMessage:
		return w.handleDelete(frame)
	case opAddReaction:
		return w.handleReactionToggle(frame)
	case opRemoveReaction:
		return w.handleReactionRemove(frame)
	case opTypingStart:
		return w.handleTypingStart(frame)
	case opTypingStop:
		return w.handleTypingStop(frame)
	case opStartThread:
		return w.handleThreadReply(frame)
	case opMarkRead:
		return w.handleMarkRead(frame)
	case opLoadOlder:
		return w.handleLoadOlder(frame)
	case opLoadRecent:
		return w.handleLoadRecent(frame)
	default:
		return badRequest(w.topic, "unknown operation "+frame.Event)
	}
}

// handleSend validates the content, persists the message, then answers the
// originating session with message_sent carrying its tempId and broadcasts
// the canonical new_message to everyone else. Nothing is published before
// the persistence write succeeds.
func (w *TopicWorker) handleSend(frame Frame) error {

	var params sendMessageParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid send_message payload")
	}
	if strings.TrimSpace(params.Content) == "" {
		return badRequest(w.topic, "message content must not be empty").withTempID(params.TempID)
	}
	message, err := w.hub.store.CreateMessage(w.ctx, w.topic, w.userID, params.Content, "")

	if err != nil {
		return persistence(w.topic, err).withTempID(params.TempID)
	}
	w.ack(frame)

	w.pushEvent(evMessageSent, messageEventPayload{Message: message, TempID: params.TempID})

	w.publish(evNewMessage, messageEventPayload{Message: message})

	return nil
}

func (w *TopicWorker) handleEdit(frame Frame) error {

	var params editMessageParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid edit_message payload")
	}
	if strings.TrimSpace(params.Content) == "" {
		return badRequest(w.topic, "message content must not be empty")
	}
	if err := w.authorizeAuthor(params.MessageID); err != nil {
		return err
	}
	message, err := w.hub.store.EditMessage(w.ctx, w.topic, params.MessageID, params.Content)

	if err != nil {
		return persistence(w.topic, err)
	}
	w.ack(frame)

	w.publish(evMessageUpdated, messageEventPayload{Message: message})

	return nil
}

func (w *TopicWorker) handleDelete(frame Frame) error {

	var params deleteMessageParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid delete_message payload")
	}
	if err := w.authorizeAuthor(params.MessageID); err != nil {
		return err
	}
	if err := w.hub.store.DeleteMessage(w.ctx, w.topic, params.MessageID); err != nil {
		return persistence(w.topic, err)
	}
	w.ack(frame)

	w.publish(evMessageDeleted, deleteEventPayload{MessageID: params.MessageID, UserID: w.userID})

	return nil
}

// authorizeAuthor checks that the acting user wrote the message being
// mutated.
func (w *TopicWorker) authorizeAuthor(messageID string) error {
	if messageID == "" {
		return badRequest(w.topic, "messageId must not be empty")
	}
	message, err := w.hub.store.GetMessage(w.ctx, w.topic, messageID)

	if err != nil {
		return persistence(w.topic, err)
	}
	if message == nil {
		return notFound(w.topic, "message "+messageID+" does not exist")
	}
	if message.AuthorID != w.userID {
		return forbidden(w.topic, "only the author may modify this message")
	}
	return nil
}

// handleReactionToggle implements toggle semantics: reacting with an emoji
// the user already applied removes it instead of adding a duplicate.
func (w *TopicWorker) handleReactionToggle(frame Frame) error {

	var params reactionParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid add_reaction payload")
	}
	if params.MessageID == "" || params.Emoji == "" {
		return badRequest(w.topic, "messageId and emoji must not be empty")
	}
	existing, err := w.hub.store.HasReaction(w.ctx, w.topic, params.MessageID, w.userID, params.Emoji)

	if err != nil {
		return persistence(w.topic, err)
	}
	payload := reactionEventPayload{MessageID: params.MessageID, Emoji: params.Emoji, UserID: w.userID}

	if existing {
		if err := w.hub.store.RemoveReaction(w.ctx, w.topic, params.MessageID, w.userID, params.Emoji); err != nil {
			return persistence(w.topic, err)
		}
		w.ack(frame)

		w.publish(evReactionRemoved, payload)

		return nil
	}
	if err := w.hub.store.AddReaction(w.ctx, w.topic, params.MessageID, w.userID, params.Emoji); err != nil {
		return persistence(w.topic, err)
	}
	w.ack(frame)

	w.publish(evReactionAdded, payload)

	return nil
}

func (w *TopicWorker) handleReactionRemove(frame Frame) error {

	var params reactionParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid remove_reaction payload")
	}
	if params.MessageID == "" || params.Emoji == "" {
		return badRequest(w.topic, "messageId and emoji must not be empty")
	}
	if err := w.hub.store.RemoveReaction(w.ctx, w.topic, params.MessageID, w.userID, params.Emoji); err != nil {
		return persistence(w.topic, err)
	}
	w.ack(frame)

	w.publish(evReactionRemoved, reactionEventPayload{MessageID: params.MessageID, Emoji: params.Emoji, UserID: w.userID})

	return nil
}

// handleTypingStart cancels any pending expiry timer and arms a fresh one.
// The generation counter makes cancellation safe: a stale timer that fires
// after a newer start finds its generation outdated and publishes nothing,
// so a burst of starts yields exactly one typing_stop.
func (w *TopicWorker) handleTypingStart(frame Frame) error {
	if w.typingTimer != nil {
		w.typingTimer.Stop()
	}
	w.typingGen++

	gen := w.typingGen

	w.typingTimer = time.AfterFunc(w.hub.options.TypingTimeout, func() {
		_ = w.enqueue(workerCommand{kind: typingExpiredCommand, typingGen: gen})
	})

	w.typingActive = true

	w.ack(frame)

	w.publish(evTypingStart, typingEventPayload{UserID: w.userID})

	return nil
}

func (w *TopicWorker) handleTypingStop(frame Frame) error {
	w.ack(frame)

	w.stopTyping()

	return nil
}

func (w *TopicWorker) handleTypingExpired(gen uint64) {
	if gen != w.typingGen {
		return
	}
	w.stopTyping()
}

func (w *TopicWorker) stopTyping() {
	if !w.typingActive {
		return
	}
	if w.typingTimer != nil {
		w.typingTimer.Stop()

		w.typingTimer = nil
	}
	w.typingActive = false

	w.publish(evTypingStop, typingEventPayload{UserID: w.userID})
}

// handleThreadReply persists a reply tagged with its parent and fans it out
// as thread_reply so clients route it into the thread view rather than the
// main timeline.
func (w *TopicWorker) handleThreadReply(frame Frame) error {

	var params threadReplyParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid start_thread payload")
	}
	if params.ParentID == "" {
		return badRequest(w.topic, "parentId must not be empty").withTempID(params.TempID)
	}
	if strings.TrimSpace(params.Content) == "" {
		return badRequest(w.topic, "message content must not be empty").withTempID(params.TempID)
	}
	parent, err := w.hub.store.GetMessage(w.ctx, w.topic, params.ParentID)

	if err != nil {
		return persistence(w.topic, err).withTempID(params.TempID)
	}
	if parent == nil {
		return notFound(w.topic, "parent message "+params.ParentID+" does not exist").withTempID(params.TempID)
	}
	message, err := w.hub.store.CreateMessage(w.ctx, w.topic, w.userID, params.Content, params.ParentID)

	if err != nil {
		return persistence(w.topic, err).withTempID(params.TempID)
	}
	w.ack(frame)

	w.pushEvent(evMessageSent, messageEventPayload{Message: message, TempID: params.TempID})

	w.publish(evThreadReply, messageEventPayload{Message: message})

	return nil
}

// handleMarkRead is best-effort: the push is acked up front, a store failure
// is logged and swallowed, and the receipt is published without retry.
func (w *TopicWorker) handleMarkRead(frame Frame) error {

	var params markReadParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid mark_read payload")
	}
	if params.MessageID == "" {
		return badRequest(w.topic, "messageId must not be empty")
	}
	w.ack(frame)

	if err := w.hub.store.MarkRead(w.ctx, w.topic, w.userID, params.MessageID); err != nil {
		w.log.Warn().Err(err).Str("message", params.MessageID).Msg("mark_read persistence failed")

		return nil
	}
	w.publish(evMessageRead, readEventPayload{MessageID: params.MessageID, UserID: w.userID})

	return nil
}

func (w *TopicWorker) handleLoadOlder(frame Frame) error {

	var params loadOlderParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid load_older_messages payload")
	}
	if params.BeforeID == "" {
		return badRequest(w.topic, "beforeId must not be empty")
	}
	limit := params.Limit
	if limit <= 0 || limit > w.hub.options.HistoryLimit {
		limit = w.hub.options.HistoryLimit
	}
	messages, err := w.hub.store.LoadMessagesBefore(w.ctx, w.topic, params.BeforeID, limit)

	if err != nil {
		return persistence(w.topic, err)
	}
	return w.conn.SendFrame(Frame{
		Type:    frameOK,
		Topic:   frame.Topic,
		Payload: marshalPayload(messageListPayload{Messages: messages}),
		Ref:     frame.Ref,
	})
}

func (w *TopicWorker) handleLoadRecent(frame Frame) error {

	var params loadRecentParams
	if err := parsePayload(&params, frame.Payload); err != nil {
		return wrap(err, "invalid load_recent_messages payload")
	}
	limit := params.Limit
	if limit <= 0 || limit > w.hub.options.HistoryLimit {
		limit = w.hub.options.HistoryLimit
	}
	messages, err := w.hub.store.LoadRecentMessages(w.ctx, w.topic, limit)

	if err != nil {
		return persistence(w.topic, err)
	}
	return w.conn.SendFrame(Frame{
		Type:    frameOK,
		Topic:   frame.Topic,
		Payload: marshalPayload(messageListPayload{Messages: messages}),
		Ref:     frame.Ref,
	})
}

// ack replies ok to a push frame that carried a ref. Refless pushes are
// fire-and-forget.
func (w *TopicWorker) ack(frame Frame) {
	if frame.Ref == "" {
		return
	}
	_ = w.conn.SendFrame(Frame{Type: frameOK, Topic: frame.Topic, Ref: frame.Ref})
}

func (w *TopicWorker) onBusMessage(topic string, data []byte) {
	if err := w.enqueue(workerCommand{kind: busEventCommand, data: data}); err != nil {
		w.log.Debug().Err(err).Msg("dropping bus event for saturated worker")
	}
}

func (w *TopicWorker) handleBusEvent(data []byte) {

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		w.log.Debug().Err(err).Msg("dropping malformed bus event")

		return
	}
	if evt.OriginConn == w.conn.GetID() && echoSuppressed[evt.Kind] {
		return
	}
	w.pushEvent(evt.Kind, evt.Payload)
}

// pushEvent sends an unsolicited event frame down this worker's own session.
func (w *TopicWorker) pushEvent(name string, payload interface{}) {
	frame := Frame{
		Type:    frameEvent,
		Topic:   w.topic,
		Event:   name,
		Payload: marshalPayload(payload),
	}
	if err := w.conn.SendFrame(frame); err != nil {
		w.log.Debug().Err(err).Str("event", name).Msg("dropping event for unreachable connection")
	}
	if w.hub.metrics() != nil {
		w.hub.metrics().FrameSent(w.conn.GetID(), w.topic, name, 0)
	}
}

// publish broadcasts an event to every subscriber of this topic on every
// node. The publisher never blocks on subscriber processing.
func (w *TopicWorker) publish(kind string, payload interface{}) {
	evt := Event{
		Kind:       kind,
		Topic:      w.topic,
		ActorID:    w.userID,
		Payload:    payload,
		RequestID:  uuid.NewString(),
		NodeID:     w.hub.nodeID,
		OriginConn: w.conn.GetID(),
	}
	data, err := json.Marshal(evt)

	if err != nil {
		w.log.Error().Err(err).Str("event", kind).Msg("failed to encode broadcast event")

		return
	}
	if err := w.hub.bus.Publish(formatTopic(chatNamespace, w.topic, kind), data); err != nil {
		w.log.Warn().Err(err).Str("event", kind).Msg("broadcast publish failed")
	}
	if w.hub.metrics() != nil {
		w.hub.metrics().EventBroadcast(w.topic, kind)
	}
}

// Leave tears the worker down: the typing timer is cancelled, the presence
// entry removed, and the bus subscription released, exactly once regardless
// of how many paths reach teardown. Safe to call repeatedly.
func (w *TopicWorker) Leave() {
	w.teardown()
}

func (w *TopicWorker) teardown() {
	w.teardownOnce.Do(func() {
		w.state.Store(int32(stateLeaving))

		defer func() {
			if r := recover(); r != nil {
				w.log.Error().Interface("panic", r).Msg("recovered panic during worker teardown")
			}
			w.state.Store(int32(stateTerminated))

			w.cancel()
		}()

		w.publish(evUserLeft, membershipEventPayload{UserID: w.userID})

		if w.sub != nil {
			if err := w.sub.Unsubscribe(); err != nil {
				w.log.Warn().Err(err).Msg("failed to unsubscribe from topic")
			}
		}
		if err := w.tracker.UnTrack(w.ref); err != nil {
			w.log.Warn().Err(err).Msg("failed to untrack presence entry")
		}
		w.hub.releaseTracker(chatNamespace, w.topic)

		if w.hub.metrics() != nil {
			w.hub.metrics().TopicLeft(w.userID, w.topic)
		}
	})
}

// State exposes the worker lifecycle for inspection.
func (w *TopicWorker) State() string {
	switch workerState(w.state.Load()) {
	case stateJoining:
		return "joining"
	case stateJoined:
		return "joined"
	case stateLeaving:
		return "leaving"
	default:
		return "terminated"
	}
}
