// This file contains the Session, which represents one authenticated client
// connection. The session owns no room-specific state; it routes frames to
// the workers it has spawned and guarantees that disconnecting tears every
// one of them down, so no presence entry outlives its connection.
package relay

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Session ties a user identity to a transport and the set of workers spawned
// for it. Workers are keyed by their wire topic, so one session holds at
// most one worker per topic.
type Session struct {
	ConnID    string
	UserID    string
	conn      Transport
	hub       *Hub
	workers   *store[*TopicWorker]
	rooms     *store[*RoomCoordinator]
	createdAt time.Time
	log       zerolog.Logger
}

func newSession(hub *Hub, conn Transport, userID string) *Session {
	return &Session{
		ConnID:    conn.GetID(),
		UserID:    userID,
		conn:      conn,
		hub:       hub,
		workers:   newStore[*TopicWorker](),
		rooms:     newStore[*RoomCoordinator](),
		createdAt: time.Now(),
		log:       hub.log.With().Str("component", "session").Str("conn", conn.GetID()).Str("user", userID).Logger(),
	}
}

// parseWireTopic splits a client-facing topic like "chat:general" or
// "room:acme" into its namespace and name.
func parseWireTopic(topic string) (namespace, name string, err error) {
	parts := strings.SplitN(topic, ":", 2)

	if len(parts) != 2 || parts[1] == "" {
		return "", "", badRequest(topic, "topic must be of the form chat:<channel> or room:<id>")
	}
	switch parts[0] {
	case chatNamespace, roomNamespace:
		return parts[0], parts[1], nil
	default:
		return "", "", badRequest(topic, "unknown topic namespace "+parts[0])
	}
}

func (s *Session) handleFrame(frame Frame) error {
	switch frame.Type {
	case frameJoin:
		return s.handleJoin(frame)
	case frameLeave:
		return s.handleLeave(frame)
	case framePush:
		return s.handlePush(frame)
	default:
		return badRequest(frame.Topic, "unsupported frame type")
	}
}

func (s *Session) handleJoin(frame Frame) error {
	namespace, name, err := parseWireTopic(frame.Topic)

	if err != nil {
		return err
	}
	switch namespace {
	case chatNamespace:
		return s.joinTopic(frame, name)
	default:
		return s.joinRoom(frame, name)
	}
}

func (s *Session) joinTopic(frame Frame, name string) error {
	if _, err := s.workers.Read(frame.Topic); err == nil {
		return conflict(frame.Topic, "already joined")
	}
	worker, err := newTopicWorker(s.hub.ctx, s.hub, s.conn, s.UserID, name)

	if err != nil {
		return err
	}
	if err := s.workers.Create(frame.Topic, worker); err != nil {
		worker.Leave()

		return conflict(frame.Topic, "already joined")
	}
	s.log.Debug().Str("topic", frame.Topic).Msg("joined topic")

	return s.conn.SendFrame(Frame{
		Type:    frameOK,
		Topic:   frame.Topic,
		Payload: marshalPayload(worker.joinReply(s.hub.ctx)),
		Ref:     frame.Ref,
	})
}

func (s *Session) joinRoom(frame Frame, name string) error {
	if _, err := s.rooms.Read(frame.Topic); err == nil {
		return conflict(frame.Topic, "already joined")
	}
	room, err := newRoomCoordinator(s.hub.ctx, s.hub, s.conn, s.UserID, name)

	if err != nil {
		return err
	}
	if err := s.rooms.Create(frame.Topic, room); err != nil {
		room.Leave()

		return conflict(frame.Topic, "already joined")
	}
	s.log.Debug().Str("room", frame.Topic).Msg("joined room")

	if err := s.conn.SendFrame(Frame{
		Type:    frameOK,
		Topic:   frame.Topic,
		Payload: marshalPayload(room.joinReply(s.hub.ctx)),
		Ref:     frame.Ref,
	}); err != nil {
		return err
	}
	room.pushSnapshot(s.hub.ctx)

	return nil
}

// handleLeave is idempotent: leaving a topic the session never joined, or
// leaving twice, replies ok without side effects.
func (s *Session) handleLeave(frame Frame) error {
	if worker, err := s.workers.Read(frame.Topic); err == nil {
		worker.Leave()

		_ = s.workers.Delete(frame.Topic)
	} else if room, err := s.rooms.Read(frame.Topic); err == nil {
		room.Leave()

		_ = s.rooms.Delete(frame.Topic)
	}
	return s.conn.SendFrame(Frame{Type: frameOK, Topic: frame.Topic, Ref: frame.Ref})
}

func (s *Session) handlePush(frame Frame) error {
	if worker, err := s.workers.Read(frame.Topic); err == nil {
		return worker.HandleFrame(frame)
	}
	if room, err := s.rooms.Read(frame.Topic); err == nil {
		return room.HandleFrame(frame)
	}
	return notFound(frame.Topic, "not joined to topic")
}

// Topics returns the wire topics this session is currently joined to.
func (s *Session) Topics() []string {
	topics := make([]string, 0, s.workers.Len()+s.rooms.Len())

	s.workers.Keys().forEach(func(topic string) {
		topics = append(topics, topic)
	})

	s.rooms.Keys().forEach(func(topic string) {
		topics = append(topics, topic)
	})

	return topics
}

// teardown synchronously dismantles every worker the session owns. Called
// from the transport's close path, so by the time the connection is gone no
// presence entry or bus subscription remains.
func (s *Session) teardown() error {
	return combine(
		mapToError(s.workers.Values(), func(worker *TopicWorker) error {
			worker.Leave()

			return nil
		}),
		mapToError(s.rooms.Values(), func(room *RoomCoordinator) error {
			room.Leave()

			return nil
		}),
	)
}
