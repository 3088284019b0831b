// This file contains type definitions for the relay package: wire frames,
// broadcast event envelopes, typed operation payloads, configuration options,
// and the constants used throughout the library.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type frameType string

const (
	frameJoin  frameType = "join"
	frameLeave frameType = "leave"
	framePush  frameType = "push"
	frameOK    frameType = "ok"
	frameError frameType = "error"
	frameEvent frameType = "event"
)

// Frame is the unit of the wire protocol. Every message on a client
// connection, in either direction, is one JSON-encoded Frame.
// Ref correlates a client request with its ok/error reply; server-initiated
// event frames carry no Ref.
type Frame struct {
	Type    frameType       `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Validate checks that a client-originated frame has the fields its type
// requires. Ok, error and event frames are server-originated and are
// rejected when received from a client.
func (f *Frame) Validate() bool {
	switch f.Type {
	case frameJoin, frameLeave:
		return f.Topic != ""
	case framePush:
		return f.Topic != "" && f.Event != ""
	default:
		return false
	}
}

// Event is the broadcast payload that travels over the Bus. It is transient:
// the durable message entity lives in the external MessageStore, the Event
// only notifies subscribers that something happened.
// OriginConn identifies the connection whose worker published the event so
// the originator is not sent a second copy of events it was already
// answered for directly.
type Event struct {
	Kind       string      `json:"kind"`
	Topic      string      `json:"topic"`
	ActorID    string      `json:"actorId"`
	Payload    interface{} `json:"payload"`
	RequestID  string      `json:"requestId"`
	NodeID     string      `json:"nodeId,omitempty"`
	OriginConn string      `json:"originConn,omitempty"`
}

// Client push operation names.
const (
	opSendMessage    = "send_message"
	opEditMessage    = "edit_message"
	opDeleteMessage  = "delete_message"
	opTypingStart    = "typing_start"
	opTypingStop     = "typing_stop"
	opAddReaction    = "add_reaction"
	opRemoveReaction = "remove_reaction"
	opMarkRead       = "mark_read"
	opLoadOlder      = "load_older_messages"
	opLoadRecent     = "load_recent_messages"
	opStartThread    = "start_thread"
	opSetStatus      = "set_status"
)

// Server-pushed event names.
const (
	evNewMessage      = "new_message"
	evMessageSent     = "message_sent"
	evMessageUpdated  = "message_updated"
	evMessageDeleted  = "message_deleted"
	evTypingStart     = "typing_start"
	evTypingStop      = "typing_stop"
	evReactionAdded   = "reaction_added"
	evReactionRemoved = "reaction_removed"
	evMessageRead     = "message_read"
	evThreadReply     = "thread_reply"
	evPresenceDiff    = "presence_diff"
	evUserJoined      = "user_joined"
	evUserLeft        = "user_left"
	evChannelCreated  = "channel_created"
	evStatusChange    = "user_status_change"
	evWorkspaceState  = "workspace_state"
)

const (
	topicPrefix       = "relay"
	chatNamespace     = "chat"
	roomNamespace     = "room"
	presenceNamespace = "presence"
	gatewayEntity     = "GATEWAY"
)

type sendMessageParams struct {
	Content string `json:"content"`
	TempID  string `json:"tempId,omitempty"`
}

type editMessageParams struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type deleteMessageParams struct {
	MessageID string `json:"messageId"`
}

type reactionParams struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type markReadParams struct {
	MessageID string `json:"messageId"`
}

type loadOlderParams struct {
	BeforeID string `json:"beforeId"`
	Limit    int    `json:"limit"`
}

type loadRecentParams struct {
	Limit int `json:"limit"`
}

type threadReplyParams struct {
	ParentID string `json:"parentId"`
	Content  string `json:"content"`
	TempID   string `json:"tempId,omitempty"`
}

type setStatusParams struct {
	Status string `json:"status"`
}

type messageEventPayload struct {
	Message *Message `json:"message"`
	TempID  string   `json:"tempId,omitempty"`
}

type deleteEventPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type reactionEventPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

type typingEventPayload struct {
	UserID string `json:"userId"`
}

type readEventPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type membershipEventPayload struct {
	UserID string `json:"userId"`
}

type statusEventPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ChannelAnnouncement describes a newly created channel broadcast to every
// member of the parent room.
type ChannelAnnouncement struct {
	ChannelID string `json:"channelId"`
	Name      string `json:"name"`
	CreatorID string `json:"creatorId"`
}

type messageListPayload struct {
	Messages []Message `json:"messages"`
}

type workspaceStatePayload struct {
	Members []Member                            `json:"members"`
	Online  map[string][]map[string]interface{} `json:"online"`
	Unread  map[string]int                      `json:"unread"`
}

type joinReplyPayload struct {
	Messages []Message                           `json:"messages,omitempty"`
	Presence map[string][]map[string]interface{} `json:"presence,omitempty"`
}

// Options configures connection behavior, internal queue sizes and the
// timers the core runs on. Bus, Hooks and Logger are shared by every
// session the hub creates.
type Options struct {
	CheckOrigin           bool
	AllowedOrigins        []string
	ReadBufferSize        int
	WriteBufferSize       int
	MaxMessageSize        int64
	PingInterval          time.Duration
	PongWait              time.Duration
	WriteWait             time.Duration
	SendTimeout           time.Duration
	EnableCompression     bool
	MaxConnections        int
	SendChannelBuffer     int
	ReceiveChannelBuffer  int
	MaxConcurrentHandlers int
	MailboxBuffer         int
	BusBuffer             int
	QueueTimeout          time.Duration
	TypingTimeout         time.Duration
	HistoryLimit          int
	Bus                   Bus
	Hooks                 *Hooks
	Logger                zerolog.Logger
}

// DefaultOptions returns an Options struct with the defaults the core was
// tuned for: 1KB socket buffers, 512KB max frame, 30s pings with 60s pong
// wait, 256-slot send/receive buffers and a 3s typing debounce.
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:           false,
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		MaxMessageSize:        512 * 1024,
		PingInterval:          30 * time.Second,
		PongWait:              60 * time.Second,
		WriteWait:             10 * time.Second,
		SendTimeout:           5 * time.Second,
		EnableCompression:     false,
		SendChannelBuffer:     256,
		ReceiveChannelBuffer:  256,
		MaxConcurrentHandlers: 10,
		MailboxBuffer:         128,
		BusBuffer:             256,
		QueueTimeout:          1 * time.Second,
		TypingTimeout:         3 * time.Second,
		HistoryLimit:          50,
		Logger:                zerolog.Nop(),
	}
}

// AuthFunc authenticates an HTTP upgrade request and resolves the user
// identity that owns the resulting session. Token verification itself is an
// external concern; the core only consumes its result.
type AuthFunc func(r *http.Request) (userID string, err error)

// ServerOptions configures the HTTP server hosting the upgrade endpoint.
type ServerOptions struct {
	Options            *Options
	Authenticate       AuthFunc
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusTooManyRequests     = 429
	StatusInternalServerError = 500
	StatusBadGateway          = 502
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

type nextFunc func() error

type handlerFunc[Request any, Response any] func(ctx context.Context, request Request, response Response, next nextFunc) error

// FinalHandlerFunc is the terminal handler invoked after every middleware in
// a chain has executed.
type FinalHandlerFunc[Request any, Response any] func(request Request, response Response) error
