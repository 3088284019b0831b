// This file contains the interfaces the core calls out to: message
// persistence, join authorization, and the room roster. The core never owns
// durable data; these collaborators do. Implementations are injected on the
// hub and must be safe for concurrent use.
package relay

import (
	"context"
	"time"
)

// Message is the durable chat message as returned by the MessageStore. The
// core treats it as opaque apart from the identity and author fields it
// needs for authorization and fan-out.
type Message struct {
	ID        string     `json:"id"`
	Topic     string     `json:"topic"`
	AuthorID  string     `json:"authorId"`
	Content   string     `json:"content"`
	ParentID  string     `json:"parentId,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// Reaction is one user's emoji reaction on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Member is one entry of a room's roster.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

// MessageStore is the persistence interface for messages, reactions and read
// cursors. Every mutation must complete before the core broadcasts the
// corresponding event; the bus is a notification layer, never a source of
// truth. Errors are surfaced to the calling client only and never retried by
// the core.
type MessageStore interface {
	CreateMessage(ctx context.Context, topic, authorID, content, parentID string) (*Message, error)

	EditMessage(ctx context.Context, topic, messageID, content string) (*Message, error)

	DeleteMessage(ctx context.Context, topic, messageID string) error

	GetMessage(ctx context.Context, topic, messageID string) (*Message, error)

	AddReaction(ctx context.Context, topic, messageID, userID, emoji string) error

	RemoveReaction(ctx context.Context, topic, messageID, userID, emoji string) error

	HasReaction(ctx context.Context, topic, messageID, userID, emoji string) (bool, error)

	MarkRead(ctx context.Context, topic, userID, messageID string) error

	LoadMessagesBefore(ctx context.Context, topic, beforeID string, limit int) ([]Message, error)

	LoadRecentMessages(ctx context.Context, topic string, limit int) ([]Message, error)

	UnreadCounts(ctx context.Context, roomID, userID string) (map[string]int, error)
}

// Authorizer decides whether a user may join a topic or room. Denial leaves
// no state behind: no presence entry, no bus subscription.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, topic, userID string) error
}

// Roster lists the members of a room for the workspace snapshot pushed on
// room join.
type Roster interface {
	ListMembers(ctx context.Context, roomID string) ([]Member, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, topic, userID string) error

func (f AuthorizerFunc) AuthorizeJoin(ctx context.Context, topic, userID string) error {
	return f(ctx, topic, userID)
}

// RosterFunc adapts a function to the Roster interface.
type RosterFunc func(ctx context.Context, roomID string) ([]Member, error)

func (f RosterFunc) ListMembers(ctx context.Context, roomID string) ([]Member, error) {
	return f(ctx, roomID)
}
