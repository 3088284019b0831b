// This file contains MemoryMessageStore, an in-memory MessageStore used by
// tests and single-process deployments. Production deployments inject a
// store backed by their database instead.
package relay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryMessageStore keeps messages, reactions and read cursors in process
// memory. Safe for concurrent use.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	topics   map[string][]*Message
	messages *store[*Message]
	cursors  *store[string]
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		topics:   make(map[string][]*Message),
		messages: newStore[*Message](),
		cursors:  newStore[string](),
	}
}

func messageKey(topic, messageID string) string {
	return topic + "/" + messageID
}

func cursorKey(topic, userID string) string {
	return topic + "/" + userID
}

func (m *MemoryMessageStore) CreateMessage(ctx context.Context, topic, authorID, content, parentID string) (*Message, error) {
	message := &Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		AuthorID:  authorID,
		Content:   content,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.messages.Create(messageKey(topic, message.ID), message); err != nil {
		return nil, err
	}
	m.mu.Lock()

	m.topics[topic] = append(m.topics[topic], message)

	m.mu.Unlock()

	return message, nil
}

func (m *MemoryMessageStore) EditMessage(ctx context.Context, topic, messageID, content string) (*Message, error) {
	message, err := m.messages.Read(messageKey(topic, messageID))

	if err != nil {
		return nil, err
	}
	m.mu.Lock()

	now := time.Now().UTC()

	message.Content = content
	message.EditedAt = &now

	m.mu.Unlock()

	return message, nil
}

func (m *MemoryMessageStore) DeleteMessage(ctx context.Context, topic, messageID string) error {
	if err := m.messages.Delete(messageKey(topic, messageID)); err != nil {
		return err
	}
	m.mu.Lock()

	defer m.mu.Unlock()

	kept := m.topics[topic][:0]

	for _, message := range m.topics[topic] {
		if message.ID != messageID {
			kept = append(kept, message)
		}
	}
	m.topics[topic] = kept

	return nil
}

func (m *MemoryMessageStore) GetMessage(ctx context.Context, topic, messageID string) (*Message, error) {
	message, err := m.messages.Read(messageKey(topic, messageID))

	if err != nil {
		return nil, nil
	}
	return message, nil
}

func (m *MemoryMessageStore) AddReaction(ctx context.Context, topic, messageID, userID, emoji string) error {
	message, err := m.messages.Read(messageKey(topic, messageID))

	if err != nil {
		return err
	}
	m.mu.Lock()

	defer m.mu.Unlock()

	message.Reactions = append(message.Reactions, Reaction{UserID: userID, Emoji: emoji})

	return nil
}

func (m *MemoryMessageStore) RemoveReaction(ctx context.Context, topic, messageID, userID, emoji string) error {
	message, err := m.messages.Read(messageKey(topic, messageID))

	if err != nil {
		return err
	}
	m.mu.Lock()

	defer m.mu.Unlock()

	kept := message.Reactions[:0]

	for _, reaction := range message.Reactions {
		if reaction.UserID != userID || reaction.Emoji != emoji {
			kept = append(kept, reaction)
		}
	}
	message.Reactions = kept

	return nil
}

func (m *MemoryMessageStore) HasReaction(ctx context.Context, topic, messageID, userID, emoji string) (bool, error) {
	message, err := m.messages.Read(messageKey(topic, messageID))

	if err != nil {
		return false, err
	}
	m.mu.RLock()

	defer m.mu.RUnlock()

	for _, reaction := range message.Reactions {
		if reaction.UserID == userID && reaction.Emoji == emoji {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryMessageStore) MarkRead(ctx context.Context, topic, userID, messageID string) error {
	key := cursorKey(topic, userID)

	_ = m.cursors.Delete(key)

	return m.cursors.Create(key, messageID)
}

func (m *MemoryMessageStore) LoadMessagesBefore(ctx context.Context, topic, beforeID string, limit int) ([]Message, error) {
	m.mu.RLock()

	defer m.mu.RUnlock()

	history := m.topics[topic]

	cut := len(history)

	for i, message := range history {
		if message.ID == beforeID {
			cut = i

			break
		}
	}
	start := cut - limit
	if start < 0 {
		start = 0
	}
	return copyMessages(history[start:cut]), nil
}

func (m *MemoryMessageStore) LoadRecentMessages(ctx context.Context, topic string, limit int) ([]Message, error) {
	m.mu.RLock()

	defer m.mu.RUnlock()

	history := m.topics[topic]

	start := len(history) - limit
	if start < 0 {
		start = 0
	}
	return copyMessages(history[start:]), nil
}

// UnreadCounts counts messages behind each topic's read cursor for the given
// user. Topics are matched by the room prefix convention roomID/channel; a
// deployment-specific store would query its own schema instead.
func (m *MemoryMessageStore) UnreadCounts(ctx context.Context, roomID, userID string) (map[string]int, error) {
	m.mu.RLock()

	defer m.mu.RUnlock()

	counts := make(map[string]int)

	prefix := roomID + "/"

	topics := make([]string, 0, len(m.topics))

	for topic := range m.topics {
		if strings.HasPrefix(topic, prefix) {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)

	for _, topic := range topics {
		history := m.topics[topic]

		cursor, err := m.cursors.Read(cursorKey(topic, userID))

		if err != nil {
			counts[topic] = len(history)

			continue
		}
		unread := 0

		for i := len(history) - 1; i >= 0; i-- {
			if history[i].ID == cursor {
				break
			}
			unread++
		}
		counts[topic] = unread
	}
	return counts, nil
}

func copyMessages(messages []*Message) []Message {
	result := make([]Message, 0, len(messages))

	for _, message := range messages {
		result = append(result, *message)
	}
	return result
}
