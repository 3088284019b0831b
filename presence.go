// This file contains the Tracker, the replicated per-topic membership set.
// Every node keeps a local entry map and replicates joins, leaves and
// updates over the Bus; remote state is merged by union with
// last-writer-wins per ref, so concurrent changes converge regardless of
// arrival order and no distributed locks are needed.
package relay

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Ref identifies one membership instance: one user on one connection. Refs
// issued by a node are strictly increasing, so a stale leave can never
// retract a newer join — leaves remove their exact ref only.
type Ref struct {
	Node string `json:"node"`
	Seq  uint64 `json:"seq"`
}

func (r Ref) key() string {
	return r.Node + ":" + strconv.FormatUint(r.Seq, 10)
}

// IsZero reports whether the ref was never issued.
func (r Ref) IsZero() bool {
	return r.Node == "" && r.Seq == 0
}

type presenceEntry struct {
	UserID  string                 `json:"userId"`
	Ref     Ref                    `json:"ref"`
	Meta    map[string]interface{} `json:"meta"`
	Version uint64                 `json:"version"`
}

type presenceEventType string

const (
	presenceJoin         presenceEventType = "presence:join"
	presenceLeave        presenceEventType = "presence:leave"
	presenceUpdate       presenceEventType = "presence:update"
	presenceSyncRequest  presenceEventType = "presence:sync_request"
	presenceSyncResponse presenceEventType = "presence:sync_response"
)

type presencePayload struct {
	Type    presenceEventType `json:"type"`
	Entry   *presenceEntry    `json:"entry,omitempty"`
	Entries []presenceEntry   `json:"entries,omitempty"`
	NodeID  string            `json:"nodeId"`
}

// PresenceMeta is one membership instance as shown to clients.
type PresenceMeta struct {
	UserID string                 `json:"userId"`
	Meta   map[string]interface{} `json:"meta"`
}

// PresenceDiff is the client-facing delta published whenever membership
// changes.
type PresenceDiff struct {
	Joins  []PresenceMeta `json:"joins"`
	Leaves []PresenceMeta `json:"leaves"`
}

// Tracker maintains the membership set of one topic on one node. A nil bus
// makes the tracker purely local, which is how it is used stand-alone.
type Tracker struct {
	scope   string
	name    string
	nodeID  string
	bus     Bus
	sub     Subscription
	log     zerolog.Logger
	seq     atomic.Uint64
	mu      sync.RWMutex
	entries map[string]presenceEntry
	local   map[string]bool
	closed  bool
}

func newTracker(ctx context.Context, scope, name, nodeID string, bus Bus, log zerolog.Logger) *Tracker {
	t := &Tracker{
		scope:   scope,
		name:    name,
		nodeID:  nodeID,
		bus:     bus,
		log:     log.With().Str("component", "presence").Str("topic", name).Logger(),
		entries: make(map[string]presenceEntry),
		local:   make(map[string]bool),
	}
	if bus != nil {
		pattern := formatTopic(presenceNamespace, scope, name, ".*")

		sub, err := bus.Subscribe(pattern, t.onBusMessage)

		if err != nil {
			t.log.Error().Err(err).Msg("presence replication subscribe failed")
		} else {
			t.sub = sub

			t.publishReplication(presencePayload{Type: presenceSyncRequest, NodeID: nodeID})
		}
	}
	return t
}

// Track registers a new membership instance for userID and returns its ref.
// The join is replicated to other nodes and announced to clients as a
// presence_diff.
func (t *Tracker) Track(userID string, meta map[string]interface{}) (Ref, error) {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return Ref{}, unavailable(t.name, "presence tracker is closed")
	}
	ref := Ref{Node: t.nodeID, Seq: t.seq.Add(1)}

	entry := presenceEntry{UserID: userID, Ref: ref, Meta: meta, Version: 1}

	t.entries[ref.key()] = entry

	t.local[ref.key()] = true

	t.mu.Unlock()

	t.publishReplication(presencePayload{Type: presenceJoin, Entry: &entry, NodeID: t.nodeID})

	t.publishDiff(PresenceDiff{Joins: []PresenceMeta{{UserID: userID, Meta: meta}}, Leaves: []PresenceMeta{}})

	return ref, nil
}

// Update replaces the metadata of a tracked ref. Replaying an update with
// unchanged metadata is a no-op. Returns an error if the ref is not tracked
// by this node.
func (t *Tracker) Update(ref Ref, meta map[string]interface{}) error {
	t.mu.Lock()

	entry, exists := t.entries[ref.key()]

	if !exists || !t.local[ref.key()] {
		t.mu.Unlock()

		return notFound(t.name, "ref is not tracked on this node")
	}
	if reflect.DeepEqual(entry.Meta, meta) {
		t.mu.Unlock()

		return nil
	}
	entry.Meta = meta
	entry.Version++
	t.entries[ref.key()] = entry

	t.mu.Unlock()

	t.publishReplication(presencePayload{Type: presenceUpdate, Entry: &entry, NodeID: t.nodeID})

	t.publishDiff(PresenceDiff{Joins: []PresenceMeta{{UserID: entry.UserID, Meta: meta}}, Leaves: []PresenceMeta{}})

	return nil
}

// UnTrack removes the membership instance identified by ref. Removing an
// unknown or already-removed ref is a no-op, so leave-after-crash and
// double-leave are safe.
func (t *Tracker) UnTrack(ref Ref) error {
	t.mu.Lock()

	entry, exists := t.entries[ref.key()]

	if !exists {
		t.mu.Unlock()

		return nil
	}
	delete(t.entries, ref.key())

	delete(t.local, ref.key())

	t.mu.Unlock()

	t.publishReplication(presencePayload{Type: presenceLeave, Entry: &entry, NodeID: t.nodeID})

	t.publishDiff(PresenceDiff{Joins: []PresenceMeta{}, Leaves: []PresenceMeta{{UserID: entry.UserID, Meta: entry.Meta}}})

	return nil
}

// List returns the merged membership view grouped by user. A user present
// on two connections appears with two metadata entries.
func (t *Tracker) List() map[string][]map[string]interface{} {
	t.mu.RLock()

	defer t.mu.RUnlock()

	result := make(map[string][]map[string]interface{})

	for _, entry := range t.entries {
		result[entry.UserID] = append(result[entry.UserID], entry.Meta)
	}
	return result
}

// Len returns the number of membership instances across all users.
func (t *Tracker) Len() int {
	t.mu.RLock()

	defer t.mu.RUnlock()

	return len(t.entries)
}

// merge applies a set of remote entries by union. An entry whose ref is
// already known is only replaced by a higher version. merge is associative,
// commutative and idempotent, so replays and reordering cannot diverge the
// view.
func (t *Tracker) merge(entries []presenceEntry) {
	t.mu.Lock()

	defer t.mu.Unlock()

	for _, entry := range entries {
		existing, exists := t.entries[entry.Ref.key()]

		if !exists || entry.Version > existing.Version {
			t.entries[entry.Ref.key()] = entry
		}
	}
}

func (t *Tracker) localEntries() []presenceEntry {
	t.mu.RLock()

	defer t.mu.RUnlock()

	entries := make([]presenceEntry, 0, len(t.local))

	for key := range t.local {
		if entry, exists := t.entries[key]; exists {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (t *Tracker) onBusMessage(topic string, data []byte) {

	var payload presencePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.log.Debug().Err(err).Msg("dropping malformed presence message")

		return
	}
	if payload.NodeID == t.nodeID {
		return
	}
	switch payload.Type {
	case presenceJoin, presenceUpdate:
		if payload.Entry != nil {
			t.merge([]presenceEntry{*payload.Entry})
		}
	case presenceLeave:
		if payload.Entry != nil {
			t.mu.Lock()

			delete(t.entries, payload.Entry.Ref.key())

			t.mu.Unlock()
		}
	case presenceSyncRequest:
		entries := t.localEntries()

		if len(entries) > 0 {
			t.publishReplication(presencePayload{Type: presenceSyncResponse, Entries: entries, NodeID: t.nodeID})
		}
	case presenceSyncResponse:
		t.merge(payload.Entries)
	}
}

func (t *Tracker) publishReplication(payload presencePayload) {
	if t.bus == nil {
		return
	}
	data, err := json.Marshal(payload)

	if err != nil {
		return
	}
	topic := formatTopic(presenceNamespace, t.scope, t.name, string(payload.Type))

	if err := t.bus.Publish(topic, data); err != nil {
		t.log.Warn().Err(err).Msg("presence replication publish failed")
	}
}

func (t *Tracker) publishDiff(diff PresenceDiff) {
	if t.bus == nil {
		return
	}
	evt := Event{
		Kind:      evPresenceDiff,
		Topic:     t.name,
		Payload:   diff,
		RequestID: uuid.NewString(),
		NodeID:    t.nodeID,
	}
	data, err := json.Marshal(evt)

	if err != nil {
		return
	}
	if err := t.bus.Publish(formatTopic(t.scope, t.name, evPresenceDiff), data); err != nil {
		t.log.Warn().Err(err).Msg("presence diff publish failed")
	}
}

// Close detaches the tracker from the bus. Entries are left for the owning
// hub to discard; Close is idempotent.
func (t *Tracker) Close() error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.sub != nil {
		return t.sub.Unsubscribe()
	}
	return nil
}
