package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport that records every frame sent to
// it and lets tests feed inbound frames through the registered handler.
type fakeTransport struct {
	id            string
	mu            sync.Mutex
	frames        []Frame
	active        bool
	closeHandlers []func(Transport) error
	handler       func(Frame, Transport) error
	closeOnce     sync.Once
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, active: true}
}

func (f *fakeTransport) GetID() string {
	return f.id
}

func (f *fakeTransport) SendFrame(frame Frame) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	if !f.active {
		return internal(gatewayEntity, "transport is closed")
	}
	f.frames = append(f.frames, frame)

	return nil
}

func (f *fakeTransport) IsActive() bool {
	f.mu.Lock()

	defer f.mu.Unlock()

	return f.active
}

func (f *fakeTransport) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()

		f.active = false
		handlers := make([]func(Transport) error, len(f.closeHandlers))

		copy(handlers, f.closeHandlers)

		f.mu.Unlock()

		for _, handler := range handlers {
			_ = handler(f)
		}
	})
}

func (f *fakeTransport) OnClose(callback func(Transport) error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.closeHandlers = append(f.closeHandlers, callback)
}

func (f *fakeTransport) OnFrame(handler func(Frame, Transport) error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.handler = handler
}

func (f *fakeTransport) HandleFrames() {}

// dispatch feeds a frame through the registered handler the way the real
// connection does, converting a handler error into an error frame.
func (f *fakeTransport) dispatch(frame Frame) error {
	f.mu.Lock()

	handler := f.handler

	f.mu.Unlock()

	if handler == nil {
		return internal(gatewayEntity, "no handler registered")
	}
	err := handler(frame, f)

	if err != nil {
		f.mu.Lock()

		f.frames = append(f.frames, errorFrame(frame.Topic, frame.Ref, err))

		f.mu.Unlock()
	}
	return err
}

func (f *fakeTransport) sentFrames() []Frame {
	f.mu.Lock()

	defer f.mu.Unlock()

	copied := make([]Frame, len(f.frames))

	copy(copied, f.frames)

	return copied
}

func (f *fakeTransport) framesNamed(event string) []Frame {

	var matched []Frame
	for _, frame := range f.sentFrames() {
		if frame.Type == frameEvent && frame.Event == event {
			matched = append(matched, frame)
		}
	}
	return matched
}

func (f *fakeTransport) clearFrames() {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.frames = nil
}

func testOptions() *Options {
	opts := DefaultOptions()

	opts.QueueTimeout = 500 * time.Millisecond
	opts.TypingTimeout = 100 * time.Millisecond

	return opts
}

func newTestHub(t *testing.T, opts *Options) (*Hub, *MemoryMessageStore) {
	t.Helper()

	if opts == nil {
		opts = testOptions()
	}
	messageStore := NewMemoryMessageStore()

	hub := NewHub(context.Background(), opts, messageStore, nil, nil)

	t.Cleanup(func() {
		_ = hub.Shutdown()
	})

	return hub, messageStore
}

func joinTopic(t *testing.T, hub *Hub, ft *fakeTransport, userID, wireTopic string) *Session {
	t.Helper()

	session, err := hub.Connect(ft, userID)

	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := ft.dispatch(Frame{Type: frameJoin, Topic: wireTopic, Ref: "join-1"}); err != nil {
		t.Fatalf("failed to join %s: %v", wireTopic, err)
	}
	ft.clearFrames()

	return session
}

func decodePayload(t *testing.T, frame Frame, v interface{}) {
	t.Helper()

	if err := json.Unmarshal(frame.Payload, v); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
}

func TestHubConnect(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	t.Run("registers the session", func(t *testing.T) {
		ft := newFakeTransport("conn-1")

		session, err := hub.Connect(ft, "user1")

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if session.UserID != "user1" {
			t.Errorf("expected user1, got %s", session.UserID)
		}
		if hub.SessionCount() != 1 {
			t.Errorf("expected 1 session, got %d", hub.SessionCount())
		}
		found, err := hub.Session("conn-1")

		if err != nil || found != session {
			t.Error("expected to look the session up by connection id")
		}
	})

	t.Run("closing the transport removes the session", func(t *testing.T) {
		ft := newFakeTransport("conn-2")

		if _, err := hub.Connect(ft, "user2"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		ft.Close()

		waitFor(t, 2*time.Second, func() bool {
			_, err := hub.Session("conn-2")

			return err != nil
		})
	})

	t.Run("duplicate connection id is rejected", func(t *testing.T) {
		if _, err := hub.Connect(newFakeTransport("conn-1"), "user3"); err == nil {
			t.Error("expected conflict for duplicate connection id")
		}
	})
}

func TestHubMaxConnections(t *testing.T) {
	opts := testOptions()

	opts.MaxConnections = 1

	hub, _ := newTestHub(t, opts)

	if _, err := hub.Connect(newFakeTransport("conn-1"), "user1"); err != nil {
		t.Fatalf("expected first connection to succeed, got %v", err)
	}
	if _, err := hub.Connect(newFakeTransport("conn-2"), "user2"); err == nil {
		t.Error("expected second connection to be rejected")
	}
}

func TestHubOnConnectHook(t *testing.T) {
	opts := testOptions()

	opts.Hooks = &Hooks{
		OnConnect: func(conn Transport) error {
			if conn.GetID() == "banned" {
				return forbidden(gatewayEntity, "banned connection")
			}
			return nil
		},
	}
	hub, _ := newTestHub(t, opts)

	t.Run("rejected connection leaves no session", func(t *testing.T) {
		if _, err := hub.Connect(newFakeTransport("banned"), "user1"); err == nil {
			t.Error("expected hook rejection")
		}
		if hub.SessionCount() != 0 {
			t.Errorf("expected no sessions, got %d", hub.SessionCount())
		}
	})

	t.Run("accepted connection passes", func(t *testing.T) {
		if _, err := hub.Connect(newFakeTransport("conn-1"), "user1"); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})
}

func TestHubShutdown(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	ft := newFakeTransport("conn-1")

	joinTopic(t, hub, ft, "user1", "chat:general")

	if err := hub.Shutdown(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ft.IsActive() {
		t.Error("expected transports to be closed on shutdown")
	}
	waitFor(t, 2*time.Second, func() bool {
		return hub.Presence("general") == nil
	})

	if err := hub.Shutdown(); err != nil {
		t.Fatalf("expected shutdown to be idempotent, got %v", err)
	}
}

func TestHubCrossInstanceDelivery(t *testing.T) {
	ctx := context.Background()

	bus := NewLocalBus(ctx, 256)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	messageStore := NewMemoryMessageStore()

	newInstance := func() *Hub {
		opts := testOptions()

		opts.Bus = bus

		hub := NewHub(ctx, opts, messageStore, nil, nil)

		t.Cleanup(func() {
			_ = hub.Shutdown()
		})

		return hub
	}

	hubA := newInstance()

	hubB := newInstance()

	alice := newFakeTransport("conn-alice")

	bob := newFakeTransport("conn-bob")

	joinTopic(t, hubA, alice, "alice", "chat:general")

	joinTopic(t, hubB, bob, "bob", "chat:general")

	t.Run("presence converges across instances", func(t *testing.T) {
		waitFor(t, 2*time.Second, func() bool {
			view := hubB.Presence("general")

			return view != nil && len(view["alice"]) == 1 && len(view["bob"]) == 1
		})
	})

	t.Run("message sent on one instance arrives on the other", func(t *testing.T) {
		bob.clearFrames()

		if err := alice.dispatch(pushFrame("chat:general", opSendMessage, "r1", sendMessageParams{Content: "across", TempID: "t1"})); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		waitFor(t, 2*time.Second, func() bool {
			return len(bob.framesNamed(evNewMessage)) == 1
		})

		var payload messageEventPayload
		decodePayload(t, bob.framesNamed(evNewMessage)[0], &payload)

		if payload.Message == nil || payload.Message.Content != "across" {
			t.Errorf("unexpected message payload %+v", payload)
		}
		if payload.TempID != "" {
			t.Error("expected no tempId on the canonical broadcast")
		}
	})

	t.Run("leave on one instance is observed on the other", func(t *testing.T) {
		bob.clearFrames()

		alice.Close()

		waitFor(t, 2*time.Second, func() bool {
			return len(bob.framesNamed(evUserLeft)) == 1
		})

		waitFor(t, 2*time.Second, func() bool {
			view := hubB.Presence("general")

			return view != nil && len(view["alice"]) == 0
		})
	})
}
