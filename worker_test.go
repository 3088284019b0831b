package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// failingStore wraps the in-memory store and forces selected operations to
// fail, for exercising the persistence error paths.
type failingStore struct {
	*MemoryMessageStore
	failCreate   bool
	failMarkRead bool
}

func (f *failingStore) CreateMessage(ctx context.Context, topic, authorID, content, parentID string) (*Message, error) {
	if f.failCreate {
		return nil, errors.New("store is down")
	}
	return f.MemoryMessageStore.CreateMessage(ctx, topic, authorID, content, parentID)
}

func (f *failingStore) MarkRead(ctx context.Context, topic, userID, messageID string) error {
	if f.failMarkRead {
		return errors.New("store is down")
	}
	return f.MemoryMessageStore.MarkRead(ctx, topic, userID, messageID)
}

func pushFrame(topic, event, ref string, payload interface{}) Frame {
	return Frame{
		Type:    framePush,
		Topic:   topic,
		Event:   event,
		Payload: marshalPayload(payload),
		Ref:     ref,
	}
}

func TestWorkerJoin(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	t.Run("join replies ok with presence", func(t *testing.T) {
		ft := newFakeTransport("conn-1")

		if _, err := hub.Connect(ft, "user1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := ft.dispatch(Frame{Type: frameJoin, Topic: "chat:general", Ref: "j1"}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		var ok *Frame
		for _, frame := range ft.sentFrames() {
			if frame.Type == frameOK && frame.Ref == "j1" {
				copied := frame

				ok = &copied
			}
		}
		if ok == nil {
			t.Fatal("expected an ok frame for the join")
		}

		var reply joinReplyPayload
		decodePayload(t, *ok, &reply)

		if len(reply.Presence["user1"]) != 1 {
			t.Errorf("expected the joiner in the presence view, got %v", reply.Presence)
		}
		view := hub.Presence("general")

		if len(view["user1"]) != 1 {
			t.Errorf("expected one presence entry, got %v", view)
		}
	})

	t.Run("duplicate join conflicts", func(t *testing.T) {
		ft := newFakeTransport("conn-2")

		if _, err := hub.Connect(ft, "user2"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := ft.dispatch(Frame{Type: frameJoin, Topic: "chat:general"}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := ft.dispatch(Frame{Type: frameJoin, Topic: "chat:general"}); err == nil {
			t.Error("expected second join to conflict")
		}
	})
}

func TestWorkerJoinDenied(t *testing.T) {
	opts := testOptions()

	deny := AuthorizerFunc(func(ctx context.Context, topic, userID string) error {
		return forbidden(topic, "not a member")
	})

	hub := NewHub(context.Background(), opts, NewMemoryMessageStore(), deny, nil)

	defer hub.Shutdown()

	ft := newFakeTransport("conn-1")

	if _, err := hub.Connect(ft, "user1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	err := ft.dispatch(Frame{Type: frameJoin, Topic: "chat:secret", Ref: "j1"})

	if err == nil {
		t.Fatal("expected join to be denied")
	}

	var typed *Error
	if !errors.As(err, &typed) || typed.Code != StatusForbidden {
		t.Errorf("expected a 403 error, got %v", err)
	}
	if hub.Presence("secret") != nil {
		t.Error("expected zero presence entries after a denied join")
	}
	if topics := func() []string {
		session, _ := hub.Session("conn-1")

		return session.Topics()
	}(); len(topics) != 0 {
		t.Errorf("expected no subscriptions after a denied join, got %v", topics)
	}
}

func TestWorkerSendMessage(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	sender := newFakeTransport("conn-sender")

	receiver := newFakeTransport("conn-receiver")

	joinTopic(t, hub, sender, "alice", "chat:general")

	joinTopic(t, hub, receiver, "bob", "chat:general")

	sender.clearFrames()

	receiver.clearFrames()

	if err := sender.dispatch(pushFrame("chat:general", opSendMessage, "r1", sendMessageParams{Content: "hello", TempID: "t1"})); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	t.Run("originator receives message_sent with its tempId", func(t *testing.T) {
		waitFor(t, 2*time.Second, func() bool {
			return len(sender.framesNamed(evMessageSent)) == 1
		})

		var payload messageEventPayload
		decodePayload(t, sender.framesNamed(evMessageSent)[0], &payload)

		if payload.TempID != "t1" {
			t.Errorf("expected tempId 't1', got %s", payload.TempID)
		}
		if payload.Message == nil || payload.Message.ID == "" {
			t.Error("expected the persisted message with its real id")
		}
	})

	t.Run("other subscribers receive new_message without tempId", func(t *testing.T) {
		waitFor(t, 2*time.Second, func() bool {
			return len(receiver.framesNamed(evNewMessage)) == 1
		})

		var payload messageEventPayload
		decodePayload(t, receiver.framesNamed(evNewMessage)[0], &payload)

		if payload.TempID != "" {
			t.Errorf("expected no tempId for other subscribers, got %s", payload.TempID)
		}
		if payload.Message == nil || payload.Message.Content != "hello" {
			t.Error("expected the canonical message")
		}
	})

	t.Run("originator does not receive a second copy", func(t *testing.T) {
		time.Sleep(100 * time.Millisecond)

		if got := len(sender.framesNamed(evNewMessage)); got != 0 {
			t.Errorf("expected no new_message echo for the originator, got %d", got)
		}
	})

	t.Run("empty content is rejected with the tempId", func(t *testing.T) {
		sender.clearFrames()

		_ = sender.dispatch(pushFrame("chat:general", opSendMessage, "r2", sendMessageParams{Content: "   ", TempID: "t2"}))

		waitFor(t, 2*time.Second, func() bool {
			for _, frame := range sender.sentFrames() {
				if frame.Type == frameError {
					return true
				}
			}
			return false
		})

		var payload map[string]interface{}
		for _, frame := range sender.sentFrames() {
			if frame.Type == frameError {
				decodePayload(t, frame, &payload)
			}
		}
		if payload["tempId"] != "t2" {
			t.Errorf("expected the error to carry tempId 't2', got %v", payload["tempId"])
		}
	})
}

func TestWorkerSendPersistenceFailure(t *testing.T) {
	opts := testOptions()

	messageStore := &failingStore{MemoryMessageStore: NewMemoryMessageStore(), failCreate: true}

	hub := NewHub(context.Background(), opts, messageStore, nil, nil)

	defer hub.Shutdown()

	sender := newFakeTransport("conn-1")

	receiver := newFakeTransport("conn-2")

	joinTopic(t, hub, sender, "alice", "chat:general")

	joinTopic(t, hub, receiver, "bob", "chat:general")

	receiver.clearFrames()

	_ = sender.dispatch(pushFrame("chat:general", opSendMessage, "r1", sendMessageParams{Content: "hello", TempID: "t1"}))

	waitFor(t, 2*time.Second, func() bool {
		for _, frame := range sender.sentFrames() {
			if frame.Type == frameError {
				return true
			}
		}
		return false
	})

	var payload map[string]interface{}
	for _, frame := range sender.sentFrames() {
		if frame.Type == frameError {
			decodePayload(t, frame, &payload)
		}
	}
	if payload["tempId"] != "t1" {
		t.Errorf("expected the failure to carry tempId 't1', got %v", payload["tempId"])
	}
	if payload["temporary"] != true {
		t.Error("expected a temporary persistence error")
	}
	time.Sleep(100 * time.Millisecond)

	if got := len(receiver.framesNamed(evNewMessage)); got != 0 {
		t.Errorf("expected nothing broadcast before persistence succeeds, got %d", got)
	}
}

func TestWorkerEditAndDelete(t *testing.T) {
	hub, messageStore := newTestHub(t, nil)

	author := newFakeTransport("conn-author")

	other := newFakeTransport("conn-other")

	joinTopic(t, hub, author, "alice", "chat:general")

	joinTopic(t, hub, other, "bob", "chat:general")

	message, err := messageStore.CreateMessage(context.Background(), "general", "alice", "original", "")

	if err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
	author.clearFrames()

	other.clearFrames()

	t.Run("author can edit", func(t *testing.T) {
		_ = author.dispatch(pushFrame("chat:general", opEditMessage, "r1", editMessageParams{MessageID: message.ID, Content: "edited"}))

		waitFor(t, 2*time.Second, func() bool {
			return len(other.framesNamed(evMessageUpdated)) == 1
		})

		var payload messageEventPayload
		decodePayload(t, other.framesNamed(evMessageUpdated)[0], &payload)

		if payload.Message.Content != "edited" {
			t.Errorf("expected edited content, got %s", payload.Message.Content)
		}
	})

	t.Run("non-author edit is forbidden", func(t *testing.T) {
		other.clearFrames()

		_ = other.dispatch(pushFrame("chat:general", opEditMessage, "r2", editMessageParams{MessageID: message.ID, Content: "hijacked"}))

		waitFor(t, 2*time.Second, func() bool {
			for _, frame := range other.sentFrames() {
				if frame.Type == frameError {
					return true
				}
			}
			return false
		})

		stored, _ := messageStore.GetMessage(context.Background(), "general", message.ID)

		if stored.Content != "edited" {
			t.Errorf("expected content to be unchanged, got %s", stored.Content)
		}
	})

	t.Run("author can delete", func(t *testing.T) {
		other.clearFrames()

		_ = author.dispatch(pushFrame("chat:general", opDeleteMessage, "r3", deleteMessageParams{MessageID: message.ID}))

		waitFor(t, 2*time.Second, func() bool {
			return len(other.framesNamed(evMessageDeleted)) == 1
		})

		stored, _ := messageStore.GetMessage(context.Background(), "general", message.ID)

		if stored != nil {
			t.Error("expected message to be deleted")
		}
	})
}

func TestWorkerReactionToggle(t *testing.T) {
	hub, messageStore := newTestHub(t, nil)

	actor := newFakeTransport("conn-actor")

	observer := newFakeTransport("conn-observer")

	joinTopic(t, hub, actor, "alice", "chat:general")

	joinTopic(t, hub, observer, "bob", "chat:general")

	message, _ := messageStore.CreateMessage(context.Background(), "general", "bob", "react to me", "")

	observer.clearFrames()

	react := func(ref string) {
		_ = actor.dispatch(pushFrame("chat:general", opAddReaction, ref, reactionParams{MessageID: message.ID, Emoji: "👍"}))
	}

	hasReaction := func() bool {
		has, err := messageStore.HasReaction(context.Background(), "general", message.ID, "alice", "👍")

		if err != nil {
			t.Fatalf("HasReaction failed: %v", err)
		}
		return has
	}

	react("r1")

	waitFor(t, 2*time.Second, func() bool {
		return len(observer.framesNamed(evReactionAdded)) == 1
	})

	if !hasReaction() {
		t.Fatal("expected one reaction after the first toggle")
	}
	react("r2")

	waitFor(t, 2*time.Second, func() bool {
		return len(observer.framesNamed(evReactionRemoved)) == 1
	})

	if hasReaction() {
		t.Fatal("expected zero net reactions after toggling twice")
	}
	react("r3")

	waitFor(t, 2*time.Second, func() bool {
		return len(observer.framesNamed(evReactionAdded)) == 2
	})

	if !hasReaction() {
		t.Fatal("expected the third toggle to restore the reaction")
	}
}

func TestWorkerTypingDebounce(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	typist := newFakeTransport("conn-typist")

	observer := newFakeTransport("conn-observer")

	joinTopic(t, hub, typist, "alice", "chat:general")

	joinTopic(t, hub, observer, "bob", "chat:general")

	observer.clearFrames()

	t.Run("burst of starts yields exactly one stop", func(t *testing.T) {
		_ = typist.dispatch(pushFrame("chat:general", opTypingStart, "", nil))

		time.Sleep(30 * time.Millisecond)

		_ = typist.dispatch(pushFrame("chat:general", opTypingStart, "", nil))

		time.Sleep(30 * time.Millisecond)

		_ = typist.dispatch(pushFrame("chat:general", opTypingStart, "", nil))

		waitFor(t, 2*time.Second, func() bool {
			return len(observer.framesNamed(evTypingStop)) >= 1
		})

		time.Sleep(300 * time.Millisecond)

		if got := len(observer.framesNamed(evTypingStop)); got != 1 {
			t.Errorf("expected exactly one typing_stop, got %d", got)
		}
		if got := len(observer.framesNamed(evTypingStart)); got != 3 {
			t.Errorf("expected three typing_start events, got %d", got)
		}
	})

	t.Run("explicit stop cancels the timer", func(t *testing.T) {
		observer.clearFrames()

		_ = typist.dispatch(pushFrame("chat:general", opTypingStart, "", nil))

		_ = typist.dispatch(pushFrame("chat:general", opTypingStop, "", nil))

		waitFor(t, 2*time.Second, func() bool {
			return len(observer.framesNamed(evTypingStop)) == 1
		})

		time.Sleep(300 * time.Millisecond)

		if got := len(observer.framesNamed(evTypingStop)); got != 1 {
			t.Errorf("expected no timer-driven second stop, got %d", got)
		}
	})
}

func TestWorkerLeaveDuringTypingBurst(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	ft := newFakeTransport("conn-1")

	joinTopic(t, hub, ft, "alice", "chat:general")

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < 50; i++ {
			if err := ft.dispatch(pushFrame("chat:general", opTypingStart, "", nil)); err != nil {
				return
			}
		}
	}()

	ft.Close()

	<-done

	waitFor(t, 2*time.Second, func() bool {
		return hub.Presence("general") == nil
	})
}

func TestWorkerThreadReply(t *testing.T) {
	hub, messageStore := newTestHub(t, nil)

	sender := newFakeTransport("conn-sender")

	receiver := newFakeTransport("conn-receiver")

	joinTopic(t, hub, sender, "alice", "chat:general")

	joinTopic(t, hub, receiver, "bob", "chat:general")

	parent, _ := messageStore.CreateMessage(context.Background(), "general", "bob", "parent", "")

	sender.clearFrames()

	receiver.clearFrames()

	t.Run("reply fans out as thread_reply", func(t *testing.T) {
		_ = sender.dispatch(pushFrame("chat:general", opStartThread, "r1", threadReplyParams{ParentID: parent.ID, Content: "reply", TempID: "t1"}))

		waitFor(t, 2*time.Second, func() bool {
			return len(receiver.framesNamed(evThreadReply)) == 1
		})

		var payload messageEventPayload
		decodePayload(t, receiver.framesNamed(evThreadReply)[0], &payload)

		if payload.Message.ParentID != parent.ID {
			t.Errorf("expected parent id %s, got %s", parent.ID, payload.Message.ParentID)
		}
		if len(receiver.framesNamed(evNewMessage)) != 0 {
			t.Error("expected thread replies not to appear as new_message")
		}
		waitFor(t, 2*time.Second, func() bool {
			return len(sender.framesNamed(evMessageSent)) == 1
		})
	})

	t.Run("unknown parent is rejected", func(t *testing.T) {
		sender.clearFrames()

		_ = sender.dispatch(pushFrame("chat:general", opStartThread, "r2", threadReplyParams{ParentID: "missing", Content: "reply"}))

		waitFor(t, 2*time.Second, func() bool {
			for _, frame := range sender.sentFrames() {
				if frame.Type == frameError {
					return true
				}
			}
			return false
		})
	})
}

func TestWorkerMarkRead(t *testing.T) {
	t.Run("publishes a read receipt", func(t *testing.T) {
		hub, messageStore := newTestHub(t, nil)

		reader := newFakeTransport("conn-reader")

		observer := newFakeTransport("conn-observer")

		joinTopic(t, hub, reader, "alice", "chat:general")

		joinTopic(t, hub, observer, "bob", "chat:general")

		message, _ := messageStore.CreateMessage(context.Background(), "general", "bob", "read me", "")

		observer.clearFrames()

		_ = reader.dispatch(pushFrame("chat:general", opMarkRead, "", markReadParams{MessageID: message.ID}))

		waitFor(t, 2*time.Second, func() bool {
			return len(observer.framesNamed(evMessageRead)) == 1
		})
	})

	t.Run("acks and never raises on store failure", func(t *testing.T) {
		opts := testOptions()

		messageStore := &failingStore{MemoryMessageStore: NewMemoryMessageStore(), failMarkRead: true}

		hub := NewHub(context.Background(), opts, messageStore, nil, nil)

		defer hub.Shutdown()

		reader := newFakeTransport("conn-1")

		joinTopic(t, hub, reader, "alice", "chat:general")

		reader.clearFrames()

		_ = reader.dispatch(pushFrame("chat:general", opMarkRead, "r1", markReadParams{MessageID: "m1"}))

		waitFor(t, 2*time.Second, func() bool {
			for _, frame := range reader.sentFrames() {
				if frame.Type == frameOK && frame.Ref == "r1" {
					return true
				}
			}
			return false
		})

		time.Sleep(200 * time.Millisecond)

		for _, frame := range reader.sentFrames() {
			if frame.Type == frameError {
				t.Errorf("expected no error frame for best-effort mark_read, got %v", frame)
			}
		}
	})
}

func TestWorkerHistory(t *testing.T) {
	hub, messageStore := newTestHub(t, nil)

	ft := newFakeTransport("conn-1")

	joinTopic(t, hub, ft, "alice", "chat:general")

	var ids []string
	for i := 0; i < 5; i++ {
		message, _ := messageStore.CreateMessage(context.Background(), "general", "alice", "m", "")

		ids = append(ids, message.ID)
	}
	ft.clearFrames()

	t.Run("load_recent returns the newest messages", func(t *testing.T) {
		_ = ft.dispatch(pushFrame("chat:general", opLoadRecent, "r1", loadRecentParams{Limit: 3}))

		waitFor(t, 2*time.Second, func() bool {
			for _, frame := range ft.sentFrames() {
				if frame.Type == frameOK && frame.Ref == "r1" {
					return true
				}
			}
			return false
		})

		var payload messageListPayload
		for _, frame := range ft.sentFrames() {
			if frame.Type == frameOK && frame.Ref == "r1" {
				decodePayload(t, frame, &payload)
			}
		}
		if len(payload.Messages) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(payload.Messages))
		}
		if payload.Messages[2].ID != ids[4] {
			t.Error("expected the newest message last")
		}
	})

	t.Run("load_older pages before a message", func(t *testing.T) {
		ft.clearFrames()

		_ = ft.dispatch(pushFrame("chat:general", opLoadOlder, "r2", loadOlderParams{BeforeID: ids[2], Limit: 2}))

		waitFor(t, 2*time.Second, func() bool {
			for _, frame := range ft.sentFrames() {
				if frame.Type == frameOK && frame.Ref == "r2" {
					return true
				}
			}
			return false
		})

		var payload messageListPayload
		for _, frame := range ft.sentFrames() {
			if frame.Type == frameOK && frame.Ref == "r2" {
				decodePayload(t, frame, &payload)
			}
		}
		if len(payload.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(payload.Messages))
		}
		if payload.Messages[0].ID != ids[0] || payload.Messages[1].ID != ids[1] {
			t.Error("expected the two messages preceding the cursor")
		}
	})
}

func TestWorkerOrdering(t *testing.T) {
	hub, messageStore := newTestHub(t, nil)

	sender := newFakeTransport("conn-sender")

	receiver := newFakeTransport("conn-receiver")

	joinTopic(t, hub, sender, "alice", "chat:general")

	joinTopic(t, hub, receiver, "bob", "chat:general")

	seeded, _ := messageStore.CreateMessage(context.Background(), "general", "alice", "seed", "")

	receiver.clearFrames()

	_ = sender.dispatch(pushFrame("chat:general", opSendMessage, "r1", sendMessageParams{Content: "first"}))

	_ = sender.dispatch(pushFrame("chat:general", opEditMessage, "r2", editMessageParams{MessageID: seeded.ID, Content: "second"}))

	waitFor(t, 2*time.Second, func() bool {
		return len(receiver.framesNamed(evNewMessage)) == 1 && len(receiver.framesNamed(evMessageUpdated)) == 1
	})

	sawSend := false

	for _, frame := range receiver.sentFrames() {
		if frame.Type != frameEvent {
			continue
		}
		if frame.Event == evNewMessage {
			sawSend = true
		}
		if frame.Event == evMessageUpdated && !sawSend {
			t.Fatal("observed message_updated before new_message from the same publisher")
		}
	}
}

func TestWorkerMalformedInput(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	ft := newFakeTransport("conn-1")

	joinTopic(t, hub, ft, "alice", "chat:general")

	t.Run("malformed payload does not kill the worker", func(t *testing.T) {
		_ = ft.dispatch(Frame{
			Type:    framePush,
			Topic:   "chat:general",
			Event:   opSendMessage,
			Payload: json.RawMessage(`"not an object"`),
			Ref:     "r1",
		})

		waitFor(t, 2*time.Second, func() bool {
			for _, frame := range ft.sentFrames() {
				if frame.Type == frameError && frame.Ref == "r1" {
					return true
				}
			}
			return false
		})

		if hub.Presence("general") == nil {
			t.Fatal("expected the presence entry to survive malformed input")
		}
		ft.clearFrames()

		if err := ft.dispatch(pushFrame("chat:general", opSendMessage, "r2", sendMessageParams{Content: "still alive"})); err != nil {
			t.Fatalf("expected the worker to keep serving, got %v", err)
		}
		waitFor(t, 2*time.Second, func() bool {
			return len(ft.framesNamed(evMessageSent)) == 1
		})
	})

	t.Run("unknown operation is rejected without teardown", func(t *testing.T) {
		ft.clearFrames()

		_ = ft.dispatch(pushFrame("chat:general", "explode", "r3", nil))

		waitFor(t, 2*time.Second, func() bool {
			for _, frame := range ft.sentFrames() {
				if frame.Type == frameError && frame.Ref == "r3" {
					return true
				}
			}
			return false
		})

		if hub.Presence("general") == nil {
			t.Fatal("expected presence to survive an unknown operation")
		}
	})
}

func TestWorkerLeave(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	ft := newFakeTransport("conn-1")

	joinTopic(t, hub, ft, "alice", "chat:general")

	t.Run("leave removes presence and replies ok", func(t *testing.T) {
		if err := ft.dispatch(Frame{Type: frameLeave, Topic: "chat:general", Ref: "l1"}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		waitFor(t, 2*time.Second, func() bool {
			return hub.Presence("general") == nil
		})
	})

	t.Run("leave is idempotent", func(t *testing.T) {
		if err := ft.dispatch(Frame{Type: frameLeave, Topic: "chat:general", Ref: "l2"}); err != nil {
			t.Fatalf("expected leaving twice to be safe, got %v", err)
		}
	})
}

func TestWorkerDisconnectTeardown(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	ft := newFakeTransport("conn-1")

	observer := newFakeTransport("conn-2")

	joinTopic(t, hub, ft, "alice", "chat:general")

	joinTopic(t, hub, observer, "bob", "chat:general")

	observer.clearFrames()

	ft.Close()

	waitFor(t, 2*time.Second, func() bool {
		view := hub.Presence("general")

		return view != nil && len(view["alice"]) == 0
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(observer.framesNamed(evUserLeft)) == 1
	})
}
