package router

import (
	"errors"
	"testing"

	"github.com/loop-social/realtime/internal/protocol"
	"github.com/loop-social/realtime/internal/registry"
)

type fakeConn struct {
	id     string
	writes [][]byte
	fail   bool
}

func (f *fakeConn) ConnID() string { return f.id }

func (f *fakeConn) WriteMessage(data []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, data)
	return nil
}

func received(t *testing.T, c *fakeConn, wantType string) []interface{} {
	t.Helper()
	var msgs []interface{}
	for _, data := range c.writes {
		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if msgType == wantType {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func TestMessageDeliveredToAllReceiverConnections(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil)

	tabA := &fakeConn{id: "tab-a"}
	tabB := &fakeConn{id: "tab-b"}
	other := &fakeConn{id: "other"}
	reg.Register(2, tabA)
	reg.Register(2, tabB)
	reg.Register(3, other)

	r.OnMessageCreated(protocol.Message{ID: 10, SenderID: 1, ReceiverID: 2, Content: "hey"})

	for _, c := range []*fakeConn{tabA, tabB} {
		msgs := received(t, c, protocol.TypeNewMessage)
		if len(msgs) != 1 {
			t.Fatalf("conn %s: expected 1 newMessage, got %d", c.id, len(msgs))
		}
		got := msgs[0].(protocol.NewMessageMsg).Message
		if got.ID != 10 || got.SenderID != 1 || got.Content != "hey" {
			t.Errorf("conn %s: unexpected message %+v", c.id, got)
		}
	}

	if msgs := received(t, other, protocol.TypeNewMessage); len(msgs) != 0 {
		t.Errorf("non-receiver got %d messages", len(msgs))
	}
}

func TestOfflineReceiverIsDropped(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil)

	// No connections for user 2: must not panic, nothing to assert beyond
	// the call returning.
	r.OnMessageCreated(protocol.Message{ID: 1, SenderID: 1, ReceiverID: 2})
}

func TestFailedWriteDoesNotBlockOthers(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil)

	dead := &fakeConn{id: "dead", fail: true}
	live := &fakeConn{id: "live"}
	reg.Register(2, dead)
	reg.Register(2, live)

	r.OnMessageCreated(protocol.Message{ID: 5, SenderID: 1, ReceiverID: 2})

	if msgs := received(t, live, protocol.TypeNewMessage); len(msgs) != 1 {
		t.Fatalf("live connection expected 1 message, got %d", len(msgs))
	}
}

func TestTypingForwardedToJoinedPartnerOnly(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil)

	partner := &fakeConn{id: "partner"}
	bystander := &fakeConn{id: "bystander"}
	reg.Register(2, partner)
	reg.Register(3, bystander)

	r.JoinChat("sender-conn", 2)
	r.OnTyping("sender-conn", 1, 2, true)

	msgs := received(t, partner, protocol.TypeDisplayTyping)
	if len(msgs) != 1 {
		t.Fatalf("partner expected 1 displayTyping, got %d", len(msgs))
	}
	typing := msgs[0].(protocol.DisplayTypingMsg)
	if typing.UserID != 1 || !typing.IsTyping {
		t.Errorf("unexpected typing payload %+v", typing)
	}

	if msgs := received(t, bystander, protocol.TypeDisplayTyping); len(msgs) != 0 {
		t.Errorf("bystander got %d typing events", len(msgs))
	}
}

func TestTypingRejectedWithoutJoin(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil)

	partner := &fakeConn{id: "partner"}
	reg.Register(2, partner)

	// Never joined: discarded.
	r.OnTyping("sender-conn", 1, 2, true)
	if msgs := received(t, partner, protocol.TypeDisplayTyping); len(msgs) != 0 {
		t.Fatalf("expected no typing delivery, got %d", len(msgs))
	}

	// Joined a different partner: still discarded.
	r.JoinChat("sender-conn", 9)
	r.OnTyping("sender-conn", 1, 2, true)
	if msgs := received(t, partner, protocol.TypeDisplayTyping); len(msgs) != 0 {
		t.Fatalf("expected no typing delivery after mismatched join, got %d", len(msgs))
	}
}

func TestLeaveClearsJoinedConversation(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil)

	r.JoinChat("c1", 2)
	if _, ok := r.Joined("c1"); !ok {
		t.Fatal("expected join to be recorded")
	}

	r.Leave("c1")
	if _, ok := r.Joined("c1"); ok {
		t.Fatal("expected join to be cleared on leave")
	}
}

func TestNotificationDeliveredToRecipient(t *testing.T) {
	reg := registry.New()
	r := New(reg, nil)

	recipient := &fakeConn{id: "r"}
	reg.Register(4, recipient)

	r.OnNotificationCreated(4, protocol.Notification{ID: 77, Type: "friend_request", FromUser: 1})

	msgs := received(t, recipient, protocol.TypeNewNotification)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 newNotification, got %d", len(msgs))
	}
	n := msgs[0].(protocol.NewNotificationMsg).Notification
	if n.ID != 77 || n.Type != "friend_request" || n.FromUser != 1 {
		t.Errorf("unexpected notification %+v", n)
	}
}
