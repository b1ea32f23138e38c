package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/protocol"
)

// fakeAPI is an in-process stand-in for the messages REST service.
type fakeAPI struct {
	ts *httptest.Server

	mu             sync.Mutex
	counts         UnreadCounts
	unreadFetches  int
	conversationsN int32
}

func startFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}

	api.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/messages/unread":
			api.mu.Lock()
			api.unreadFetches++
			counts := api.counts
			api.mu.Unlock()
			json.NewEncoder(w).Encode(counts)

		case r.URL.Path == "/messages/conversations":
			atomic.AddInt32(&api.conversationsN, 1)
			io.WriteString(w, "[]")

		case r.URL.Path == "/messages" && r.Method == http.MethodPost:
			var req struct {
				ReceiverID identity.ID `json:"receiverId"`
				Content    string      `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(protocol.Message{
				ID:         55,
				SenderID:   1,
				ReceiverID: req.ReceiverID,
				Content:    req.Content,
				CreatedAt:  time.Now().UnixMilli(),
			})

		case strings.HasSuffix(r.URL.Path, "/read"):
			io.WriteString(w, `{"updated":0}`)

		default: // conversation history
			io.WriteString(w, "[]")
		}
	}))
	t.Cleanup(api.ts.Close)
	return api
}

func (a *fakeAPI) setCounts(c UnreadCounts) {
	a.mu.Lock()
	a.counts = c
	a.mu.Unlock()
}

func (a *fakeAPI) fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unreadFetches
}

// newTestSession wires a session to an in-memory pipe per expected dial. A nil
// entry in conns makes that dial attempt fail.
func newTestSession(t *testing.T, api *fakeAPI, conns ...net.Conn) (*Session, *int32) {
	t.Helper()

	sess := NewSession(Config{
		UserID:               1,
		WSURL:                "ws://realtime.test/ws",
		APIBaseURL:           api.ts.URL,
		Token:                "test-token",
		MaxReconnectAttempts: 2,
		ReconnectDelay:       5 * time.Millisecond,
	})
	t.Cleanup(func() { sess.Close() })

	var calls int32
	sess.dial = func(ctx context.Context, url string) (net.Conn, error) {
		n := atomic.AddInt32(&calls, 1)
		if int(n) > len(conns) || conns[n-1] == nil {
			return nil, fmt.Errorf("dial refused")
		}
		return conns[n-1], nil
	}
	return sess, &calls
}

// push writes a server event frame onto the fake server's end of the pipe.
func push(t *testing.T, serverEnd net.Conn, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		t.Fatalf("build %s: %v", msgType, err)
	}
	if err := wsutil.WriteServerMessage(serverEnd, ws.OpText, data); err != nil {
		t.Fatalf("push %s: %v", msgType, err)
	}
}

// drain discards everything the client writes so pipe writes never block.
func drain(serverEnd net.Conn) {
	go io.Copy(io.Discard, serverEnd)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPresenceSnapshotAndTransitions(t *testing.T) {
	api := startFakeAPI(t)
	clientEnd, serverEnd := net.Pipe()
	drain(serverEnd)

	sess, _ := newTestSession(t, api, clientEnd)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sess.State().Status != StatusConnected {
		t.Fatalf("expected connected, got %v", sess.State().Status)
	}

	push(t, serverEnd, protocol.TypeInitialOnlineUsers, protocol.InitialOnlineUsersMsg{Users: []identity.ID{1, 3}})
	waitFor(t, func() bool {
		s := sess.State()
		return s.Online[1] && s.Online[3]
	}, "snapshot did not seed the online set")

	push(t, serverEnd, protocol.TypeUserStatusUpdate, protocol.UserStatusUpdateMsg{UserID: 5, Status: protocol.StatusOnline})
	waitFor(t, func() bool { return sess.State().Online[5] }, "user 5 did not come online")

	push(t, serverEnd, protocol.TypeUserStatusUpdate, protocol.UserStatusUpdateMsg{UserID: 3, Status: protocol.StatusOffline})
	waitFor(t, func() bool { return !sess.State().Online[3] }, "user 3 did not go offline")
}

func TestMessageForOpenConversationSkipsCounter(t *testing.T) {
	api := startFakeAPI(t)
	clientEnd, serverEnd := net.Pipe()
	drain(serverEnd)

	sess, _ := newTestSession(t, api, clientEnd)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return api.fetches() > 0 }, "unread fetch never happened")

	view := sess.OpenConversation(2, true)

	push(t, serverEnd, protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: protocol.Message{ID: 9, SenderID: 2, ReceiverID: 1, Content: "hi"},
	})
	waitFor(t, func() bool { return len(view.Messages()) == 1 }, "open view never received the message")

	if got := sess.State().UnreadMessages; got != 0 {
		t.Errorf("open conversation must not touch the counter, got %d", got)
	}
	select {
	case toast := <-sess.Toasts():
		t.Errorf("open conversation must not toast, got %+v", toast)
	default:
	}

	// Duplicate delivery renders once.
	push(t, serverEnd, protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: protocol.Message{ID: 9, SenderID: 2, ReceiverID: 1, Content: "hi"},
	})
	time.Sleep(20 * time.Millisecond)
	if got := len(view.Messages()); got != 1 {
		t.Errorf("expected exactly one rendering, got %d", got)
	}
}

func TestMessageElsewhereIncrementsAndToasts(t *testing.T) {
	api := startFakeAPI(t)
	clientEnd, serverEnd := net.Pipe()
	drain(serverEnd)

	sess, _ := newTestSession(t, api, clientEnd)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return api.fetches() > 0 }, "unread fetch never happened")

	push(t, serverEnd, protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: protocol.Message{ID: 9, SenderID: 4, ReceiverID: 1, Content: "psst"},
	})
	waitFor(t, func() bool { return sess.State().UnreadMessages == 1 }, "unread counter did not increment")

	select {
	case toast := <-sess.Toasts():
		if toast.Kind != "message" || toast.From != 4 {
			t.Errorf("wrong toast: %+v", toast)
		}
	case <-time.After(time.Second):
		t.Error("expected a toast")
	}

	// Navigating to the messages view resets the counter.
	sess.MarkMessagesViewed()
	if got := sess.State().UnreadMessages; got != 0 {
		t.Errorf("expected counter reset, got %d", got)
	}
}

func TestNotificationAlwaysCountsAndToasts(t *testing.T) {
	api := startFakeAPI(t)
	clientEnd, serverEnd := net.Pipe()
	drain(serverEnd)

	sess, _ := newTestSession(t, api, clientEnd)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return api.fetches() > 0 }, "unread fetch never happened")

	// Even with a conversation open, notifications count.
	sess.OpenConversation(2, true)

	push(t, serverEnd, protocol.TypeNewNotification, protocol.NewNotificationMsg{
		Notification: protocol.Notification{ID: 3, Type: "friend_request", FromUser: 7},
	})
	waitFor(t, func() bool { return sess.State().UnreadNotifications == 1 }, "notification counter did not increment")

	select {
	case toast := <-sess.Toasts():
		if toast.Kind != "notification" || toast.From != 7 {
			t.Errorf("wrong toast: %+v", toast)
		}
	case <-time.After(time.Second):
		t.Error("expected a toast")
	}
}

func TestTypingRoutedToMatchingConversationOnly(t *testing.T) {
	api := startFakeAPI(t)
	clientEnd, serverEnd := net.Pipe()
	drain(serverEnd)

	sess, _ := newTestSession(t, api, clientEnd)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	view := sess.OpenConversation(2, true)

	push(t, serverEnd, protocol.TypeDisplayTyping, protocol.DisplayTypingMsg{UserID: 2, IsTyping: true})
	waitFor(t, func() bool { return view.PartnerTyping() }, "typing indicator never shown")

	// Typing from someone else must not reach this view.
	push(t, serverEnd, protocol.TypeDisplayTyping, protocol.DisplayTypingMsg{UserID: 9, IsTyping: false})
	time.Sleep(20 * time.Millisecond)
	if !view.PartnerTyping() {
		t.Error("unrelated typing event cleared the indicator")
	}
}

func TestReconnectCorrectsCounterDrift(t *testing.T) {
	api := startFakeAPI(t)
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	drain(server1)
	drain(server2)

	sess, _ := newTestSession(t, api, client1, client2)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return api.fetches() == 1 }, "initial unread fetch never happened")

	// Two messages land server-side while we are about to lose the link.
	api.setCounts(UnreadCounts{Messages: 2, Notifications: 1})
	server1.Close()

	waitFor(t, func() bool { return sess.State().Status == StatusConnected && api.fetches() >= 2 },
		"session did not reconnect")
	waitFor(t, func() bool {
		s := sess.State()
		return s.UnreadMessages == 2 && s.UnreadNotifications == 1
	}, "authoritative fetch did not correct the counters")
}

func TestReconnectExhaustionStaysDisconnected(t *testing.T) {
	api := startFakeAPI(t)
	clientEnd, serverEnd := net.Pipe()
	drain(serverEnd)

	// Only the first dial succeeds; both retry attempts fail.
	sess, calls := newTestSession(t, api, clientEnd)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	serverEnd.Close()
	waitFor(t, func() bool { return atomic.LoadInt32(calls) == 3 }, "expected 2 retry attempts")
	waitFor(t, func() bool { return sess.State().Status == StatusDisconnected }, "expected disconnected state")

	// No further attempts beyond the bound.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("expected no attempts beyond the bound, got %d dials", got)
	}
}

func TestSendMessageOptimisticFlow(t *testing.T) {
	api := startFakeAPI(t)
	clientEnd, serverEnd := net.Pipe()
	drain(serverEnd)

	sess, _ := newTestSession(t, api, clientEnd)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Conversation opened from a profile, no history yet.
	view := sess.OpenConversation(2, true)

	msg, err := sess.SendMessage(context.Background(), "first ever", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != 55 {
		t.Fatalf("expected confirmed id 55, got %d", msg.ID)
	}

	msgs := view.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != 55 {
		t.Errorf("optimistic entry was not replaced, id %d", msgs[0].ID)
	}

	// First send promotes the placeholder via a conversation list refetch.
	if view.Placeholder() {
		t.Error("expected promoted conversation")
	}
	if atomic.LoadInt32(&api.conversationsN) != 1 {
		t.Errorf("expected 1 conversation list refetch, got %d", atomic.LoadInt32(&api.conversationsN))
	}
}

func TestCounterViewedResetsOnlyItsCounter(t *testing.T) {
	st := State{UnreadMessages: 3, UnreadNotifications: 2}

	st = reduce(st, Event{Kind: EventCounterViewed, Counter: CounterMessages})
	if st.UnreadMessages != 0 {
		t.Errorf("expected message counter reset, got %d", st.UnreadMessages)
	}
	if st.UnreadNotifications != 2 {
		t.Errorf("notification counter changed, got %d", st.UnreadNotifications)
	}

	st = reduce(st, Event{Kind: EventCounterViewed, Counter: CounterNotifications})
	if st.UnreadNotifications != 0 {
		t.Errorf("expected notification counter reset, got %d", st.UnreadNotifications)
	}
}
