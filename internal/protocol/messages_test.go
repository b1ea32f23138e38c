package protocol

import (
	"encoding/json"
	"testing"

	"github.com/loop-social/realtime/internal/identity"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid typing event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","conversationId":42,"isTyping":true}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if tm.ConversationID != 42 {
		t.Errorf("expected conversationId 42, got %d", tm.ConversationID)
	}
	if !tm.IsTyping {
		t.Error("expected isTyping true")
	}
}

// The browser client serializes ids it read from REST responses, which may
// arrive as strings. The parser must accept both forms.
func TestParseClientMessage_StringIDs(t *testing.T) {
	input := []byte(`{"type":"joinChat","partnerId":"17"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinChat {
		t.Fatalf("expected type %q, got %q", TypeJoinChat, msgType)
	}

	jm, ok := msg.(JoinChatMsg)
	if !ok {
		t.Fatalf("expected JoinChatMsg, got %T", msg)
	}
	if jm.PartnerID != 17 {
		t.Errorf("expected partnerId 17, got %d", jm.PartnerID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a newMessage server event
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	payload := NewMessageMsg{
		Message: Message{
			ID:         101,
			SenderID:   1,
			ReceiverID: 2,
			Content:    "hello",
			CreatedAt:  1700000000000,
		},
	}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}

	inner, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message to be an object, got %T", result["message"])
	}
	if inner["id"] != float64(101) {
		t.Errorf("expected id 101, got %v", inner["id"])
	}
	if inner["senderId"] != float64(1) {
		t.Errorf("expected senderId 1, got %v", inner["senderId"])
	}
	if inner["content"] != "hello" {
		t.Errorf("expected content %q, got %v", "hello", inner["content"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown event type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown event type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// Server-only events must not be accepted from clients.
func TestParseClientMessage_RejectsServerTypes(t *testing.T) {
	input := []byte(`{"type":"userStatusUpdate","userId":1,"status":"online"}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for server-only event type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_ServerMessage(t *testing.T) {
	original := UserStatusUpdateMsg{
		UserID: 7,
		Status: StatusOffline,
	}

	data, err := NewServerMessage(TypeUserStatusUpdate, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeUserStatusUpdate {
		t.Fatalf("expected type %q, got %q", TypeUserStatusUpdate, msgType)
	}

	decoded, ok := msg.(UserStatusUpdateMsg)
	if !ok {
		t.Fatalf("expected UserStatusUpdateMsg, got %T", msg)
	}
	if decoded.UserID != original.UserID {
		t.Errorf("userId mismatch: expected %d, got %d", original.UserID, decoded.UserID)
	}
	if decoded.Status != original.Status {
		t.Errorf("status mismatch: expected %q, got %q", original.Status, decoded.Status)
	}
}

func TestRoundTrip_InitialOnlineUsers(t *testing.T) {
	original := InitialOnlineUsersMsg{Users: []identity.ID{1, 5, 9}}

	data, err := NewServerMessage(TypeInitialOnlineUsers, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	_, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, ok := msg.(InitialOnlineUsersMsg)
	if !ok {
		t.Fatalf("expected InitialOnlineUsersMsg, got %T", msg)
	}
	if len(decoded.Users) != len(original.Users) {
		t.Fatalf("users length mismatch: expected %d, got %d", len(original.Users), len(decoded.Users))
	}
	for i := range original.Users {
		if decoded.Users[i] != original.Users[i] {
			t.Errorf("users[%d] mismatch: expected %d, got %d", i, original.Users[i], decoded.Users[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"auth", `{"type":"auth","token":"abc"}`, TypeAuth},
		{"joinChat", `{"type":"joinChat","partnerId":5}`, TypeJoinChat},
		{"typing", `{"type":"typing","conversationId":5,"isTyping":false}`, TypeTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
