package client

import (
	"sync"
	"time"

	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/protocol"
)

// DefaultTypingTimeout clears a partner's typing indicator if no further
// typing signal arrives, guarding against a lost isTyping=false.
const DefaultTypingTimeout = 5 * time.Second

// ConversationView reconciles the three message sources of an open
// conversation — fetched history, optimistic local sends, and pushed realtime
// events — into a single list where every persisted message appears exactly
// once. Optimistic entries carry negative temporary ids until the REST call
// confirms them, at which point the entry is replaced in place so the message
// keeps its position.
type ConversationView struct {
	partnerID identity.ID

	mu            sync.Mutex
	placeholder   bool // opened from a profile before any message exists
	messages      []protocol.Message
	seen          map[int64]struct{} // persisted ids already in the list
	nextTmpID     int64
	partnerTyping bool
	typingTimer   *time.Timer
	typingTimeout time.Duration
}

// NewConversationView creates a view for a conversation with partnerID.
// placeholder marks a conversation that has no persisted history yet.
func NewConversationView(partnerID identity.ID, placeholder bool) *ConversationView {
	return &ConversationView{
		partnerID:     partnerID,
		placeholder:   placeholder,
		seen:          make(map[int64]struct{}),
		nextTmpID:     -1,
		typingTimeout: DefaultTypingTimeout,
	}
}

// PartnerID returns the conversation partner.
func (v *ConversationView) PartnerID() identity.ID {
	return v.partnerID
}

// Placeholder reports whether this conversation has no persisted identity yet.
func (v *ConversationView) Placeholder() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placeholder
}

// Promote marks a placeholder conversation as persisted. Called after the
// first successful send once the server-confirmed conversation list has been
// refetched.
func (v *ConversationView) Promote() {
	v.mu.Lock()
	v.placeholder = false
	v.mu.Unlock()
}

// LoadHistory merges the fetched history into the view. Messages pushed or
// sent while the fetch was in flight are kept: history comes first, then any
// existing entries the history does not already contain. The merge is
// idempotent, so a stale fetch result arriving after newer events cannot
// duplicate anything.
func (v *ConversationView) LoadHistory(history []protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	merged := make([]protocol.Message, 0, len(history)+len(v.messages))
	seen := make(map[int64]struct{}, len(history))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range v.messages {
		if m.ID > 0 {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		merged = append(merged, m)
	}

	v.messages = merged
	v.seen = seen
}

// ApplyIncoming adds a pushed message to the view. Returns false if the
// message id was already present (duplicate delivery), in which case the view
// is unchanged.
func (v *ConversationView) ApplyIncoming(msg protocol.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, dup := v.seen[msg.ID]; dup {
		return false
	}
	v.seen[msg.ID] = struct{}{}
	v.messages = append(v.messages, msg)
	return true
}

// AppendLocal adds an optimistic entry for a message the user just sent and
// returns its temporary id. The entry renders immediately; ConfirmLocal or
// FailLocal resolves it once the REST call finishes.
func (v *ConversationView) AppendLocal(senderID identity.ID, content string, attachments []string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	tmpID := v.nextTmpID
	v.nextTmpID--

	v.messages = append(v.messages, protocol.Message{
		ID:          tmpID,
		SenderID:    senderID,
		ReceiverID:  v.partnerID,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   time.Now().UnixMilli(),
	})
	return tmpID
}

// ConfirmLocal replaces the optimistic entry identified by tmpID with the
// server-confirmed message, in place, so the message keeps its position in
// the list. If the confirmed id somehow already arrived through a push, the
// optimistic entry is dropped instead.
func (v *ConversationView) ConfirmLocal(tmpID int64, confirmed protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := -1
	for i, m := range v.messages {
		if m.ID == tmpID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	if _, dup := v.seen[confirmed.ID]; dup {
		v.messages = append(v.messages[:idx], v.messages[idx+1:]...)
		return
	}
	v.seen[confirmed.ID] = struct{}{}
	v.messages[idx] = confirmed
}

// FailLocal removes the optimistic entry identified by tmpID after a failed
// send.
func (v *ConversationView) FailLocal(tmpID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, m := range v.messages {
		if m.ID == tmpID {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			return
		}
	}
}

// Messages returns a snapshot of the reconciled message list.
func (v *ConversationView) Messages() []protocol.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]protocol.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// SetPartnerTyping updates the partner's typing indicator. A true signal arms
// an inactivity timer that clears the indicator automatically, so a lost
// isTyping=false cannot leave it stuck on.
func (v *ConversationView) SetPartnerTyping(isTyping bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.typingTimer != nil {
		v.typingTimer.Stop()
		v.typingTimer = nil
	}

	v.partnerTyping = isTyping
	if isTyping {
		v.typingTimer = time.AfterFunc(v.typingTimeout, func() {
			v.mu.Lock()
			v.partnerTyping = false
			v.typingTimer = nil
			v.mu.Unlock()
		})
	}
}

// PartnerTyping reports whether the partner's typing indicator is shown.
func (v *ConversationView) PartnerTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.partnerTyping
}

// SetTypingTimeout overrides the typing inactivity timeout.
func (v *ConversationView) SetTypingTimeout(d time.Duration) {
	v.mu.Lock()
	v.typingTimeout = d
	v.mu.Unlock()
}
