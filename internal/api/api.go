// Package api implements the messaging REST service. It is the persistence
// entry point for direct messages and notifications: handlers write to
// PostgreSQL first, then publish a created event on NATS so the realtime
// servers can push to any connected recipients. Publishing is fire-and-forget;
// a recipient with no open connection simply picks the change up from the
// authoritative unread counts on its next fetch.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"github.com/loop-social/realtime/internal/auth"
	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/messaging"
	"github.com/loop-social/realtime/internal/store"
)

// Publisher is the subset of the NATS client the API needs. Split out so
// handler tests can record events without a running broker.
type Publisher interface {
	PublishMessageCreated(data []byte) error
	PublishNotificationCreated(data []byte) error
}

// Server holds the REST handlers and their collaborators.
type Server struct {
	store     *store.Store
	publisher Publisher
	verifier  *auth.Verifier
}

// NewServer creates the REST server. publisher may be nil, which disables
// realtime fanout (messages are still persisted).
func NewServer(st *store.Store, publisher Publisher, verifier *auth.Verifier) *Server {
	return &Server{store: st, publisher: publisher, verifier: verifier}
}

type contextKey string

const userIDKey contextKey = "userID"

// maxContentBytes caps a single message body. Attachments are URLs and are
// not counted against it.
const maxContentBytes = 8 << 10

// Register mounts all routes on the given router.
func (s *Server) Register(router *mux.Router) {
	router.HandleFunc("/messages/unread", s.requireAuth(s.handleUnread)).Methods(http.MethodGet)
	router.HandleFunc("/messages/conversations", s.requireAuth(s.handleConversations)).Methods(http.MethodGet)
	router.HandleFunc("/messages/{userId}", s.requireAuth(s.handleConversation)).Methods(http.MethodGet)
	router.HandleFunc("/messages/{userId}/read", s.requireAuth(s.handleMarkConversationRead)).Methods(http.MethodPost)
	router.HandleFunc("/messages", s.requireAuth(s.handleCreateMessage)).Methods(http.MethodPost)
	router.HandleFunc("/notifications", s.requireAuth(s.handleNotifications)).Methods(http.MethodGet)
	router.HandleFunc("/notifications", s.requireAuth(s.handleCreateNotification)).Methods(http.MethodPost)
	router.HandleFunc("/notifications/read", s.requireAuth(s.handleMarkNotificationsRead)).Methods(http.MethodPost)
}

// requireAuth verifies the request's JWT and stores the caller's user id in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.verifier.VerifyRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// callerID returns the authenticated user id placed in the context by
// requireAuth.
func callerID(r *http.Request) identity.ID {
	id, _ := r.Context().Value(userIDKey).(identity.ID)
	return id
}

// pathUserID parses the {userId} path variable.
func pathUserID(r *http.Request) (identity.ID, error) {
	return identity.Parse(mux.Vars(r)["userId"])
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Unread(r.Context(), callerID(r))
	if err != nil {
		log.Printf("api: unread counts for %s: %v", callerID(r), err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.Conversations(r.Context(), callerID(r))
	if err != nil {
		log.Printf("api: conversations for %s: %v", callerID(r), err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	partnerID, err := pathUserID(r)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	messages, err := s.store.Conversation(r.Context(), callerID(r), partnerID)
	if err != nil {
		log.Printf("api: conversation %s<->%s: %v", callerID(r), partnerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	partnerID, err := pathUserID(r)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	n, err := s.store.MarkConversationRead(r.Context(), callerID(r), partnerID)
	if err != nil {
		log.Printf("api: mark conversation read %s<-%s: %v", callerID(r), partnerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// createMessageRequest is the POST /messages body. Attachments are URLs the
// upload service already produced; this service never touches file bytes.
type createMessageRequest struct {
	ReceiverID  identity.ID `json:"receiverId"`
	Content     string      `json:"content"`
	Attachments []string    `json:"attachments"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ReceiverID <= 0 {
		http.Error(w, "receiverId is required", http.StatusBadRequest)
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		http.Error(w, "message must have content or attachments", http.StatusBadRequest)
		return
	}
	if len(req.Content) > maxContentBytes {
		http.Error(w, "message content too long", http.StatusBadRequest)
		return
	}
	if !utf8.ValidString(req.Content) {
		http.Error(w, "message content must be valid UTF-8", http.StatusBadRequest)
		return
	}

	senderID := callerID(r)
	msg, err := s.store.CreateMessage(r.Context(), senderID, req.ReceiverID, req.Content, req.Attachments)
	if err != nil {
		log.Printf("api: create message %s->%s: %v", senderID, req.ReceiverID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Fanout is best effort: the message is already durable, so a publish
	// failure only delays the receiver until its next unread fetch.
	if s.publisher != nil {
		event, err := json.Marshal(messaging.MessageCreatedEvent{Message: *msg})
		if err != nil {
			log.Printf("api: marshal message event id=%d: %v", msg.ID, err)
		} else if err := s.publisher.PublishMessageCreated(event); err != nil {
			log.Printf("api: publish message event id=%d: %v", msg.ID, err)
		}
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := s.store.Notifications(r.Context(), callerID(r))
	if err != nil {
		log.Printf("api: notifications for %s: %v", callerID(r), err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

// createNotificationRequest is the POST /notifications body. The caller is the
// acting user; recipientId names who should be notified.
type createNotificationRequest struct {
	RecipientID identity.ID `json:"recipientId"`
	Type        string      `json:"notificationType"`
	Message     string      `json:"message"`
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RecipientID <= 0 || req.Type == "" {
		http.Error(w, "recipientId and notificationType are required", http.StatusBadRequest)
		return
	}

	fromUser := callerID(r)
	n, err := s.store.CreateNotification(r.Context(), req.RecipientID, fromUser, req.Type, req.Message)
	if err != nil {
		log.Printf("api: create notification %s->%s: %v", fromUser, req.RecipientID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if s.publisher != nil {
		event, err := json.Marshal(messaging.NotificationCreatedEvent{
			RecipientID:  req.RecipientID,
			Notification: *n,
		})
		if err != nil {
			log.Printf("api: marshal notification event id=%d: %v", n.ID, err)
		} else if err := s.publisher.PublishNotificationCreated(event); err != nil {
			log.Printf("api: publish notification event id=%d: %v", n.ID, err)
		}
	}

	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkNotificationsRead(r.Context(), callerID(r)); err != nil {
		log.Printf("api: mark notifications read %s: %v", callerID(r), err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
