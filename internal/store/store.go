// Package store provides PostgreSQL-backed persistence for direct messages and
// notifications. It is the source of truth the realtime layer pushes from: the
// REST handlers insert here first, then hand the persisted row to the event
// router. Schema migrations are embedded and applied at startup.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// Migrate applies all pending embedded schema migrations to the database.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Store manages messages and notifications in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UnreadCounts holds the authoritative unread counters for one user.
type UnreadCounts struct {
	Messages      int `json:"messages"`
	Notifications int `json:"notifications"`
}

// ConversationSummary is one entry in a user's conversation list: the partner,
// the most recent message exchanged, and how many messages from that partner
// remain unread.
type ConversationSummary struct {
	PartnerID   identity.ID      `json:"partnerId"`
	LastMessage protocol.Message `json:"lastMessage"`
	Unread      int              `json:"unread"`
}

// CreateMessage persists a direct message and returns the stored row with its
// server-assigned id and timestamp. Attachments are stored as JSONB.
func (s *Store) CreateMessage(ctx context.Context, senderID, receiverID identity.ID, content string, attachments []string) (*protocol.Message, error) {
	var attachmentsJSON []byte
	if len(attachments) > 0 {
		var err error
		attachmentsJSON, err = json.Marshal(attachments)
		if err != nil {
			return nil, fmt.Errorf("store: marshal attachments: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (sender_id, receiver_id, content, attachments)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	var (
		id        int64
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, int64(senderID), int64(receiverID), content, attachmentsJSON).
		Scan(&id, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}

	return &protocol.Message{
		ID:          id,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   createdAt.UnixMilli(),
	}, nil
}

// Conversation returns the full message history between two users, oldest
// first.
func (s *Store) Conversation(ctx context.Context, userID, partnerID identity.ID) ([]protocol.Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, attachments, is_read, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, int64(userID), int64(partnerID))
	if err != nil {
		return nil, fmt.Errorf("store: query conversation: %w", err)
	}
	defer rows.Close()

	messages := make([]protocol.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversation rows: %w", err)
	}
	return messages, nil
}

// Conversations returns one summary per conversation partner for the given
// user, most recently active first.
func (s *Store) Conversations(ctx context.Context, userID identity.ID) ([]ConversationSummary, error) {
	// For each partner, pick the latest message and count that partner's
	// unread messages addressed to this user.
	const query = `
		SELECT DISTINCT ON (partner_id)
			partner_id, id, sender_id, receiver_id, content, attachments, is_read, created_at,
			(SELECT COUNT(*) FROM messages u
			 WHERE u.sender_id = partner_id AND u.receiver_id = $1 AND NOT u.is_read) AS unread
		FROM (
			SELECT *,
				CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS partner_id
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
		) conv
		ORDER BY partner_id, created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, int64(userID))
	if err != nil {
		return nil, fmt.Errorf("store: query conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			partnerID       int64
			m               protocol.Message
			senderID        int64
			receiverID      int64
			attachmentsJSON []byte
			createdAt       time.Time
			unread          int
		)
		if err := rows.Scan(&partnerID, &m.ID, &senderID, &receiverID, &m.Content,
			&attachmentsJSON, &m.IsRead, &createdAt, &unread); err != nil {
			return nil, fmt.Errorf("store: scan conversation summary: %w", err)
		}
		m.SenderID = identity.ID(senderID)
		m.ReceiverID = identity.ID(receiverID)
		m.CreatedAt = createdAt.UnixMilli()
		if len(attachmentsJSON) > 0 {
			if err := json.Unmarshal(attachmentsJSON, &m.Attachments); err != nil {
				return nil, fmt.Errorf("store: unmarshal attachments: %w", err)
			}
		}
		summaries = append(summaries, ConversationSummary{
			PartnerID:   identity.ID(partnerID),
			LastMessage: m,
			Unread:      unread,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversations rows: %w", err)
	}

	// Most recently active first.
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastMessage.CreatedAt > summaries[j].LastMessage.CreatedAt
	})
	return summaries, nil
}

// MarkConversationRead marks every message from partnerID to userID as read.
// Returns the number of messages updated.
func (s *Store) MarkConversationRead(ctx context.Context, userID, partnerID identity.ID) (int64, error) {
	const query = `
		UPDATE messages SET is_read = TRUE
		WHERE receiver_id = $1 AND sender_id = $2 AND NOT is_read`

	res, err := s.db.ExecContext(ctx, query, int64(userID), int64(partnerID))
	if err != nil {
		return 0, fmt.Errorf("store: mark conversation read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return n, nil
}

// Unread returns the authoritative unread message and notification counts for
// a user. Clients fetch this on every reconnect to correct local drift.
func (s *Store) Unread(ctx context.Context, userID identity.ID) (UnreadCounts, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND NOT is_read),
			(SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT is_read)`

	var counts UnreadCounts
	err := s.db.QueryRowContext(ctx, query, int64(userID)).
		Scan(&counts.Messages, &counts.Notifications)
	if err != nil {
		return UnreadCounts{}, fmt.Errorf("store: unread counts: %w", err)
	}
	return counts, nil
}

// CreateNotification persists a notification for recipientID and returns the
// stored row with its server-assigned id and timestamp.
func (s *Store) CreateNotification(ctx context.Context, recipientID, fromUser identity.ID, notifType, message string) (*protocol.Notification, error) {
	const query = `
		INSERT INTO notifications (recipient_id, from_user_id, notification_type, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	var (
		id        int64
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, int64(recipientID), int64(fromUser), notifType, message).
		Scan(&id, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert notification: %w", err)
	}

	return &protocol.Notification{
		ID:        id,
		Type:      notifType,
		Message:   message,
		FromUser:  fromUser,
		CreatedAt: createdAt.UnixMilli(),
	}, nil
}

// Notifications returns all notifications for a user, newest first.
func (s *Store) Notifications(ctx context.Context, userID identity.ID) ([]protocol.Notification, error) {
	const query = `
		SELECT id, notification_type, message, from_user_id, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, int64(userID))
	if err != nil {
		return nil, fmt.Errorf("store: query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]protocol.Notification, 0)
	for rows.Next() {
		var (
			n         protocol.Notification
			fromUser  int64
			createdAt time.Time
		)
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &fromUser, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		n.FromUser = identity.ID(fromUser)
		n.CreatedAt = createdAt.UnixMilli()
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: notifications rows: %w", err)
	}
	return notifications, nil
}

// MarkNotificationsRead marks all of a user's notifications as read.
func (s *Store) MarkNotificationsRead(ctx context.Context, userID identity.ID) error {
	const query = `
		UPDATE notifications SET is_read = TRUE
		WHERE recipient_id = $1 AND NOT is_read`

	if _, err := s.db.ExecContext(ctx, query, int64(userID)); err != nil {
		return fmt.Errorf("store: mark notifications read: %w", err)
	}
	return nil
}

// scanMessage reads one messages row into a protocol.Message.
func scanMessage(rows *sql.Rows) (protocol.Message, error) {
	var (
		m               protocol.Message
		senderID        int64
		receiverID      int64
		attachmentsJSON []byte
		createdAt       time.Time
	)
	if err := rows.Scan(&m.ID, &senderID, &receiverID, &m.Content,
		&attachmentsJSON, &m.IsRead, &createdAt); err != nil {
		return protocol.Message{}, fmt.Errorf("store: scan message: %w", err)
	}
	m.SenderID = identity.ID(senderID)
	m.ReceiverID = identity.ID(receiverID)
	m.CreatedAt = createdAt.UnixMilli()
	if len(attachmentsJSON) > 0 {
		if err := json.Unmarshal(attachmentsJSON, &m.Attachments); err != nil {
			return protocol.Message{}, fmt.Errorf("store: unmarshal attachments: %w", err)
		}
	}
	return m, nil
}
