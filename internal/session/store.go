// Package session mirrors live realtime connections into Redis. The mirror is
// advisory: the in-process registry is the truth, and every key carries a TTL
// so a crashed server leaves nothing behind but expiring garbage.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loop-social/realtime/internal/identity"
)

const (
	// ConnPrefix is the Redis key prefix for per-connection hashes.
	ConnPrefix = "conn:"

	// OnlineSetKey is the Redis set of currently online user ids.
	OnlineSetKey = "presence:online"

	// ConnTTL is the time-to-live for connection keys. The heartbeat refreshes
	// it; a server crash lets the keys lapse on their own.
	ConnTTL = 5 * time.Minute
)

// ConnSession is the Redis record for one live connection.
type ConnSession struct {
	ID          string `redis:"id"`
	UserID      int64  `redis:"user_id"`
	Server      string `redis:"server"`       // which realtime server instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages connection state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this realtime server instance
}

// NewStore creates a new connection store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create records an authenticated connection in Redis with a TTL.
func (s *Store) Create(ctx context.Context, connID string, userID identity.ID) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":           connID,
		"user_id":      int64(userID),
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*ConnSession, error) {
	key := ConnPrefix + connID
	var sess ConnSession
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Touch refreshes the connection's TTL and last-active timestamp. Called from
// the heartbeat path.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection record from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// SetOnline adds or removes a user from the mirrored online set. It
// implements presence.Mirror.
func (s *Store) SetOnline(ctx context.Context, userID identity.ID, online bool) error {
	if online {
		return s.client.SAdd(ctx, OnlineSetKey, int64(userID)).Err()
	}
	return s.client.SRem(ctx, OnlineSetKey, int64(userID)).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
