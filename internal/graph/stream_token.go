package graph

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrStreamTokenInvalid is returned for unknown, expired, or mis-scoped tokens
var ErrStreamTokenInvalid = errors.New("stream token invalid or expired")

// StreamTokenStore issues and validates event-stream tokens. Each token is
// scoped to exactly one enrollment and expires with it; a request without a
// valid token is rejected before any event is emitted.
type StreamTokenStore struct {
	rdb *redis.Client
}

// NewStreamTokenStore creates a stream token store
func NewStreamTokenStore(rdb *redis.Client) *StreamTokenStore {
	return &StreamTokenStore{rdb: rdb}
}

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func tokenKey(token string) string {
	return fmt.Sprintf("stream:token:%s", token)
}

func enrollmentKey(enrollmentID string) string {
	return fmt.Sprintf("stream:enrollment:%s", enrollmentID)
}

// Create issues a token scoped to one enrollment with the enrollment's TTL
func (s *StreamTokenStore) Create(ctx context.Context, enrollmentID string, ttl time.Duration) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate stream token: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, tokenKey(token), enrollmentID, ttl)
	// Reverse index so a revocation cascade can invalidate the token early
	pipe.Set(ctx, enrollmentKey(enrollmentID), token, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store stream token: %w", err)
	}

	return token, nil
}

// Validate checks the token and its enrollment scope without consuming it,
// so a stream may reconnect while the enrollment is alive
func (s *StreamTokenStore) Validate(ctx context.Context, token, enrollmentID string) error {
	val, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return ErrStreamTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to look up stream token: %w", err)
	}

	if val != enrollmentID {
		// Token exists but is scoped to a different enrollment
		return ErrStreamTokenInvalid
	}

	return nil
}

// Invalidate removes the enrollment's token ahead of its TTL, used by the
// revocation cascade
func (s *StreamTokenStore) Invalidate(ctx context.Context, enrollmentID string) error {
	token, err := s.rdb.Get(ctx, enrollmentKey(enrollmentID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up stream token: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, tokenKey(token))
	pipe.Del(ctx, enrollmentKey(enrollmentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate stream token: %w", err)
	}
	return nil
}
