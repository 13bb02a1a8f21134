package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/models"
)

// SessionManager issues and validates opaque admin session tokens.
// Tokens are stored server-side and expire after the configured TTL;
// logout revokes immediately.
type SessionManager struct {
	store store.Store
	ttl   time.Duration
}

// NewSessionManager creates a session manager.
func NewSessionManager(s store.Store, ttl time.Duration) *SessionManager {
	return &SessionManager{store: s, ttl: ttl}
}

// Login verifies credentials and creates a session. The IP allowlist of
// API keys deliberately does not apply here.
func (sm *SessionManager) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	user, err := sm.store.GetUserByUsername(ctx, username)
	if err != nil {
		if store.IsNotFound(err) {
			// Burn a comparison anyway so missing users cost the same.
			VerifyPassword("$2a$10$0000000000000000000000000000000000000000000000000000", password)
			return "", nil, Errf(ReasonInvalidCredentials)
		}
		return "", nil, fmt.Errorf("user lookup: %w", err)
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return "", nil, Errf(ReasonInvalidCredentials)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("mint session: %w", err)
	}
	token := hex.EncodeToString(raw)
	now := time.Now().UTC()
	sess := &models.Session{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: now.Add(sm.ttl),
		CreatedAt: now,
	}
	if err := sm.store.CreateSession(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	log.Info().Str("user", user.Username).Msg("admin session created")
	return token, user, nil
}

// Validate resolves a session token to its user, rejecting expired ones.
func (sm *SessionManager) Validate(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, Errf(ReasonMissingCredentials)
	}
	sess, err := sm.store.GetSession(ctx, token)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, Errf(ReasonInvalidCredentials)
		}
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		_ = sm.store.DeleteSession(ctx, token)
		return nil, Errf(ReasonExpired)
	}
	user, err := sm.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, Errf(ReasonInvalidCredentials)
	}
	return user, nil
}

// Logout revokes a session token.
func (sm *SessionManager) Logout(ctx context.Context, token string) error {
	return sm.store.DeleteSession(ctx, token)
}

// Janitor prunes expired sessions every interval until ctx is done.
// Run it as a long-lived goroutine owned by the process root.
func (sm *SessionManager) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sm.store.DeleteExpiredSessions(ctx, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("session janitor sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("pruned", n).Msg("expired sessions pruned")
			}
		}
	}
}

// Bootstrap seeds the first admin user when the users table is empty.
// With no password configured it logs a warning and does nothing.
func Bootstrap(ctx context.Context, s store.Store, username, password string) error {
	n, err := s.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil
	}
	if password == "" {
		log.Warn().Msg("no users exist and CORTEX_BOOTSTRAP_PASSWORD is unset; admin API is unreachable")
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	log.Info().Str("user", username).Msg("bootstrap admin user created")
	return nil
}
