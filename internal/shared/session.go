package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionManager reads cookie based sessions backed by Redis. Sessions are
// created by the CRM login flow; the billing engine only consumes them to
// authenticate the manual trigger and dashboard endpoints.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
}

// Session holds per-request session data.
type Session struct {
	ID     string
	userID string
}

type sessionPayload struct {
	UserID string `json:"user_id"`
}

// NewSession builds a session for the given user, used by tests and seeds.
func NewSession(id, userID string) *Session {
	return &Session{ID: id, userID: userID}
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, ttl time.Duration) *SessionManager {
	return &SessionManager{client: client, cookieName: cookieName, ttl: ttl}
}

// Load resolves the session for the request. A missing or expired cookie
// yields a nil session, not an error.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return nil, nil
		}
		return nil, err
	}

	payload, err := sm.client.Get(ctx, sm.redisKey(cookie.Value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}
	return &Session{ID: cookie.Value, userID: stored.UserID}, nil
}

// Store persists a session record, used by seeds and tests.
func (sm *SessionManager) Store(ctx context.Context, id, userID string) error {
	data, err := json.Marshal(sessionPayload{UserID: userID})
	if err != nil {
		return err
	}
	return sm.client.Set(ctx, sm.redisKey(id), data, sm.ttl).Err()
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// User returns the authenticated user ID, empty for anonymous sessions.
func (s *Session) User() string {
	if s == nil {
		return ""
	}
	return s.userID
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}
