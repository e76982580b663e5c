package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionHeader lets API clients present the session id without cookies.
const SessionHeader = "X-Session-ID"

// SessionManager orchestrates sessions backed by Redis. Sessions are created
// by the login collaborator; this service only reads them and refreshes TTL.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Session holds the authenticated identity for a request.
type Session struct {
	ID        string
	UserID    int64
	Role      string
	StoreID   int64
	IssuedAt  time.Time
	destroyed bool
}

type sessionPayload struct {
	UserID   int64     `json:"user_id"`
	Role     string    `json:"role"`
	StoreID  int64     `json:"store_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
	}
}

// Authenticated reports whether the session carries a user.
func (s *Session) Authenticated() bool {
	return s != nil && !s.destroyed && s.UserID > 0
}

// Load resolves the session referenced by the request. Requests without a
// session id, or with an unknown one, yield (nil, nil).
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	id := sm.sessionID(r)
	if id == "" {
		return nil, nil
	}
	payload, err := sm.client.Get(ctx, sm.redisKey(id)).Bytes()
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
	return &Session{
		ID:       id,
		UserID:   stored.UserID,
		Role:     stored.Role,
		StoreID:  stored.StoreID,
		IssuedAt: stored.IssuedAt,
	}, nil
}

// Issue persists a new session for the given identity.
func (sm *SessionManager) Issue(ctx context.Context, userID int64, role string, storeID int64) (*Session, error) {
	if userID <= 0 {
		return nil, errors.New("session: user id required")
	}
	sess := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		Role:     strings.ToLower(strings.TrimSpace(role)),
		StoreID:  storeID,
		IssuedAt: time.Now().UTC(),
	}
	if err := sm.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Commit refreshes the session TTL and writes the cookie, or clears both
// when the session was destroyed during the request.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return nil
	}
	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteStrictMode,
		})
		return nil
	}
	if err := sm.client.Expire(ctx, sm.redisKey(sess.ID), sm.ttl).Err(); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(sm.ttl),
	})
	return nil
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

func (sm *SessionManager) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sessionPayload{
		UserID:   sess.UserID,
		Role:     sess.Role,
		StoreID:  sess.StoreID,
		IssuedAt: sess.IssuedAt,
	})
	if err != nil {
		return err
	}
	return sm.client.Set(ctx, sm.redisKey(sess.ID), data, sm.ttl).Err()
}

func (sm *SessionManager) sessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}
