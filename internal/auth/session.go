package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"maps"
	"sync"
	"time"
)

// Session errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidSession  = errors.New("invalid session")
)

// DefaultSessionDuration is the default session lifetime.
const DefaultSessionDuration = 24 * time.Hour

// SessionIDLength is the number of random bytes used for session IDs.
const SessionIDLength = 32

// Session metadata keys.
const (
	SessionMetaProvider = "provider"
	SessionMetaSubject  = "subject"
)

// Session is a logged-in browser. Its ID is the value of the session cookie
// and of the short-lived bridge cookie handed to the frontend after SSO.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Role      Role              `json:"role"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsValid returns true if the session is valid (not expired and has required fields).
func (s *Session) IsValid() bool {
	return s.ID != "" && s.UserID != "" && !s.IsExpired()
}

// SessionStore defines the interface for session persistence.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by its ID.
	// Returns nil, nil if not found and ErrSessionExpired once expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes a session by its ID.
	Delete(ctx context.Context, id string) error

	// DeleteByUserID removes all sessions for a specific user.
	DeleteByUserID(ctx context.Context, userID string) error

	// Cleanup removes all expired sessions and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
}

// MemorySessionStore keeps sessions in process memory, indexed by user.
type MemorySessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	userIndex map[string]map[string]struct{}
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:  make(map[string]*Session),
		userIndex: make(map[string]map[string]struct{}),
	}
}

func (s *MemorySessionStore) Create(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.UserID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrInvalidSession
	}
	s.sessions[session.ID] = copySession(session)
	if s.userIndex[session.UserID] == nil {
		s.userIndex[session.UserID] = make(map[string]struct{})
	}
	s.userIndex[session.UserID][session.ID] = struct{}{}
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	session, exists := s.sessions[id]
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	if session.IsExpired() {
		return nil, ErrSessionExpired
	}
	return copySession(session), nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	s.unindex(session)
	delete(s.sessions, id)
	return nil
}

func (s *MemorySessionStore) DeleteByUserID(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sessionID := range s.userIndex[userID] {
		delete(s.sessions, sessionID)
	}
	delete(s.userIndex, userID)
	return nil
}

func (s *MemorySessionStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			s.unindex(session)
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// CountByUser returns the number of sessions held by userID.
func (s *MemorySessionStore) CountByUser(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.userIndex[userID])
}

// unindex must be called with mu held.
func (s *MemorySessionStore) unindex(session *Session) {
	ids := s.userIndex[session.UserID]
	if ids == nil {
		return
	}
	delete(ids, session.ID)
	if len(ids) == 0 {
		delete(s.userIndex, session.UserID)
	}
}

func copySession(session *Session) *Session {
	if session == nil {
		return nil
	}
	cpy := *session
	cpy.Metadata = maps.Clone(session.Metadata)
	return &cpy
}

// GenerateSessionID generates a cryptographically secure session ID.
func GenerateSessionID() (string, error) {
	b := make([]byte, SessionIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewSession creates a session with a fresh random ID. A non-positive
// duration falls back to DefaultSessionDuration.
func NewSession(userID string, role Role, duration time.Duration, metadata map[string]string) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		UserID:    userID,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
		Metadata:  maps.Clone(metadata),
	}, nil
}
