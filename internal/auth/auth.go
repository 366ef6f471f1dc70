package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "pawtracker_session"

type session struct {
	username  string
	expiresAt time.Time
}

// Manager holds the user table and live dashboard sessions in memory.
// Sessions do not survive a restart.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	users    map[string][]byte // username -> bcrypt hash
	sessions map[string]session
}

// NewManager constructs a manager seeded with a single admin user.
func NewManager(adminUser, adminPass string, ttl time.Duration) (*Manager, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPass), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}

	return &Manager{
		ttl:      ttl,
		now:      time.Now,
		users:    map[string][]byte{adminUser: hash},
		sessions: make(map[string]session),
	}, nil
}

// Login verifies credentials and opens a session, returning its token.
func (m *Manager) Login(username, password string) (string, bool) {
	m.mu.Lock()
	hash, ok := m.users[username]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return "", false
	}

	token := uuid.NewString()
	m.mu.Lock()
	m.sessions[token] = session{username: username, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return token, true
}

// Validate resolves a token to its username. Expired sessions are removed
// on the way.
func (m *Manager) Validate(token string) (string, bool) {
	if token == "" {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return "", false
	}
	if m.now().After(s.expiresAt) {
		delete(m.sessions, token)
		return "", false
	}
	return s.username, true
}

// Logout destroys the session for the given token.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}
