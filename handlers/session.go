package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"fieldsync/auth"
	"fieldsync/logging"
	"fieldsync/middleware"
	"fieldsync/models"
	"fieldsync/repository"

	"go.uber.org/zap"
)

// RepositoryFactory opens the repository of an authenticated user.
type RepositoryFactory func(user models.User) (*repository.Repository, error)

// Session is the single open session of the sidecar.
type Session struct {
	ID         string
	User       models.User
	Repository *repository.Repository
	done       chan struct{}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SessionManager owns the repository of the logged-in user. At most one
// session is open; a new login closes the previous one before opening.
type SessionManager struct {
	verifier   auth.IdentityVerifier
	jwtManager *auth.JWTManager
	open       RepositoryFactory
	logger     *zap.Logger

	switching sync.Mutex
	mu        sync.RWMutex
	current   *Session
}

func NewSessionManager(verifier auth.IdentityVerifier, jwtManager *auth.JWTManager, open RepositoryFactory, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		verifier:   verifier,
		jwtManager: jwtManager,
		open:       open,
		logger:     logger.Named("session"),
	}
}

// Active implements middleware.SessionChecker.
func (m *SessionManager) Active(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.current.ID == sessionID
}

// Current returns the open session.
func (m *SessionManager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current != nil
}

// FromRequest returns the session the request was authenticated for.
func (m *SessionManager) FromRequest(r *http.Request) (*Session, bool) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.current.ID != claims.SessionID {
		return nil, false
	}
	return m.current, true
}

// Login verifies idToken, closes any open session and opens one for the
// verified user.
func (m *SessionManager) Login(ctx context.Context, idToken string) (string, *auth.Claims, error) {
	user, err := m.verifier.Verify(ctx, idToken)
	if err != nil {
		return "", nil, err
	}
	token, claims, err := m.jwtManager.GenerateToken(user)
	if err != nil {
		return "", nil, err
	}

	m.switching.Lock()
	defer m.switching.Unlock()

	m.closeCurrent()
	repo, err := m.open(user)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open session: %w", err)
	}

	m.mu.Lock()
	m.current = &Session{ID: claims.SessionID, User: user, Repository: repo, done: make(chan struct{})}
	m.mu.Unlock()

	logging.Audit(m.logger, user.UserID, logging.ActionLogin, "session "+claims.SessionID)
	return token, claims, nil
}

// Logout closes the session if it is still the open one.
func (m *SessionManager) Logout(sessionID string) error {
	m.switching.Lock()
	defer m.switching.Unlock()

	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()
	if current == nil || current.ID != sessionID {
		return errors.New("session is not open")
	}
	m.closeCurrent()
	return nil
}

// Close ends the open session, if any.
func (m *SessionManager) Close() {
	m.switching.Lock()
	defer m.switching.Unlock()
	m.closeCurrent()
}

// closeCurrent must be called with switching held. The repository waits
// for an in-flight item, so it is closed outside mu.
func (m *SessionManager) closeCurrent() {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev == nil {
		return
	}

	close(prev.done)
	prev.Repository.Close()
	logging.Audit(m.logger, prev.User.UserID, logging.ActionLogout, "session "+prev.ID)
}
