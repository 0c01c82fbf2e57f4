// Package session holds the single authentication session of the client.
//
// The Store is a single-writer register: SignIn, SignOut and Invalidate
// serialize against each other, and readers never observe a credential
// without its identity.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/bus"
	"github.com/matheus3301/howudoin/internal/logging"
	"go.uber.org/zap"
)

// Session is the credential and the signed-in identity. Both are set or both are empty.
type Session struct {
	Credential string
	Identity   string
}

// Authenticated reports whether a credential is present.
func (s Session) Authenticated() bool {
	return s.Credential != ""
}

// Persister stores the session pair durably.
type Persister interface {
	LoadSession(ctx context.Context) (credential, identity string, err error)
	SaveSession(ctx context.Context, credential, identity string) error
	ClearSession(ctx context.Context) error
}

// Store owns the session state.
type Store struct {
	mu        sync.RWMutex
	current   Session
	state     State
	persister Persister
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewStore creates an anonymous store. Call Load to restore a persisted session.
func NewStore(p Persister, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		state:     Anonymous,
		persister: p,
		bus:       b,
		logger:    logging.OrNop(logger),
	}
}

// Load restores the persisted session. It never fails: unreadable storage
// is logged and treated as no session.
func (s *Store) Load(ctx context.Context) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, identity, err := s.persister.LoadSession(ctx)
	if err != nil {
		s.logger.Warn("failed to load persisted session", zap.Error(err))
		cred, identity = "", ""
	}
	if cred == "" || identity == "" {
		s.current = Session{}
		s.state = Anonymous
		return s.current
	}
	s.current = Session{Credential: cred, Identity: identity}
	s.state = Authenticated
	s.logger.Info("session restored", zap.String("identity", identity))
	return s.current
}

// Current returns a copy of the session.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// State returns the current authentication state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SignIn persists and installs a new session.
func (s *Store) SignIn(ctx context.Context, credential, identity string) error {
	credential = strings.TrimSpace(credential)
	identity = strings.TrimSpace(identity)
	if credential == "" {
		return apierr.Invalid("credential", "server returned an empty token")
	}
	if identity == "" {
		return apierr.Invalid("identity", "identity is required")
	}

	s.mu.Lock()
	if err := checkTransition(s.state, Authenticated); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.persister.SaveSession(ctx, credential, identity); err != nil {
		s.mu.Unlock()
		return err
	}
	from := s.state
	s.current = Session{Credential: credential, Identity: identity}
	s.state = Authenticated
	s.mu.Unlock()

	s.logger.Info("signed in", zap.String("identity", identity))
	s.bus.Emit(bus.SessionSignedIn, StatusChange{From: from, To: Authenticated, Identity: identity})
	return nil
}

// SignOut clears persisted and in-memory state. Idempotent. The in-memory
// session is cleared even when the persisted copy cannot be removed.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	prev, from := s.current, s.state
	err := s.persister.ClearSession(ctx)
	s.current = Session{}
	s.state = Anonymous
	s.mu.Unlock()

	if from == Authenticated {
		s.logger.Info("signed out", zap.String("identity", prev.Identity))
		s.bus.Emit(bus.SessionSignedOut, StatusChange{From: from, To: Anonymous, Identity: prev.Identity})
	}
	return err
}

// Invalidate signs out because the server rejected credential. It only acts
// when credential is still the active one, so concurrent rejections of the
// same token clear the session once and a stale rejection never clears a
// newer sign-in. Reports whether the session was cleared.
func (s *Store) Invalidate(ctx context.Context, credential string) bool {
	s.mu.Lock()
	if s.state != Authenticated || s.current.Credential != credential {
		s.mu.Unlock()
		return false
	}
	prev := s.current
	if err := s.persister.ClearSession(ctx); err != nil {
		s.logger.Error("failed to clear persisted session", zap.Error(err))
	}
	s.current = Session{}
	s.state = Anonymous
	s.mu.Unlock()

	s.logger.Warn("session invalidated by server", zap.String("identity", prev.Identity))
	s.bus.Emit(bus.SessionInvalidated, StatusChange{From: Authenticated, To: Anonymous, Identity: prev.Identity})
	return true
}

// MemoryPersister keeps the session in memory only.
type MemoryPersister struct {
	mu         sync.Mutex
	credential string
	identity   string
}

func (m *MemoryPersister) LoadSession(context.Context) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential, m.identity, nil
}

func (m *MemoryPersister) SaveSession(_ context.Context, credential, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential, m.identity = credential, identity
	return nil
}

func (m *MemoryPersister) ClearSession(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential, m.identity = "", ""
	return nil
}

// NewMemoryStore returns a Store backed by a MemoryPersister.
func NewMemoryStore(b *bus.Bus, logger *zap.Logger) *Store {
	return NewStore(&MemoryPersister{}, b, logger)
}
