package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/state"
	"github.com/apc-dev/apc/internal/taskid"
)

// Store is the in-memory session registry backed by the state store.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	persist *state.Store
	path    string
	clk     clock.Clock
}

type sessionsFile struct {
	Sessions []*Session `json:"sessions"`
}

// NewStore builds an empty registry persisting to path through persist.
func NewStore(persist *state.Store, path string, clk clock.Clock) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		persist:  persist,
		path:     path,
		clk:      clk,
	}
}

// Load restores the registry from disk. A missing file is a fresh start.
func (s *Store) Load() error {
	var file sessionsFile
	if err := s.persist.Load(s.path, &file); err != nil {
		if errors.Is(err, state.ErrNotExist) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range file.Sessions {
		s.sessions[sess.ID] = sess
	}
	log.Info(log.CatSession, "sessions restored", "count", len(file.Sessions))
	return nil
}

// Create registers a new session in no_plan status. The ID is
// normalized; duplicates fail with a precondition fault.
func (s *Store) Create(id string) (*Session, error) {
	id = taskid.Normalize(id)
	if err := taskid.ValidateSession(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return nil, fault.New(fault.Precondition, "session %s already exists", id)
	}
	now := s.clk.Now()
	sess := &Session{ID: id, Status: StatusNoPlan, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	if err := s.saveLocked(); err != nil {
		delete(s.sessions, id)
		return nil, err
	}
	return sess.Clone(), nil
}

// EnsureErrorSession creates the reserved error-resolution session in
// approved status if it does not exist yet.
func (s *Store) EnsureErrorSession() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[ErrorSessionID]; ok {
		return sess.Clone(), nil
	}
	now := s.clk.Now()
	at := now
	sess := &Session{
		ID:         ErrorSessionID,
		Status:     StatusApproved,
		CreatedAt:  now,
		UpdatedAt:  now,
		ApprovedAt: &at,
	}
	s.sessions[ErrorSessionID] = sess
	if err := s.saveLocked(); err != nil {
		delete(s.sessions, ErrorSessionID)
		return nil, err
	}
	log.Info(log.CatSession, "error-resolution session created", "session", ErrorSessionID)
	return sess.Clone(), nil
}

// Get returns a copy of the session, or a resource fault if unknown.
func (s *Store) Get(id string) (*Session, error) {
	id = taskid.Normalize(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fault.New(fault.Resource, "session %s not found", id)
	}
	return sess.Clone(), nil
}

// List returns all sessions sorted by ID.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Approved returns the IDs of sessions currently in approved status.
func (s *Store) Approved() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, sess := range s.sessions {
		if sess.Status == StatusApproved {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Transition moves the session to target, persisting on success.
func (s *Store) Transition(id string, target Status) (*Session, error) {
	id = taskid.Normalize(id)
	if !target.IsValid() {
		return nil, fault.New(fault.Validation, "unknown session status %q", target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fault.New(fault.Resource, "session %s not found", id)
	}
	prev := sess.Status
	if err := sess.TransitionTo(target, s.clk.Now()); err != nil {
		return nil, err
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	log.Info(log.CatSession, "session transitioned",
		"session", id, "from", prev, "to", target)
	return sess.Clone(), nil
}

// SetPlanPath records where the session's plan file lives.
func (s *Store) SetPlanPath(id, path string) (*Session, error) {
	id = taskid.Normalize(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fault.New(fault.Resource, "session %s not found", id)
	}
	sess.PlanPath = path
	sess.UpdatedAt = s.clk.Now()
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Remove drops a session from the registry. The reserved error session
// is never removed.
func (s *Store) Remove(id string) error {
	id = taskid.Normalize(id)
	if id == ErrorSessionID {
		return fault.New(fault.Precondition, "session %s is reserved", ErrorSessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fault.New(fault.Resource, "session %s not found", id)
	}
	delete(s.sessions, id)
	return s.saveLocked()
}

// saveLocked persists the registry. Callers must hold s.mu.
func (s *Store) saveLocked() error {
	file := sessionsFile{Sessions: make([]*Session, 0, len(s.sessions))}
	for _, sess := range s.sessions {
		file.Sessions = append(file.Sessions, sess)
	}
	sort.Slice(file.Sessions, func(i, j int) bool {
		return file.Sessions[i].ID < file.Sessions[j].ID
	})
	return s.persist.Save(s.path, file)
}
