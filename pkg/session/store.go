// Package session keeps the turn history of browser chat sessions in memory.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/chat"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// ErrEmpty is returned when undoing a session without turns.
var ErrEmpty = errors.New("session has no turns")

type entry struct {
	turns      []chat.Turn
	lastUpdate time.Time
}

// Store holds sessions keyed by id. A session idle for longer than the TTL is
// treated as gone and removed by the next Sweep.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
	logger   *zap.Logger

	now func() time.Time
}

// NewStore creates a store. A ttl of zero keeps sessions forever.
func NewStore(ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// Create starts an empty session and returns its id.
func (s *Store) Create() string {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = &entry{lastUpdate: s.now()}
	return id
}

// Get returns a copy of the session's turns.
func (s *Store) Get(id string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(id)
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(e.turns), nil
}

// Append adds a completed exchange.
func (s *Store) Append(id string, turn chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}
	e.turns = append(e.turns, turn)
	e.lastUpdate = s.now()
	return nil
}

// Undo drops the last exchange.
func (s *Store) Undo(id string) error {
	_, err := s.PopLast(id)
	return err
}

// PopLast removes and returns the last exchange so it can be regenerated.
func (s *Store) PopLast(id string) (chat.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return chat.Turn{}, ErrNotFound
	}
	if len(e.turns) == 0 {
		return chat.Turn{}, ErrEmpty
	}
	last := e.turns[len(e.turns)-1]
	e.turns = e.turns[:len(e.turns)-1]
	e.lastUpdate = s.now()
	return last, nil
}

// Clear empties the session but keeps its id valid.
func (s *Store) Clear(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}
	e.turns = nil
	e.lastUpdate = s.now()
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// Sweep removes expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.sessions {
		if s.expired(e) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Store) Name() string { return "session_sweeper" }

// Run sweeps expired sessions until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	if s.ttl <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("expired sessions removed", zap.Int("count", n))
			}
		}
	}
}

// live must be called with the lock held.
func (s *Store) live(id string) (*entry, bool) {
	e, ok := s.sessions[id]
	if !ok || s.expired(e) {
		return nil, false
	}
	return e, true
}

func (s *Store) expired(e *entry) bool {
	return s.ttl > 0 && s.now().Sub(e.lastUpdate) > s.ttl
}
