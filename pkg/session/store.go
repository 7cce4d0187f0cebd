package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry pairs a session with its request lock. The lock is separate from
// the store lock so a long streaming request never blocks lookups of other
// sessions.
type entry struct {
	mu      sync.Mutex
	session *Session
}

// Store is the concurrent session map. Lookup takes the coarse read lock;
// per-request serialisation uses the fine per-session mutex acquired
// through Acquire.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	logger  *slog.Logger
}

func NewStore(ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  logger,
	}
}

// Get returns the session without creating or locking it.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Acquire resolves the session for id, creating it when absent, and locks
// it for the duration of one request. An empty id yields an anonymous
// session with a fresh uuid. The returned release func must be called when
// the request (including any streaming) completes.
func (s *Store) Acquire(id string) (*Session, func()) {
	if id == "" {
		id = uuid.NewString()
	}

	for {
		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok {
			now := time.Now()
			e = &entry{session: &Session{
				ID:           id,
				CreatedAt:    now,
				LastActivity: now,
			}}
			s.entries[id] = e
			s.logger.Debug("session created", "session_id", id)
		}
		s.mu.Unlock()

		e.mu.Lock()

		// A sweep may have evicted e between dropping the store lock and
		// taking the entry lock. Re-insert it unless another caller already
		// recreated the session, in which case converge on theirs.
		s.mu.Lock()
		switch cur := s.entries[id]; cur {
		case e:
			s.mu.Unlock()
		case nil:
			s.entries[id] = e
			s.mu.Unlock()
		default:
			s.mu.Unlock()
			e.mu.Unlock()
			continue
		}

		e.session.Touch(time.Now())
		return e.session, e.mu.Unlock
	}
}

// List snapshots the live session ids.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep evicts sessions idle past the TTL at now. A session whose request
// lock is held is skipped; it will be revisited on the next sweep.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		if !e.session.Expired(s.ttl, now) {
			continue
		}
		if !e.mu.TryLock() {
			continue // in-flight request
		}
		e.mu.Unlock()
		delete(s.entries, id)
		evicted++
	}
	if evicted > 0 {
		s.logger.Debug("sessions evicted", "count", evicted, "remaining", len(s.entries))
	}
	return evicted
}

// sweepInterval is how often the background sweeper wakes up.
const sweepInterval = time.Minute

// Run sweeps periodically until the context is cancelled.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
