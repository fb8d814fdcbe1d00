// Package session tracks per-user state: the result store and the per-mode
// in-flight guard that stops a mode from being submitted twice at once.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/results"
	"github.com/fpang/ielts-examiner/internal/submission"
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 2 * time.Hour

// Session is one user's evaluation state.
type Session struct {
	ID      string
	Results *results.Store

	mu       sync.Mutex
	inFlight map[submission.Mode]bool
	lastSeen time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:       id,
		Results:  results.NewStore(),
		inFlight: make(map[submission.Mode]bool),
		lastSeen: now,
	}
}

// New creates a standalone session with a fresh id. The CLI and MCP surfaces
// use one session for the process lifetime.
func New() *Session {
	return newSession(uuid.NewString(), time.Now())
}

// Begin marks mode as in flight. It returns ok=false when a submission for the
// same mode is already running; other modes are unaffected. The returned
// release must be called when the submission finishes.
func (s *Session) Begin(mode submission.Mode) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[mode] {
		return func() {}, false
	}
	s.inFlight[mode] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.inFlight, mode)
			s.mu.Unlock()
		})
	}, true
}

// InFlight reports whether a submission for mode is running.
func (s *Session) InFlight(mode submission.Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[mode]
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen), len(s.inFlight) > 0
}

// Manager owns the sessions of a long-running server.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time

	lastSweep time.Time
}

// NewManager creates a Manager that drops sessions idle longer than ttl.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the session with id and refreshes its idle timer.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.touch(m.now())
	}
	return s, ok
}

// Create starts a session with a fresh id.
func (m *Manager) Create() *Session {
	return m.create(uuid.NewString())
}

// GetOrCreate returns the session for id, creating it when unknown. A
// well-formed UUID supplied by the client is kept as the session id so the
// client can address it again (in canonical lowercase form); anything else
// gets a fresh id.
func (m *Manager) GetOrCreate(id string) (s *Session, created bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return m.Create(), true
	}
	id = u.String()
	if s, ok := m.Get(id); ok {
		return s, false
	}
	return m.create(id), true
}

func (m *Manager) create(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := newSession(id, m.now())
	m.sessions[id] = s
	log.Debug().Str("sessionId", id).Int("sessions", len(m.sessions)).Msg("Session created")
	return s
}

// Delete ends the session with id.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep ends sessions idle for longer than the TTL. Sessions with a submission
// in flight are kept. It returns the number removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSweep = now
	removed := 0
	for id, s := range m.sessions {
		idle, busy := s.idleSince(now)
		if busy || idle <= m.ttl {
			continue
		}
		delete(m.sessions, id)
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Int("remaining", len(m.sessions)).Msg("Idle sessions swept")
	}
	return removed
}

// SweepIfDue runs Sweep when at least interval has passed since the last
// sweep, for hosts where no background goroutine survives between requests.
func (m *Manager) SweepIfDue(interval time.Duration) int {
	m.mu.Lock()
	due := m.now().Sub(m.lastSweep) >= interval
	m.mu.Unlock()
	if !due {
		return 0
	}
	return m.Sweep()
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
