// Package session keeps per-conversation turn history in memory.
package session

import (
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/router"
)

// DefaultTTL is how long an idle session survives before the janitor
// evicts it.
const DefaultTTL = 24 * time.Hour

// Turn is one stored message plus the time it was appended. The timestamp
// lives here rather than on the wire type so provider payloads stay clean.
type Turn struct {
	router.Message
	At time.Time `json:"at"`
}

// Session is one conversation's turn history. All access goes through its
// own mutex, so concurrent appends to different sessions never contend.
type Session struct {
	mu        sync.Mutex
	key       string
	turns     []Turn
	createdAt time.Time
	lastUsed  time.Time
}

// Key returns the session identifier.
func (s *Session) Key() string { return s.key }

// Append adds turns atomically, stamping each with the append time, and
// bumps the idle timer.
func (s *Session) Append(turns ...router.Message) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range turns {
		s.turns = append(s.turns, Turn{Message: m, At: now})
	}
	s.lastUsed = now
}

// Recent returns a copy of the last n turns as bare messages, ready to send
// upstream. n <= 0 returns the full history. The copy is a consistent
// snapshot: later appends do not mutate it.
func (s *Session) Recent(n int) []router.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.windowStart(n)
	out := make([]router.Message, 0, len(s.turns)-start)
	for _, t := range s.turns[start:] {
		out = append(out, t.Message)
	}
	return out
}

// History returns a copy of the last n turns with their timestamps, for the
// admin surface. n <= 0 returns the full history.
func (s *Session) History(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.windowStart(n)
	out := make([]Turn, len(s.turns)-start)
	copy(out, s.turns[start:])
	return out
}

// windowStart computes the slice start for the last n turns. Caller must
// hold s.mu.
func (s *Session) windowStart(n int) int {
	if n > 0 && len(s.turns) > n {
		return len(s.turns) - n
	}
	return 0
}

// Len reports the number of stored turns.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Store maps session keys to sessions, evicting idle ones on a TTL. The
// janitor goroutine prunes every ttl/10, bounded to [1s, 5m].
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store and starts its janitor. ttl <= 0 selects
// DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	st := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go st.janitor()
	return st
}

// Load returns the session for key, creating it if absent.
func (st *Store) Load(key string) *Session {
	st.mu.RLock()
	s, ok := st.sessions[key]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[key]; ok {
		return s
	}
	now := time.Now()
	s = &Session{key: key, createdAt: now, lastUsed: now}
	st.sessions[key] = s
	return s
}

// Get returns the session for key without creating one.
func (st *Store) Get(key string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[key]
	return s, ok
}

// Delete removes a session.
func (st *Store) Delete(key string) {
	st.mu.Lock()
	delete(st.sessions, key)
	st.mu.Unlock()
}

// Len reports live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Stop terminates the janitor goroutine.
func (st *Store) Stop() {
	st.stopOnce.Do(func() { close(st.stop) })
}

func (st *Store) janitor() {
	interval := st.ttl / 10
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.prune(time.Now())
		case <-st.stop:
			return
		}
	}
}

func (st *Store) prune(now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for k, s := range st.sessions {
		if now.Sub(s.idleSince()) > st.ttl {
			delete(st.sessions, k)
		}
	}
}
