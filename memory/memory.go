// Package memory implements Conversation Memory (C7): a per-session,
// append-only turn log bounded to the last N turns on read.
package memory

import (
	"sync"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// session serializes access to one conversation's turn log. The per-key
// map mirrors middleware/ratelimit.go's sliding-window map, but where the
// rate limiter uses one lock over all its windows, each session here has a
// dedicated mutex, so sessions don't contend with each other.
type session struct {
	mu    sync.Mutex
	turns []Turn
}

// Store holds every session's turn log in memory.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	depth    int
}

// New returns a Store whose Recent defaults to the last depth turns.
func New(depth int) *Store {
	if depth <= 0 {
		depth = 10
	}
	return &Store{sessions: make(map[string]*session), depth: depth}
}

func (s *Store) sessionFor(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{}
		s.sessions[id] = sess
	}
	return sess
}

// Append records one turn for session. Turns within a session are
// serialized by the per-session mutex, so concurrent Append calls for the
// same session never interleave out of order (§5, P5).
func (s *Store) Append(sessionID string, role Role, content string, ts time.Time) {
	sess := s.sessionFor(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = append(sess.turns, Turn{Role: role, Content: content, Timestamp: ts})
}

// Recent returns the last n turns for session in chronological order. If n
// is <= 0, the Store's configured depth is used. A session with no turns
// returns an empty slice, not an error.
func (s *Store) Recent(sessionID string, n int) []Turn {
	if n <= 0 {
		n = s.depth
	}
	sess := s.sessionFor(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.turns) <= n {
		out := make([]Turn, len(sess.turns))
		copy(out, sess.turns)
		return out
	}
	out := make([]Turn, n)
	copy(out, sess.turns[len(sess.turns)-n:])
	return out
}

// Clear discards a session's turn log entirely.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
