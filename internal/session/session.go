// Package session holds per-chat conversation state: the selected model and
// the ordered turn history replayed to the model on every request.
package session

import "sync"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem only appears in assembled requests, never in a stored history.
	RoleSystem Role = "system"
)

// Turn is one message in a conversation history.
type Turn struct {
	Role    Role
	Content string
}

// Session is the mutable state of a single chat. It is safe for concurrent use.
type Session struct {
	mu       sync.RWMutex
	model    string
	history  []Turn
	maxTurns int
}

// Model returns the currently selected model.
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// History returns a copy of the turn history, oldest first.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of turns in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

func (s *Session) append(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, t)
	if s.maxTurns > 0 && len(s.history) > s.maxTurns {
		// Copy so the evicted prefix does not pin the backing array.
		kept := make([]Turn, s.maxTurns)
		copy(kept, s.history[len(s.history)-s.maxTurns:])
		s.history = kept
	}
}

func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

func (s *Session) switchModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
	s.history = nil
}
