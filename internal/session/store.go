package session

import "sync"

// Store maps chat ids to their sessions. Sessions are created lazily and live
// until the process exits.
type Store struct {
	mu           sync.Mutex
	sessions     map[int64]*Session
	defaultModel string
	maxTurns     int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxTurns caps every session history at n turns, evicting the oldest
// first. n <= 0 keeps histories unbounded.
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// NewStore creates an empty store. New sessions start on defaultModel.
func NewStore(defaultModel string, opts ...Option) *Store {
	s := &Store{
		sessions:     make(map[int64]*Session),
		defaultModel: defaultModel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the session for chatID, creating it on first reference.
// Repeated calls return the same *Session.
func (s *Store) GetOrCreate(chatID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[chatID]; ok {
		return sess
	}
	sess := &Session{model: s.defaultModel, maxTurns: s.maxTurns}
	s.sessions[chatID] = sess
	return sess
}

// Reset clears the history of chatID and keeps its model.
func (s *Store) Reset(chatID int64) {
	s.GetOrCreate(chatID).clear()
}

// SetModel selects model for chatID. Switching always clears the history:
// context built for one model is not replayed to another.
func (s *Store) SetModel(chatID int64, model string) {
	s.GetOrCreate(chatID).switchModel(model)
}

// Append adds a turn to the history of chatID.
func (s *Store) Append(chatID int64, t Turn) {
	s.GetOrCreate(chatID).append(t)
}

// History returns a copy of the history of chatID.
func (s *Store) History(chatID int64) []Turn {
	return s.GetOrCreate(chatID).History()
}

// Model returns the selected model of chatID.
func (s *Store) Model(chatID int64) string {
	return s.GetOrCreate(chatID).Model()
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
