package session

import (
	"sync"
	"time"

	"github.com/calorisense/calorisense/internal/completion"
)

// Preamble is the system instruction injected exactly once when a
// conversation session is created.
const Preamble = "You are CaloriSense, a friendly health and nutrition assistant. " +
	"You help the user track their health profile, daily food intake, and goals. " +
	"Answer concisely and never invent data about the user."

// Session is an ordered, append-only conversation transcript for one user.
// The same object is returned for every lookup within a process lifetime.
type Session struct {
	UserID    string
	CreatedAt time.Time

	mu          sync.Mutex
	messages    []completion.Message
	maxMessages int
}

// AppendUser appends a user-role message.
func (s *Session) AppendUser(text string) {
	s.append(completion.User(text))
}

// AppendAssistant appends an assistant-role message.
func (s *Session) AppendAssistant(text string) {
	s.append(completion.Assistant(text))
}

func (s *Session) append(m completion.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	s.trimLocked()
}

// trimLocked enforces the optional message bound, keeping the system
// preamble and the most recent messages.
func (s *Session) trimLocked() {
	if s.maxMessages <= 0 || len(s.messages) <= s.maxMessages {
		return
	}
	keep := s.maxMessages - 1
	trimmed := make([]completion.Message, 0, s.maxMessages)
	trimmed = append(trimmed, s.messages[0])
	trimmed = append(trimmed, s.messages[len(s.messages)-keep:]...)
	s.messages = trimmed
}

// Messages returns a copy of the transcript in order.
func (s *Session) Messages() []completion.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]completion.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the transcript.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Store holds one Session per user-id for the process lifetime.
// There is no eviction; a bound on per-session length can be set instead.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxMessages int
}

// NewStore creates a Store. maxMessages bounds each session's transcript
// length; 0 means unbounded.
func NewStore(maxMessages int) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		maxMessages: maxMessages,
	}
}

// GetOrCreate returns the user's session, creating it with the system
// preamble on first access. Idempotent: repeated calls return the
// identical object.
func (s *Store) GetOrCreate(userID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[userID]; ok {
		return sess
	}
	sess := &Session{
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
		messages:    []completion.Message{completion.System(Preamble)},
		maxMessages: s.maxMessages,
	}
	s.sessions[userID] = sess
	return sess
}

// Restore seeds a session from a persisted transcript. If a session
// already exists in memory it wins and the stored copy is ignored; an
// empty stored transcript falls back to a fresh session with preamble.
func (s *Store) Restore(userID string, createdAt time.Time, messages []completion.Message) *Session {
	s.mu.Lock()
	if sess, ok := s.sessions[userID]; ok {
		s.mu.Unlock()
		return sess
	}
	s.mu.Unlock()

	if len(messages) == 0 {
		return s.GetOrCreate(userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		return sess
	}
	sess := &Session{
		UserID:      userID,
		CreatedAt:   createdAt,
		messages:    messages,
		maxMessages: s.maxMessages,
	}
	s.sessions[userID] = sess
	return sess
}
