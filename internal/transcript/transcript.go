package transcript

import (
	"sync"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Channels splits a streamed assistant message into the authoritative
// answer and the ancillary run log.
type Channels struct {
	Final  string `json:"final"`
	Stream string `json:"stream"`
}

// Message represents a single transcript entry
type Message struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Channels     *Channels `json:"channels,omitempty"`
	Pending      bool      `json:"pending,omitempty"`
	LogCollapsed bool      `json:"log_collapsed,omitempty"`
}

// NewUserMessage creates an immutable user entry.
func NewUserMessage(text string) Message {
	return Message{
		ID:      uuid.New().String(),
		Role:    RoleUser,
		Content: text,
	}
}

// NewAssistantPlaceholder creates the pending bubble a streaming turn
// fills in. Channels start empty and the run log starts expanded.
func NewAssistantPlaceholder() Message {
	return Message{
		ID:       uuid.New().String(),
		Role:     RoleAssistant,
		Channels: &Channels{},
		Pending:  true,
	}
}

// NewNotice creates a one-shot assistant entry for push-channel notices.
// It carries no channels.
func NewNotice(text string) Message {
	return Message{
		ID:      uuid.New().String(),
		Role:    RoleAssistant,
		Content: text,
	}
}

// AppendFinal returns a copy with delta appended to the final channel.
// Content stays the final+stream concatenation.
func (m Message) AppendFinal(delta string) Message {
	ch := m.channelsCopy()
	ch.Final += delta
	m.Channels = &ch
	m.Content = ch.Final + ch.Stream
	m.Pending = false
	return m
}

// AppendStream returns a copy with delta appended to the run log.
func (m Message) AppendStream(delta string) Message {
	ch := m.channelsCopy()
	ch.Stream += delta
	m.Channels = &ch
	m.Content = ch.Final + ch.Stream
	m.Pending = false
	return m
}

func (m Message) channelsCopy() Channels {
	if m.Channels == nil {
		return Channels{}
	}
	return *m.Channels
}

// Store holds the ordered transcript. It is the single source of truth
// the UI renders. Every mutation replaces the backing slice wholesale so
// observers can rely on reference equality for change detection.
type Store struct {
	mu       sync.RWMutex
	messages []Message
}

// NewStore creates an empty transcript store
func NewStore() *Store {
	return &Store{}
}

// Append adds a message to the end of the transcript.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]Message, len(s.messages)+1)
	copy(next, s.messages)
	next[len(s.messages)] = msg
	s.messages = next
}

// UpdateByID replaces the message with the given id by the mutator's
// result, preserving order and the identity of every other entry.
// Returns false if no message has that id.
func (s *Store) UpdateByID(id string, mutate func(Message) Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, msg := range s.messages {
		if msg.ID != id {
			continue
		}
		next := make([]Message, len(s.messages))
		copy(next, s.messages)
		updated := mutate(msg)
		updated.ID = msg.ID
		updated.Role = msg.Role
		next[i] = updated
		s.messages = next
		return true
	}
	return false
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return Message{}, false
}

// All returns a snapshot of the transcript in order.
func (s *Store) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
