// Package convo stores per-conversation LLM message history. Append is the
// only write path for messages; truncation is an explicit operation that
// keeps the newest N messages plus any leading system prompt.
package convo

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Tokens   int            `json:"tokens,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NotFoundError reports an unknown conversation id.
type NotFoundError struct {
	ConvID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("conversation %s not found", e.ConvID)
}

// Store is the conversation history contract. Implementations serialize
// appends per conversation id; after Append returns, the message is visible
// to the next History call.
type Store interface {
	Create(ctx context.Context, convID string, metadata map[string]any) error
	Exists(ctx context.Context, convID string) bool
	Append(ctx context.Context, convID string, msg Message) error
	History(ctx context.Context, convID string) ([]Message, error)
	Truncate(ctx context.Context, convID string, keep int) error
	Metadata(ctx context.Context, convID string) (map[string]any, error)
	Len(ctx context.Context, convID string) (int, error)
	Health(ctx context.Context) error
}

type conversation struct {
	mu       sync.Mutex
	messages []Message
	metadata map[string]any
	created  time.Time
}

// InMemory is the reference Store. A RWMutex guards the index; each
// conversation carries its own mutex so appends to different conversations
// never contend.
type InMemory struct {
	mu    sync.RWMutex
	convs map[string]*conversation
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{convs: make(map[string]*conversation)}
}

func (s *InMemory) get(convID string) (*conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[convID]
	return c, ok
}

// Create registers a new conversation. Creating an existing id is an error;
// callers check Exists first.
func (s *InMemory) Create(_ context.Context, convID string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[convID]; ok {
		return fmt.Errorf("conversation %s already exists", convID)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.convs[convID] = &conversation{
		metadata: metadata,
		created:  time.Now().UTC(),
	}
	return nil
}

// Exists reports whether the conversation id is known.
func (s *InMemory) Exists(_ context.Context, convID string) bool {
	_, ok := s.get(convID)
	return ok
}

// Append adds a message to the end of the conversation.
func (s *InMemory) Append(_ context.Context, convID string, msg Message) error {
	c, ok := s.get(convID)
	if !ok {
		return &NotFoundError{ConvID: convID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

// History returns a copy of the ordered message list.
func (s *InMemory) History(_ context.Context, convID string) ([]Message, error) {
	c, ok := s.get(convID)
	if !ok {
		return nil, &NotFoundError{ConvID: convID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...), nil
}

// Truncate keeps the newest keep messages. A leading system message is
// preserved on top of the kept window.
func (s *InMemory) Truncate(_ context.Context, convID string, keep int) error {
	if keep < 0 {
		return fmt.Errorf("truncate keep must be >= 0, got %d", keep)
	}
	c, ok := s.get(convID)
	if !ok {
		return &NotFoundError{ConvID: convID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var system *Message
	body := c.messages
	if len(body) > 0 && body[0].Role == RoleSystem {
		system = &body[0]
		body = body[1:]
	}
	if len(body) > keep {
		body = body[len(body)-keep:]
	}

	out := make([]Message, 0, len(body)+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, body...)
	c.messages = out
	return nil
}

// Metadata returns a copy of the conversation metadata.
func (s *InMemory) Metadata(_ context.Context, convID string) (map[string]any, error) {
	c, ok := s.get(convID)
	if !ok {
		return nil, &NotFoundError{ConvID: convID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out, nil
}

// Len returns the number of messages in the conversation.
func (s *InMemory) Len(_ context.Context, convID string) (int, error) {
	c, ok := s.get(convID)
	if !ok {
		return 0, &NotFoundError{ConvID: convID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages), nil
}

// Health always succeeds for the in-memory store.
func (s *InMemory) Health(_ context.Context) error { return nil }
