package chat

import (
	"context"
	"time"
)

// Message types.
const (
	TypeText       = "TEXT"
	TypeAIResponse = "AI_RESPONSE"
	TypePoll       = "POLL"
	TypeSystem     = "SYSTEM"
)

// Thread statuses.
const (
	StatusActive   = "ACTIVE"
	StatusArchived = "ARCHIVED"
	StatusLocked   = "LOCKED"
)

const (
	MinContentLength = 1
	MaxContentLength = 10000
)

// MessageMetadata carries formatting, mention and AI-enrichment data alongside
// a message. Mentions preserve the order they appear in the content.
type MessageMetadata struct {
	Type       string                 `json:"type"`
	Formatting map[string]string      `json:"formatting,omitempty"`
	Mentions   []string               `json:"mentions,omitempty"`
	AIContext  map[string]interface{} `json:"ai_context,omitempty"`
}

// Message is a single chat message. ID is assigned once and never reused;
// CreatedAt is stamped by the server during send.
type Message struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	SenderID  string          `json:"sender_id"`
	Content   string          `json:"content"`
	ThreadID  string          `json:"thread_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  MessageMetadata `json:"metadata"`
}

// ThreadMetadata is the mutable part of a thread. MessageCount only increases
// and ParticipantIDs only grows under normal message flow.
type ThreadMetadata struct {
	Status         string    `json:"status"`
	ParticipantIDs []string  `json:"participant_ids"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int64     `json:"message_count"`
}

// Thread is a sub-conversation anchored to exactly one parent message.
type Thread struct {
	ID              string         `json:"id"`
	ParentMessageID string         `json:"parent_message_id"`
	ChatID          string         `json:"chat_id"`
	CreatedAt       time.Time      `json:"created_at"`
	Metadata        ThreadMetadata `json:"metadata"`
}

// HasParticipant reports whether the sender is already in the participant set.
func (t *Thread) HasParticipant(senderID string) bool {
	for _, id := range t.Metadata.ParticipantIDs {
		if id == senderID {
			return true
		}
	}
	return false
}

// PageOptions bounds a paginated history query.
type PageOptions struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// EnrichedMetadata is what the mention dispatcher returns on success. Model and
// Confidence are required before a message may be typed AI_RESPONSE.
type EnrichedMetadata struct {
	Agents     []string               `json:"agents,omitempty"`
	Model      string                 `json:"model"`
	Confidence float64                `json:"confidence"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// MessageRepository is the durable store for messages. Implementations must
// tolerate concurrent writers from multiple service instances.
type MessageRepository interface {
	Create(ctx context.Context, msg *Message) (*Message, error)
	FindByID(ctx context.Context, id string) (*Message, error)
	FindByChatID(ctx context.Context, chatID string, page PageOptions) ([]Message, error)
	FindByThreadID(ctx context.Context, threadID string, page PageOptions) ([]Message, error)
}

// ThreadRepository is the durable store for threads. Create must enforce the
// one-thread-per-parent-message unique constraint.
type ThreadRepository interface {
	Create(ctx context.Context, thread *Thread) (*Thread, error)
	FindByID(ctx context.Context, id string) (*Thread, error)
	UpdateMetadata(ctx context.Context, id string, meta ThreadMetadata) error
	IncrementActivity(ctx context.Context, id string, participants []string, at time.Time) error
}
