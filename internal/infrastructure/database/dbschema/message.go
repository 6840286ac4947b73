package dbschema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/tripmates/chat-server/internal/domain/chat"
)

type Message struct {
	ID         string                                `db:"id"`
	ChatID     string                                `db:"chat_id"`
	SenderID   string                                `db:"sender_id"`
	Content    string                                `db:"content"`
	ThreadID   *string                               `db:"thread_id"`
	Type       string                                `db:"type"`
	Formatting datatypes.JSONType[map[string]string] `db:"formatting"`
	Mentions   datatypes.JSONSlice[string]           `db:"mentions"`
	AIContext  datatypes.JSONMap                     `db:"ai_context"`
	CreatedAt  time.Time                             `db:"created_at"`
}

func NewSchemaMessage(d *chat.Message) *Message {
	if d == nil {
		return nil
	}

	var threadID *string
	if d.ThreadID != "" {
		threadID = &d.ThreadID
	}

	return &Message{
		ID:         d.ID,
		ChatID:     d.ChatID,
		SenderID:   d.SenderID,
		Content:    d.Content,
		ThreadID:   threadID,
		Type:       d.Metadata.Type,
		Formatting: datatypes.NewJSONType(d.Metadata.Formatting),
		Mentions:   datatypes.NewJSONSlice(d.Metadata.Mentions),
		AIContext:  datatypes.JSONMap(d.Metadata.AIContext),
		CreatedAt:  d.CreatedAt,
	}
}

func (s *Message) EtoD() *chat.Message {
	if s == nil {
		return nil
	}

	threadID := ""
	if s.ThreadID != nil {
		threadID = *s.ThreadID
	}

	return &chat.Message{
		ID:        s.ID,
		ChatID:    s.ChatID,
		SenderID:  s.SenderID,
		Content:   s.Content,
		ThreadID:  threadID,
		CreatedAt: s.CreatedAt,
		Metadata: chat.MessageMetadata{
			Type:       s.Type,
			Formatting: s.Formatting.Data(),
			Mentions:   []string(s.Mentions),
			AIContext:  map[string]interface{}(s.AIContext),
		},
	}
}
