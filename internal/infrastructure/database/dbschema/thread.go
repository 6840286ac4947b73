package dbschema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/tripmates/chat-server/internal/domain/chat"
)

type Thread struct {
	ID              string                      `db:"id"`
	ParentMessageID string                      `db:"parent_message_id"`
	ChatID          string                      `db:"chat_id"`
	Status          string                      `db:"status"`
	ParticipantIDs  datatypes.JSONSlice[string] `db:"participant_ids"`
	LastActivityAt  time.Time                   `db:"last_activity_at"`
	MessageCount    int64                       `db:"message_count"`
	CreatedAt       time.Time                   `db:"created_at"`
}

func NewSchemaThread(d *chat.Thread) *Thread {
	if d == nil {
		return nil
	}

	return &Thread{
		ID:              d.ID,
		ParentMessageID: d.ParentMessageID,
		ChatID:          d.ChatID,
		Status:          d.Metadata.Status,
		ParticipantIDs:  datatypes.NewJSONSlice(d.Metadata.ParticipantIDs),
		LastActivityAt:  d.Metadata.LastActivityAt,
		MessageCount:    d.Metadata.MessageCount,
		CreatedAt:       d.CreatedAt,
	}
}

func (s *Thread) EtoD() *chat.Thread {
	if s == nil {
		return nil
	}

	return &chat.Thread{
		ID:              s.ID,
		ParentMessageID: s.ParentMessageID,
		ChatID:          s.ChatID,
		CreatedAt:       s.CreatedAt,
		Metadata: chat.ThreadMetadata{
			Status:         s.Status,
			ParticipantIDs: []string(s.ParticipantIDs),
			LastActivityAt: s.LastActivityAt,
			MessageCount:   s.MessageCount,
		},
	}
}
