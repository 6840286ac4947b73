package chatrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/infrastructure/database/dbschema"
)

const threadColumns = `
	id, parent_message_id, chat_id, status, participant_ids, last_activity_at, message_count, created_at
`

type ThreadRepository struct {
	db *gorm.DB
}

func NewThreadRepository(db *gorm.DB) *ThreadRepository {
	return &ThreadRepository{db: db}
}

// Create stores a new thread. The unique index on parent_message_id enforces
// one thread per parent message; a violation maps to ErrDuplicateThread.
func (r *ThreadRepository) Create(ctx context.Context, thread *chat.Thread) (*chat.Thread, error) {
	schema := dbschema.NewSchemaThread(thread)

	err := r.db.WithContext(ctx).
		Table("threads").
		Create(map[string]any{
			"id":                schema.ID,
			"parent_message_id": schema.ParentMessageID,
			"chat_id":           schema.ChatID,
			"status":            schema.Status,
			"participant_ids":   schema.ParticipantIDs,
			"last_activity_at":  schema.LastActivityAt,
			"message_count":     schema.MessageCount,
			"created_at":        schema.CreatedAt,
		}).Error
	if err != nil {
		if isUniqueViolation(err) {
			return nil, chat.ErrDuplicateThread
		}
		return nil, fmt.Errorf("create thread: %w", err)
	}

	return schema.EtoD(), nil
}

func (r *ThreadRepository) FindByID(ctx context.Context, id string) (*chat.Thread, error) {
	var row dbschema.Thread
	err := r.db.WithContext(ctx).
		Table("threads").
		Select(threadColumns).
		Where("id = ?", id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, chat.ErrThreadNotFound
		}
		return nil, fmt.Errorf("find thread: %w", err)
	}
	return row.EtoD(), nil
}

// UpdateMetadata overwrites the mutable thread metadata, used by explicit
// status transitions. Callers hold the per-thread lock.
func (r *ThreadRepository) UpdateMetadata(ctx context.Context, id string, meta chat.ThreadMetadata) error {
	schema := dbschema.NewSchemaThread(&chat.Thread{Metadata: meta})
	result := r.db.WithContext(ctx).
		Table("threads").
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           schema.Status,
			"participant_ids":  schema.ParticipantIDs,
			"last_activity_at": schema.LastActivityAt,
			"message_count":    schema.MessageCount,
		})
	if result.Error != nil {
		return fmt.Errorf("update thread: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return chat.ErrThreadNotFound
	}
	return nil
}

// IncrementActivity applies one message arrival. message_count is advanced
// with a SQL expression so the increment cannot be lost to a stale read.
func (r *ThreadRepository) IncrementActivity(ctx context.Context, id string, participants []string, at time.Time) error {
	schema := dbschema.NewSchemaThread(&chat.Thread{
		Metadata: chat.ThreadMetadata{ParticipantIDs: participants},
	})
	result := r.db.WithContext(ctx).
		Table("threads").
		Where("id = ?", id).
		Updates(map[string]any{
			"message_count":    gorm.Expr("message_count + 1"),
			"participant_ids":  schema.ParticipantIDs,
			"last_activity_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("increment thread activity: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return chat.ErrThreadNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// pgconn unique_violation surfaces as SQLSTATE 23505 when the gorm error
	// translator is disabled.
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key value")
}
