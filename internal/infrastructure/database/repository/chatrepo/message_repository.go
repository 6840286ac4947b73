package chatrepo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/infrastructure/database/dbschema"
)

const messageColumns = `
	id, chat_id, sender_id, content, thread_id, type, formatting, mentions, ai_context, created_at
`

// Create durably stores the message. The id column is the primary key, so a
// replayed create for an already-persisted message fails instead of inserting
// a duplicate row.
func (r *Repository) Create(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	schema := dbschema.NewSchemaMessage(msg)

	if err := r.db.WithContext(ctx).
		Table("messages").
		Create(map[string]any{
			"id":         schema.ID,
			"chat_id":    schema.ChatID,
			"sender_id":  schema.SenderID,
			"content":    schema.Content,
			"thread_id":  schema.ThreadID,
			"type":       schema.Type,
			"formatting": schema.Formatting,
			"mentions":   schema.Mentions,
			"ai_context": schema.AIContext,
			"created_at": schema.CreatedAt,
		}).Error; err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	return schema.EtoD(), nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (*chat.Message, error) {
	var row dbschema.Message
	err := r.db.WithContext(ctx).
		Table("messages").
		Select(messageColumns).
		Where("id = ?", id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, chat.ErrMessageNotFound
		}
		return nil, fmt.Errorf("find message: %w", err)
	}
	return row.EtoD(), nil
}

func (r *Repository) FindByChatID(ctx context.Context, chatID string, page chat.PageOptions) ([]chat.Message, error) {
	return r.findPage(ctx, "chat_id = ?", chatID, page)
}

func (r *Repository) FindByThreadID(ctx context.Context, threadID string, page chat.PageOptions) ([]chat.Message, error) {
	return r.findPage(ctx, "thread_id = ?", threadID, page)
}

func (r *Repository) findPage(ctx context.Context, cond, id string, page chat.PageOptions) ([]chat.Message, error) {
	var rows []dbschema.Message
	if err := r.db.WithContext(ctx).
		Table("messages").
		Select(messageColumns).
		Where(cond, id).
		Order("created_at DESC, id").
		Offset(page.Offset).
		Limit(page.Limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	msgs := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, *row.EtoD())
	}
	return msgs, nil
}
