package chatrepo

import (
	"gorm.io/gorm"

	"github.com/tripmates/chat-server/internal/domain/chat"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ensure interfaces are implemented
var (
	_ chat.MessageRepository = (*Repository)(nil)
	_ chat.ThreadRepository  = (*ThreadRepository)(nil)
)
