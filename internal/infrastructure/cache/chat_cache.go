package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/domain/chat"
)

// Store is the key-value surface ChatCache needs from redis. Satisfied by
// RedisCache; tests substitute an in-memory fake.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) error
	HSet(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error
	WithLock(ctx context.Context, name string, fn func() error) error
}

// ChatCacheConfig tunes TTLs and the in-process L1 size.
type ChatCacheConfig struct {
	ItemTTL     time.Duration // single message / thread lookups
	ListTTL     time.Duration // paginated list queries
	DeliveryTTL time.Duration // delivery status hashes
	L1Size      int
}

func DefaultChatCacheConfig() ChatCacheConfig {
	return ChatCacheConfig{
		ItemTTL:     3600 * time.Second,
		ListTTL:     300 * time.Second,
		DeliveryTTL: 24 * time.Hour,
		L1Size:      4096,
	}
}

// ChatCache is the cache coordinator: write-through single entries, broad
// prefix invalidation for list queries, and an LRU L1 in front of redis for
// hot single-message reads.
type ChatCache struct {
	cfg   ChatCacheConfig
	store Store
	l1    *lru.Cache
}

func NewChatCache(cfg ChatCacheConfig, store Store) (*ChatCache, error) {
	if cfg.ItemTTL <= 0 || cfg.ListTTL <= 0 {
		def := DefaultChatCacheConfig()
		if cfg.ItemTTL <= 0 {
			cfg.ItemTTL = def.ItemTTL
		}
		if cfg.ListTTL <= 0 {
			cfg.ListTTL = def.ListTTL
		}
		if cfg.DeliveryTTL <= 0 {
			cfg.DeliveryTTL = def.DeliveryTTL
		}
		if cfg.L1Size <= 0 {
			cfg.L1Size = def.L1Size
		}
	}

	l1, err := lru.New(cfg.L1Size)
	if err != nil {
		return nil, fmt.Errorf("create L1 cache: %w", err)
	}
	return &ChatCache{cfg: cfg, store: store, l1: l1}, nil
}

// Key formats shared with every other service instance.
func MessageKey(id string) string { return "message:" + id }
func ThreadKey(id string) string  { return "thread:" + id }
func DeliveryKey(id string) string {
	return "delivery:" + id
}
func ChatPageKey(chatID string, page chat.PageOptions) string {
	return "messages:chat:" + chatID + ":" + strconv.Itoa(page.Offset) + ":" + strconv.Itoa(page.Limit)
}
func ThreadPageKey(threadID string, page chat.PageOptions) string {
	return "messages:thread:" + threadID + ":" + strconv.Itoa(page.Offset) + ":" + strconv.Itoa(page.Limit)
}

// StoreMessage write-throughs the single-item entry.
func (c *ChatCache) StoreMessage(ctx context.Context, msg *chat.Message) error {
	c.l1.Add(msg.ID, msg)
	return c.setJSON(ctx, MessageKey(msg.ID), msg, c.cfg.ItemTTL)
}

// GetMessage checks L1 then redis.
func (c *ChatCache) GetMessage(ctx context.Context, id string) (*chat.Message, bool) {
	if val, ok := c.l1.Get(id); ok {
		if msg, ok := val.(*chat.Message); ok {
			return msg, true
		}
	}

	var msg chat.Message
	if !c.getJSON(ctx, MessageKey(id), &msg) {
		return nil, false
	}
	c.l1.Add(id, &msg)
	return &msg, true
}

func (c *ChatCache) GetChatPage(ctx context.Context, chatID string, page chat.PageOptions) ([]chat.Message, bool) {
	var msgs []chat.Message
	if !c.getJSON(ctx, ChatPageKey(chatID, page), &msgs) {
		return nil, false
	}
	return msgs, true
}

func (c *ChatCache) SetChatPage(ctx context.Context, chatID string, page chat.PageOptions, msgs []chat.Message) error {
	return c.setJSON(ctx, ChatPageKey(chatID, page), msgs, c.cfg.ListTTL)
}

func (c *ChatCache) GetThreadPage(ctx context.Context, threadID string, page chat.PageOptions) ([]chat.Message, bool) {
	var msgs []chat.Message
	if !c.getJSON(ctx, ThreadPageKey(threadID, page), &msgs) {
		return nil, false
	}
	return msgs, true
}

func (c *ChatCache) SetThreadPage(ctx context.Context, threadID string, page chat.PageOptions, msgs []chat.Message) error {
	return c.setJSON(ctx, ThreadPageKey(threadID, page), msgs, c.cfg.ListTTL)
}

// InvalidateChat drops every list page cached under the chat scope. Any insert
// can change pagination, ordering and counts, so the whole prefix goes.
func (c *ChatCache) InvalidateChat(ctx context.Context, chatID string) error {
	return c.store.DeletePattern(ctx, "messages:chat:"+chatID+":*")
}

// InvalidateThread drops every list page cached under the thread scope.
func (c *ChatCache) InvalidateThread(ctx context.Context, threadID string) error {
	return c.store.DeletePattern(ctx, "messages:thread:"+threadID+":*")
}

// SetDeliveryStatus mirrors a delivery record to the shared delivery hash.
func (c *ChatCache) SetDeliveryStatus(ctx context.Context, messageID, status string, at time.Time, errMsg string) error {
	fields := map[string]string{
		"status":    status,
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	return c.store.HSet(ctx, DeliveryKey(messageID), fields, c.cfg.DeliveryTTL)
}

// WithLock exposes the distributed lock to the thread state machine.
func (c *ChatCache) WithLock(ctx context.Context, name string, fn func() error) error {
	return c.store.WithLock(ctx, name, fn)
}

func (c *ChatCache) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return c.store.Set(ctx, key, string(data), ttl)
}

func (c *ChatCache) getJSON(ctx context.Context, key string, out any) bool {
	val, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Cache entry corrupt, ignoring")
		return false
	}
	return true
}
