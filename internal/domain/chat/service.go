package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/metrics"
)

// Broadcaster fans a persisted message out to every interested socket, local
// and on other instances.
type Broadcaster interface {
	Publish(ctx context.Context, msg *Message) error
}

// Cache is the read-through/write-through coordinator in front of the
// repositories.
type Cache interface {
	StoreMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, bool)
	GetChatPage(ctx context.Context, chatID string, page PageOptions) ([]Message, bool)
	SetChatPage(ctx context.Context, chatID string, page PageOptions, msgs []Message) error
	GetThreadPage(ctx context.Context, threadID string, page PageOptions) ([]Message, bool)
	SetThreadPage(ctx context.Context, threadID string, page PageOptions, msgs []Message) error
	InvalidateChat(ctx context.Context, chatID string) error
	InvalidateThread(ctx context.Context, threadID string) error
}

// DeliveryTracker records per-message delivery state.
type DeliveryTracker interface {
	Track(msg *Message)
	PendingFor(senderID string) []*Message
}

// RetryScheduler accepts messages whose broadcast failed for bounded retry.
type RetryScheduler interface {
	Schedule(msg *Message, cause error)
}

// MentionDispatcher is the external AI enrichment collaborator. Calls are
// best-effort; failures never block the pipeline.
type MentionDispatcher interface {
	Process(ctx context.Context, msg *Message) (*EnrichedMetadata, error)
}

// EventSink emits lifecycle events back to the sender's chat room.
type EventSink interface {
	MessageSent(chatID, messageID string, at time.Time)
}

// ServiceConfig tunes the send pipeline.
type ServiceConfig struct {
	PersistAttempts  int
	PersistBaseDelay time.Duration
	MentionTimeout   time.Duration
	DefaultPageSize  int
	MaxPageSize      int
}

// DefaultServiceConfig matches the documented pipeline behaviour: three
// persistence attempts with exponential backoff from one second, and a
// two-second mention dispatch budget.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PersistAttempts:  3,
		PersistBaseDelay: time.Second,
		MentionTimeout:   2 * time.Second,
		DefaultPageSize:  50,
		MaxPageSize:      100,
	}
}

// Service is the send pipeline: mention extraction, enrichment, persistence,
// cache write-through, broadcast and delivery tracking, in that order.
// Persistence failure aborts the pipeline before any broadcast, cache write or
// tracking happens.
type Service struct {
	cfg        ServiceConfig
	messages   MessageRepository
	threads    *ThreadService
	cache      Cache
	broadcast  Broadcaster
	tracker    DeliveryTracker
	retries    RetryScheduler
	dispatcher MentionDispatcher
	events     EventSink
}

func NewService(
	cfg ServiceConfig,
	messages MessageRepository,
	threads *ThreadService,
	cache Cache,
	broadcast Broadcaster,
	tracker DeliveryTracker,
	retries RetryScheduler,
	dispatcher MentionDispatcher,
	events EventSink,
) *Service {
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	return &Service{
		cfg:        cfg,
		messages:   messages,
		threads:    threads,
		cache:      cache,
		broadcast:  broadcast,
		tracker:    tracker,
		retries:    retries,
		dispatcher: dispatcher,
		events:     events,
	}
}

// Send runs the full pipeline for one inbound message and returns the
// persisted message. Validation and thread state errors surface synchronously;
// a broadcast failure is handed to the retry queue and does not fail the call.
func (s *Service) Send(ctx context.Context, msg *Message) (*Message, error) {
	if err := s.validate(ctx, msg); err != nil {
		return nil, err
	}

	msg.Metadata.Mentions = ExtractMentions(msg.Content)
	if len(msg.Metadata.Mentions) > 0 {
		s.dispatchMentions(ctx, msg)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now().UTC()
	if msg.Metadata.Type == "" {
		msg.Metadata.Type = TypeText
	}

	persisted, err := s.persistWithRetry(ctx, msg)
	if err != nil {
		metrics.RecordSend("persist_failed")
		return nil, err
	}

	if err := s.cache.StoreMessage(ctx, persisted); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("message_id", persisted.ID).Msg("Cache write-through failed")
	}
	if err := s.cache.InvalidateChat(ctx, persisted.ChatID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("chat_id", persisted.ChatID).Msg("Chat list invalidation failed")
	}
	if persisted.ThreadID != "" {
		if err := s.cache.InvalidateThread(ctx, persisted.ThreadID); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("thread_id", persisted.ThreadID).Msg("Thread list invalidation failed")
		}
	}

	s.tracker.Track(persisted)

	if err := s.broadcast.Publish(ctx, persisted); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("message_id", persisted.ID).Msg("Broadcast failed, scheduling retry")
		s.retries.Schedule(persisted, &DeliveryError{MessageID: persisted.ID, Err: err})
	} else if s.events != nil {
		s.events.MessageSent(persisted.ChatID, persisted.ID, persisted.CreatedAt)
	}

	if persisted.ThreadID != "" {
		if err := s.threads.AddMessage(ctx, persisted.ThreadID, persisted.SenderID); err != nil {
			// The message is already durable and broadcast; a late thread
			// metadata failure must not retract delivery.
			log.Ctx(ctx).Error().Err(err).
				Str("thread_id", persisted.ThreadID).
				Str("message_id", persisted.ID).
				Msg("Thread metadata update failed")
		}
	}

	metrics.RecordSend("ok")
	return persisted, nil
}

func (s *Service) validate(ctx context.Context, msg *Message) error {
	length := len([]rune(msg.Content))
	if length < MinContentLength || length > MaxContentLength {
		return &ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("length %d outside [%d,%d]", length, MinContentLength, MaxContentLength),
		}
	}
	if _, err := uuid.Parse(msg.ChatID); err != nil {
		return &ValidationError{Field: "chat_id", Reason: "must be a UUID"}
	}
	if _, err := uuid.Parse(msg.SenderID); err != nil {
		return &ValidationError{Field: "sender_id", Reason: "must be a UUID"}
	}
	if msg.Metadata.Type == TypeAIResponse {
		if msg.Metadata.AIContext["model"] == nil || msg.Metadata.AIContext["confidence"] == nil {
			return &ValidationError{Field: "metadata", Reason: "AI_RESPONSE requires model and confidence in ai_context"}
		}
	}

	// A locked thread rejects message additions up front, before any side
	// effect.
	if msg.ThreadID != "" {
		thread, err := s.threads.Get(ctx, msg.ThreadID)
		if err != nil {
			return err
		}
		if thread.Metadata.Status == StatusLocked {
			return ErrThreadLocked
		}
	}
	return nil
}

// dispatchMentions calls the enrichment collaborator within its local budget.
// Any failure is logged and swallowed; the pipeline continues with the
// metadata it already has.
func (s *Service) dispatchMentions(ctx context.Context, msg *Message) {
	if s.dispatcher == nil {
		return
	}

	timeout := s.cfg.MentionTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	enriched, err := s.dispatcher.Process(dispatchCtx, msg)
	if err != nil {
		dispatchErr := &MentionDispatchError{Err: err}
		log.Ctx(ctx).Warn().Err(dispatchErr).Str("message_id", msg.ID).Msg("Mention dispatch failed, continuing")
		metrics.RecordMentionDispatch("error")
		return
	}

	if msg.Metadata.AIContext == nil {
		msg.Metadata.AIContext = make(map[string]interface{})
	}
	if enriched.Model != "" {
		msg.Metadata.AIContext["model"] = enriched.Model
		msg.Metadata.AIContext["confidence"] = enriched.Confidence
	}
	if len(enriched.Agents) > 0 {
		msg.Metadata.AIContext["agents"] = enriched.Agents
	}
	for k, v := range enriched.Context {
		msg.Metadata.AIContext[k] = v
	}
	metrics.RecordMentionDispatch("ok")
}

func (s *Service) persistWithRetry(ctx context.Context, msg *Message) (*Message, error) {
	var persisted *Message
	attempts := 0

	op := func() error {
		attempts++
		created, err := s.messages.Create(ctx, msg)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).
				Str("message_id", msg.ID).
				Int("attempt", attempts).
				Msg("Persistence attempt failed")
			return err
		}
		persisted = created
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.PersistBaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(s.cfg.PersistAttempts-1)), ctx))
	if err != nil {
		return nil, &PersistenceError{Attempts: attempts, Err: err}
	}
	return persisted, nil
}

// GetMessage is a read-through single-message lookup.
func (s *Service) GetMessage(ctx context.Context, id string) (*Message, error) {
	if msg, ok := s.cache.GetMessage(ctx, id); ok {
		metrics.RecordCacheHit("message")
		return msg, nil
	}
	metrics.RecordCacheMiss("message")

	msg, err := s.messages.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.StoreMessage(ctx, msg); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("message_id", id).Msg("Cache backfill failed")
	}
	return msg, nil
}

// ChatHistory returns one page of a chat's messages, read-through cached.
func (s *Service) ChatHistory(ctx context.Context, chatID string, page PageOptions) ([]Message, error) {
	page = s.clampPage(page)
	if msgs, ok := s.cache.GetChatPage(ctx, chatID, page); ok {
		metrics.RecordCacheHit("chat_page")
		return msgs, nil
	}
	metrics.RecordCacheMiss("chat_page")

	msgs, err := s.messages.FindByChatID(ctx, chatID, page)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetChatPage(ctx, chatID, page, msgs); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("chat_id", chatID).Msg("Chat page cache fill failed")
	}
	return msgs, nil
}

// ThreadHistory returns one page of a thread's messages, read-through cached.
func (s *Service) ThreadHistory(ctx context.Context, threadID string, page PageOptions) ([]Message, error) {
	page = s.clampPage(page)
	if msgs, ok := s.cache.GetThreadPage(ctx, threadID, page); ok {
		metrics.RecordCacheHit("thread_page")
		return msgs, nil
	}
	metrics.RecordCacheMiss("thread_page")

	msgs, err := s.messages.FindByThreadID(ctx, threadID, page)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetThreadPage(ctx, threadID, page, msgs); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("thread_id", threadID).Msg("Thread page cache fill failed")
	}
	return msgs, nil
}

// RerouteDisconnected moves every still-pending message from the given sender
// into the retry queue. The disconnecting client can no longer deliver the
// synchronous acknowledgment, so the retry path takes over immediately.
func (s *Service) RerouteDisconnected(senderID string) {
	pending := s.tracker.PendingFor(senderID)
	for _, msg := range pending {
		s.retries.Schedule(msg, &DeliveryError{
			MessageID: msg.ID,
			Err:       errors.New("originating socket disconnected"),
		})
	}
	if len(pending) > 0 {
		log.Warn().
			Str("sender_id", senderID).
			Int("messages", len(pending)).
			Msg("Rerouted pending deliveries after disconnect")
	}
}

func (s *Service) clampPage(page PageOptions) PageOptions {
	if page.Limit <= 0 {
		page.Limit = s.cfg.DefaultPageSize
	}
	if page.Limit > s.cfg.MaxPageSize {
		page.Limit = s.cfg.MaxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}
