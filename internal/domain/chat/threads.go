package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/metrics"
)

// transitions is the full status transition table. Absence means the
// transition is rejected. LOCKED is terminal.
var transitions = map[string][]string{
	StatusActive:   {StatusArchived, StatusLocked},
	StatusArchived: {StatusActive},
	StatusLocked:   {},
}

// CanTransition reports whether the status change from -> to is allowed.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Locker serializes a critical section across service instances. The redis
// cache provides the production implementation (redsync).
type Locker interface {
	WithLock(ctx context.Context, name string, fn func() error) error
}

// ThreadService owns thread creation, metadata updates and the status state
// machine. Every metadata mutation runs under a per-thread distributed lock so
// concurrent AddMessage calls from multiple instances never lose increments.
type ThreadService struct {
	repo   ThreadRepository
	locker Locker
}

func NewThreadService(repo ThreadRepository, locker Locker) *ThreadService {
	return &ThreadService{repo: repo, locker: locker}
}

func threadLockName(threadID string) string {
	return "lock:thread:" + threadID
}

// CreateThread creates the thread anchored to parentMessageID. Exactly one
// thread may exist per parent message; a second create fails with
// ErrDuplicateThread.
func (s *ThreadService) CreateThread(ctx context.Context, parentMessageID, chatID string, initialParticipants []string) (*Thread, error) {
	if parentMessageID == "" {
		return nil, &ValidationError{Field: "parent_message_id", Reason: "must not be empty"}
	}
	if chatID == "" {
		return nil, &ValidationError{Field: "chat_id", Reason: "must not be empty"}
	}
	if len(initialParticipants) == 0 {
		return nil, &ValidationError{Field: "participant_ids", Reason: "must not be empty"}
	}

	thread := &Thread{
		ID:              uuid.NewString(),
		ParentMessageID: parentMessageID,
		ChatID:          chatID,
		CreatedAt:       time.Now().UTC(),
		Metadata: ThreadMetadata{
			Status:         StatusActive,
			ParticipantIDs: initialParticipants,
			LastActivityAt: time.Now().UTC(),
			MessageCount:   0,
		},
	}

	created, err := s.repo.Create(ctx, thread)
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("thread_id", created.ID).
		Str("parent_message_id", parentMessageID).
		Msg("Thread created")
	metrics.RecordThreadOp("create", "ok")
	return created, nil
}

// Get returns the thread or ErrThreadNotFound.
func (s *ThreadService) Get(ctx context.Context, threadID string) (*Thread, error) {
	return s.repo.FindByID(ctx, threadID)
}

// AddMessage applies a message arrival to the thread: message_count increments
// by exactly one, the sender joins the participant set (set-idempotent) and
// last_activity_at moves to now. Rejected with ErrThreadLocked for LOCKED
// threads.
func (s *ThreadService) AddMessage(ctx context.Context, threadID, senderID string) error {
	err := s.locker.WithLock(ctx, threadLockName(threadID), func() error {
		thread, err := s.repo.FindByID(ctx, threadID)
		if err != nil {
			return err
		}
		if thread.Metadata.Status == StatusLocked {
			return ErrThreadLocked
		}

		participants := thread.Metadata.ParticipantIDs
		if !thread.HasParticipant(senderID) {
			participants = append(participants, senderID)
		}
		return s.repo.IncrementActivity(ctx, threadID, participants, time.Now().UTC())
	})
	if err != nil {
		metrics.RecordThreadOp("add_message", "error")
		return err
	}

	metrics.RecordThreadOp("add_message", "ok")
	return nil
}

// Transition applies an explicit status change after validating it against the
// transition table. Invalid transitions leave the thread untouched.
func (s *ThreadService) Transition(ctx context.Context, threadID, target string) (*Thread, error) {
	if target != StatusActive && target != StatusArchived && target != StatusLocked {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", target)}
	}

	var updated *Thread
	err := s.locker.WithLock(ctx, threadLockName(threadID), func() error {
		thread, err := s.repo.FindByID(ctx, threadID)
		if err != nil {
			return err
		}
		if !CanTransition(thread.Metadata.Status, target) {
			return &InvalidTransitionError{From: thread.Metadata.Status, To: target}
		}

		meta := thread.Metadata
		meta.Status = target
		if err := s.repo.UpdateMetadata(ctx, threadID, meta); err != nil {
			return err
		}
		thread.Metadata = meta
		updated = thread
		return nil
	})
	if err != nil {
		metrics.RecordThreadOp("transition", "error")
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("thread_id", threadID).
		Str("status", target).
		Msg("Thread status changed")
	metrics.RecordThreadOp("transition", "ok")
	return updated, nil
}
