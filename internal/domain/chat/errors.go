package chat

import (
	"errors"
	"fmt"
)

// Sentinel lookup and state errors. These are never retried and surface
// synchronously to the caller.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrThreadLocked    = errors.New("thread is locked")
	ErrDuplicateThread = errors.New("thread already exists for parent message")
)

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure that survived the retry budget.
type PersistenceError struct {
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError wraps a broadcast or relay failure. Delivery errors are fed to
// the retry queue rather than surfaced immediately.
type DeliveryError struct {
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for message %s: %v", e.MessageID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// InvalidTransitionError reports a thread status change not allowed by the
// transition table. The thread state is left unchanged.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid thread transition %s -> %s", e.From, e.To)
}

// MentionDispatchError is logged and counted but never propagated; AI
// enrichment must not block delivery.
type MentionDispatchError struct {
	Err error
}

func (e *MentionDispatchError) Error() string {
	return fmt.Sprintf("mention dispatch failed: %v", e.Err)
}

func (e *MentionDispatchError) Unwrap() error { return e.Err }
