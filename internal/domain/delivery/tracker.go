package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/metrics"
)

// Delivery statuses. delivered and failed are terminal.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Record tracks one message from broadcast until acknowledgment or permanent
// failure. The tracker is its sole owner.
type Record struct {
	MessageID     string
	SenderID      string
	ChatID        string
	Message       *chat.Message
	Status        string
	Attempts      int
	LastAttemptAt time.Time
	Err           error
}

// StatusStore mirrors delivery state to shared storage (the redis
// delivery:{messageId} hash) so other instances and reconnecting clients can
// read it.
type StatusStore interface {
	SetDeliveryStatus(ctx context.Context, messageID, status string, at time.Time, errMsg string) error
}

// Tracker holds in-flight delivery records for this instance. Records are
// created when a send is initiated and dropped once they reach a terminal
// state and have been surfaced.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	store   StatusStore
}

func NewTracker(store StatusStore) *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
		store:   store,
	}
}

// Track registers a pending record for the message. Tracking an id that is
// already tracked is a no-op, so a re-broadcast never duplicates a record.
func (t *Tracker) Track(msg *chat.Message) {
	t.mu.Lock()
	if _, ok := t.records[msg.ID]; ok {
		t.mu.Unlock()
		return
	}
	t.records[msg.ID] = &Record{
		MessageID:     msg.ID,
		SenderID:      msg.SenderID,
		ChatID:        msg.ChatID,
		Message:       msg,
		Status:        StatusPending,
		Attempts:      1,
		LastAttemptAt: time.Now().UTC(),
	}
	t.mu.Unlock()

	// Mirror after releasing the lock; a slow redis call must not stall
	// every other tracker operation.
	t.mirror(msg.ID, StatusPending, "")
	metrics.RecordDeliveryStatus(StatusPending)
}

// Get returns a copy of the record, if the message is still tracked.
func (t *Tracker) Get(messageID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[messageID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// RecordAttempt notes one more delivery attempt for the message.
func (t *Tracker) RecordAttempt(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[messageID]; ok {
		rec.Attempts++
		rec.LastAttemptAt = time.Now().UTC()
	}
}

// MarkDelivered transitions pending -> delivered on client acknowledgment and
// retires the record. Returns false when the message is unknown or already
// terminal; a terminal message never re-enters pending.
func (t *Tracker) MarkDelivered(messageID string) (Record, bool) {
	t.mu.Lock()
	rec, ok := t.records[messageID]
	if !ok || rec.Status != StatusPending {
		t.mu.Unlock()
		return Record{}, false
	}
	rec.Status = StatusDelivered
	final := *rec
	delete(t.records, messageID)
	t.mu.Unlock()

	t.mirror(messageID, StatusDelivered, "")
	metrics.RecordDeliveryStatus(StatusDelivered)
	return final, true
}

// MarkFailed transitions pending -> failed once the retry budget is exhausted
// and retires the record.
func (t *Tracker) MarkFailed(messageID string, cause error) (Record, bool) {
	t.mu.Lock()
	rec, ok := t.records[messageID]
	if !ok || rec.Status != StatusPending {
		t.mu.Unlock()
		return Record{}, false
	}
	rec.Status = StatusFailed
	rec.Err = cause
	final := *rec
	delete(t.records, messageID)
	t.mu.Unlock()

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	t.mirror(messageID, StatusFailed, errMsg)
	metrics.RecordDeliveryStatus(StatusFailed)
	return final, true
}

// PendingFor returns the messages still pending for a sender, used when the
// sender's socket disconnects.
func (t *Tracker) PendingFor(senderID string) []*chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []*chat.Message
	for _, rec := range t.records {
		if rec.SenderID == senderID && rec.Status == StatusPending {
			pending = append(pending, rec.Message)
		}
	}
	return pending
}

// Len reports the number of live records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Tracker) mirror(messageID, status, errMsg string) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.store.SetDeliveryStatus(ctx, messageID, status, time.Now().UTC(), errMsg); err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Msg("Delivery status mirror failed")
	}
}
