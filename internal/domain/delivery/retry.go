package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/metrics"
)

// DefaultMaxAttempts bounds delivery attempts per message.
const DefaultMaxAttempts = 3

// DefaultRetryDelay is both the sweep interval and the fixed per-item delay.
const DefaultRetryDelay = 5 * time.Second

// Broadcaster re-publishes an already-persisted message. Re-broadcast is
// idempotent by message id; nothing is persisted again.
type Broadcaster interface {
	Publish(ctx context.Context, msg *chat.Message) error
}

// FailureNotifier surfaces a permanently failed delivery to the chat room.
type FailureNotifier interface {
	MessageFailed(chatID, messageID, reason string)
}

type queueItem struct {
	msg         *chat.Message
	attempts    int
	nextRetryAt time.Time
	lastErr     error
}

// Queue holds messages whose broadcast failed and re-attempts them on a fixed
// sweep interval. An item lives until its broadcast succeeds or the attempt
// budget is exhausted, at which point the delivery record is failed and a
// single message-failed event is emitted.
type Queue struct {
	mu    sync.Mutex
	items map[string]*queueItem

	tracker     *Tracker
	broadcaster Broadcaster
	notifier    FailureNotifier
	maxAttempts int
	delay       time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewQueue(tracker *Tracker, broadcaster Broadcaster, notifier FailureNotifier, maxAttempts int, delay time.Duration) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &Queue{
		items:       make(map[string]*queueItem),
		tracker:     tracker,
		broadcaster: broadcaster,
		notifier:    notifier,
		maxAttempts: maxAttempts,
		delay:       delay,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Schedule enqueues a message after a failed broadcast attempt. The failed
// attempt counts against the budget; scheduling an already-queued id only
// refreshes its error.
func (q *Queue) Schedule(msg *chat.Message, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.items[msg.ID]; ok {
		item.lastErr = cause
		return
	}
	q.items[msg.ID] = &queueItem{
		msg:         msg,
		attempts:    1,
		nextRetryAt: time.Now().Add(q.delay),
		lastErr:     cause,
	}
	metrics.SetRetryQueueDepth(len(q.items))
	log.Warn().
		Str("message_id", msg.ID).
		Err(cause).
		Msg("Message queued for delivery retry")
}

// Start runs the sweep loop until Stop or context cancellation. Owned by the
// application lifecycle, not a bare global timer.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.doneCh)
		ticker := time.NewTicker(q.delay)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case now := <-ticker.C:
				q.Sweep(ctx, now)
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

// Sweep re-broadcasts every item whose retry time has come. Exported so tests
// can drive the queue without waiting on the ticker.
func (q *Queue) Sweep(ctx context.Context, now time.Time) {
	q.mu.Lock()
	var due []*queueItem
	for _, item := range q.items {
		if !item.nextRetryAt.After(now) {
			due = append(due, item)
		}
	}
	q.mu.Unlock()

	for _, item := range due {
		q.retry(ctx, item, now)
	}
}

func (q *Queue) retry(ctx context.Context, item *queueItem, now time.Time) {
	q.tracker.RecordAttempt(item.msg.ID)

	err := q.broadcaster.Publish(ctx, item.msg)
	if err == nil {
		q.remove(item.msg.ID)
		metrics.RecordRetry("ok")
		log.Info().Str("message_id", item.msg.ID).Msg("Delivery retry succeeded")
		return
	}

	q.mu.Lock()
	item.attempts++
	item.lastErr = err
	attempts := item.attempts
	item.nextRetryAt = now.Add(q.delay)
	q.mu.Unlock()

	if attempts < q.maxAttempts {
		metrics.RecordRetry("requeued")
		log.Warn().
			Str("message_id", item.msg.ID).
			Int("attempts", attempts).
			Err(err).
			Msg("Delivery retry failed, will retry")
		return
	}

	q.remove(item.msg.ID)
	metrics.RecordRetry("exhausted")

	rec, ok := q.tracker.MarkFailed(item.msg.ID, err)
	if !ok {
		return
	}
	log.Error().
		Str("message_id", rec.MessageID).
		Int("attempts", attempts).
		Err(err).
		Msg("Delivery permanently failed")
	if q.notifier != nil {
		q.notifier.MessageFailed(rec.ChatID, rec.MessageID, err.Error())
	}
}

func (q *Queue) remove(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, messageID)
	metrics.SetRetryQueueDepth(len(q.items))
}

// Contains reports whether the message is queued for retry.
func (q *Queue) Contains(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[messageID]
	return ok
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
