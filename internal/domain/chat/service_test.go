package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeMessageRepo struct {
	mu          sync.Mutex
	byID        map[string]*Message
	createCalls int
	failFirst   int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{byID: make(map[string]*Message)}
}

func (r *fakeMessageRepo) Create(ctx context.Context, msg *Message) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.createCalls++
	if r.createCalls <= r.failFirst {
		return nil, errors.New("connection reset by peer")
	}
	cp := *msg
	r.byID[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *fakeMessageRepo) FindByID(ctx context.Context, id string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *fakeMessageRepo) FindByChatID(ctx context.Context, chatID string, page PageOptions) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Message
	for _, msg := range r.byID {
		if msg.ChatID == chatID {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (r *fakeMessageRepo) FindByThreadID(ctx context.Context, threadID string, page PageOptions) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Message
	for _, msg := range r.byID {
		if msg.ThreadID == threadID {
			out = append(out, *msg)
		}
	}
	return out, nil
}

type fakeCache struct {
	mu          sync.Mutex
	messages    map[string]*Message
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{messages: make(map[string]*Message)}
}

func (c *fakeCache) StoreMessage(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *msg
	c.messages[cp.ID] = &cp
	return nil
}

func (c *fakeCache) GetMessage(ctx context.Context, id string) (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[id]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

func (c *fakeCache) GetChatPage(ctx context.Context, chatID string, page PageOptions) ([]Message, bool) {
	return nil, false
}

func (c *fakeCache) SetChatPage(ctx context.Context, chatID string, page PageOptions, msgs []Message) error {
	return nil
}

func (c *fakeCache) GetThreadPage(ctx context.Context, threadID string, page PageOptions) ([]Message, bool) {
	return nil, false
}

func (c *fakeCache) SetThreadPage(ctx context.Context, threadID string, page PageOptions, msgs []Message) error {
	return nil
}

func (c *fakeCache) InvalidateChat(ctx context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, "chat:"+chatID)
	return nil
}

func (c *fakeCache) InvalidateThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, "thread:"+threadID)
	return nil
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	fail      bool
	published []*Message
}

func (b *fakeBroadcaster) Publish(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("relay unavailable")
	}
	b.published = append(b.published, msg)
	return nil
}

type fakeDeliveryTracker struct {
	mu      sync.Mutex
	tracked []*Message
	pending map[string][]*Message
}

func newFakeDeliveryTracker() *fakeDeliveryTracker {
	return &fakeDeliveryTracker{pending: make(map[string][]*Message)}
}

func (t *fakeDeliveryTracker) Track(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = append(t.tracked, msg)
	t.pending[msg.SenderID] = append(t.pending[msg.SenderID], msg)
}

func (t *fakeDeliveryTracker) PendingFor(senderID string) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[senderID]
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []*Message
	causes    []error
}

func (s *fakeScheduler) Schedule(msg *Message, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, msg)
	s.causes = append(s.causes, cause)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	enriched *EnrichedMetadata
}

func (d *fakeDispatcher) Process(ctx context.Context, msg *Message) (*EnrichedMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return nil, errors.New("agent service is down")
	}
	if d.enriched != nil {
		return d.enriched, nil
	}
	return &EnrichedMetadata{}, nil
}

type fakeEvents struct {
	mu   sync.Mutex
	sent []string
}

func (e *fakeEvents) MessageSent(chatID, messageID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, messageID)
}

type pipelineFixture struct {
	svc        *Service
	repo       *fakeMessageRepo
	threads    *ThreadService
	threadRepo *fakeThreadRepo
	cache      *fakeCache
	broadcast  *fakeBroadcaster
	tracker    *fakeDeliveryTracker
	retries    *fakeScheduler
	dispatcher *fakeDispatcher
	events     *fakeEvents
}

func newPipelineFixture() *pipelineFixture {
	f := &pipelineFixture{
		repo:       newFakeMessageRepo(),
		threadRepo: newFakeThreadRepo(),
		cache:      newFakeCache(),
		broadcast:  &fakeBroadcaster{},
		tracker:    newFakeDeliveryTracker(),
		retries:    &fakeScheduler{},
		dispatcher: &fakeDispatcher{},
		events:     &fakeEvents{},
	}
	f.threads = NewThreadService(f.threadRepo, newNaiveLocker())
	f.svc = NewService(
		ServiceConfig{
			PersistAttempts:  3,
			PersistBaseDelay: time.Millisecond,
			MentionTimeout:   100 * time.Millisecond,
		},
		f.repo, f.threads, f.cache, f.broadcast, f.tracker, f.retries, f.dispatcher, f.events,
	)
	return f
}

func validMessage() *Message {
	return &Message{
		ChatID:   uuid.NewString(),
		SenderID: uuid.NewString(),
		Content:  "where should we eat tonight?",
	}
}

func TestSendHappyPath(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	msg := validMessage()
	persisted, err := f.svc.Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if persisted.ID == "" {
		t.Error("Expected server-assigned message ID")
	}
	if persisted.CreatedAt.IsZero() {
		t.Error("Expected server-assigned timestamp")
	}
	if persisted.Metadata.Type != TypeText {
		t.Errorf("Expected default type TEXT, got %s", persisted.Metadata.Type)
	}

	if f.repo.createCalls != 1 {
		t.Errorf("Expected 1 persistence attempt, got %d", f.repo.createCalls)
	}
	if len(f.broadcast.published) != 1 {
		t.Errorf("Expected 1 broadcast, got %d", len(f.broadcast.published))
	}
	if len(f.tracker.tracked) != 1 {
		t.Errorf("Expected 1 tracked delivery, got %d", len(f.tracker.tracked))
	}
	if len(f.events.sent) != 1 || f.events.sent[0] != persisted.ID {
		t.Errorf("Expected message-sent event for %s, got %v", persisted.ID, f.events.sent)
	}
	if len(f.retries.scheduled) != 0 {
		t.Errorf("Expected empty retry queue, got %d entries", len(f.retries.scheduled))
	}

	// Write-through: the message is readable from cache without a repo hit.
	if _, ok := f.cache.GetMessage(ctx, persisted.ID); !ok {
		t.Error("Expected message in cache after send")
	}
}

func TestSendContentBounds(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"empty", "", true},
		{"single rune", "x", false},
		{"at limit", strings.Repeat("a", 10000), false},
		{"over limit", strings.Repeat("a", 10001), true},
		{"multibyte at limit", strings.Repeat("é", 10000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture()
			msg := validMessage()
			msg.Content = tt.content

			_, err := f.svc.Send(context.Background(), msg)
			if tt.wantErr {
				var validationErr *ValidationError
				if !errors.As(err, &validationErr) {
					t.Fatalf("Expected ValidationError, got %v", err)
				}
				if f.repo.createCalls != 0 {
					t.Errorf("Rejected message reached the repository (%d calls)", f.repo.createCalls)
				}
				return
			}
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
		})
	}
}

func TestSendRejectsMalformedIDs(t *testing.T) {
	f := newPipelineFixture()

	msg := validMessage()
	msg.ChatID = "not-a-uuid"
	var validationErr *ValidationError
	if _, err := f.svc.Send(context.Background(), msg); !errors.As(err, &validationErr) {
		t.Errorf("Expected ValidationError for chat_id, got %v", err)
	}

	msg = validMessage()
	msg.SenderID = "42"
	if _, err := f.svc.Send(context.Background(), msg); !errors.As(err, &validationErr) {
		t.Errorf("Expected ValidationError for sender_id, got %v", err)
	}
}

func TestSendAIResponseRequiresContext(t *testing.T) {
	f := newPipelineFixture()

	msg := validMessage()
	msg.Metadata.Type = TypeAIResponse

	var validationErr *ValidationError
	if _, err := f.svc.Send(context.Background(), msg); !errors.As(err, &validationErr) {
		t.Fatalf("Expected ValidationError without ai_context, got %v", err)
	}

	msg = validMessage()
	msg.Metadata.Type = TypeAIResponse
	msg.Metadata.AIContext = map[string]interface{}{"model": "gpt-4o", "confidence": 0.92}
	if _, err := f.svc.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send failed with complete ai_context: %v", err)
	}
}

func TestSendSurvivesDispatcherOutage(t *testing.T) {
	f := newPipelineFixture()
	f.dispatcher.fail = true

	msg := validMessage()
	msg.Content = "@foodie any recommendations near the hotel?"

	persisted, err := f.svc.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send failed while dispatcher down: %v", err)
	}
	if f.dispatcher.calls != 1 {
		t.Errorf("Expected 1 dispatch attempt, got %d", f.dispatcher.calls)
	}
	if got := persisted.Metadata.Mentions; len(got) != 1 || got[0] != "foodie" {
		t.Errorf("Expected mentions [foodie], got %v", got)
	}
	if len(f.broadcast.published) != 1 {
		t.Error("Expected broadcast despite dispatcher outage")
	}
	if _, err := f.repo.FindByID(context.Background(), persisted.ID); err != nil {
		t.Errorf("Message not persisted: %v", err)
	}
}

func TestSendAppliesEnrichment(t *testing.T) {
	f := newPipelineFixture()
	f.dispatcher.enriched = &EnrichedMetadata{
		Agents:     []string{"foodie"},
		Model:      "gpt-4o",
		Confidence: 0.87,
	}

	msg := validMessage()
	msg.Content = "@foodie best ramen?"

	persisted, err := f.svc.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if persisted.Metadata.AIContext["model"] != "gpt-4o" {
		t.Errorf("Expected enriched model, got %v", persisted.Metadata.AIContext)
	}
	if persisted.Metadata.AIContext["confidence"] != 0.87 {
		t.Errorf("Expected enriched confidence, got %v", persisted.Metadata.AIContext)
	}
}

func TestSendSkipsDispatchWithoutMentions(t *testing.T) {
	f := newPipelineFixture()

	if _, err := f.svc.Send(context.Background(), validMessage()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if f.dispatcher.calls != 0 {
		t.Errorf("Expected no dispatch without mentions, got %d calls", f.dispatcher.calls)
	}
}

func TestSendRetriesPersistence(t *testing.T) {
	f := newPipelineFixture()
	f.repo.failFirst = 2

	persisted, err := f.svc.Send(context.Background(), validMessage())
	if err != nil {
		t.Fatalf("Send failed after transient errors: %v", err)
	}
	if f.repo.createCalls != 3 {
		t.Errorf("Expected exactly 3 persistence attempts, got %d", f.repo.createCalls)
	}
	if len(f.broadcast.published) != 1 || f.broadcast.published[0].ID != persisted.ID {
		t.Error("Expected exactly one broadcast of the persisted message")
	}
}

func TestSendPersistenceExhaustionAbortsPipeline(t *testing.T) {
	f := newPipelineFixture()
	f.repo.failFirst = 3

	_, err := f.svc.Send(context.Background(), validMessage())
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("Expected PersistenceError, got %v", err)
	}
	if persistErr.Attempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", persistErr.Attempts)
	}

	if len(f.broadcast.published) != 0 {
		t.Error("Broadcast ran after persistence failure")
	}
	if len(f.tracker.tracked) != 0 {
		t.Error("Delivery tracked after persistence failure")
	}
	if len(f.cache.messages) != 0 {
		t.Error("Cache written after persistence failure")
	}
	if len(f.events.sent) != 0 {
		t.Error("Event emitted after persistence failure")
	}
}

func TestSendBroadcastFailureSchedulesRetry(t *testing.T) {
	f := newPipelineFixture()
	f.broadcast.fail = true

	persisted, err := f.svc.Send(context.Background(), validMessage())
	if err != nil {
		t.Fatalf("Send must succeed when only the broadcast fails, got %v", err)
	}

	if len(f.retries.scheduled) != 1 || f.retries.scheduled[0].ID != persisted.ID {
		t.Fatalf("Expected the message in the retry queue, got %v", f.retries.scheduled)
	}
	var deliveryErr *DeliveryError
	if !errors.As(f.retries.causes[0], &deliveryErr) {
		t.Errorf("Expected DeliveryError cause, got %v", f.retries.causes[0])
	}
	if len(f.events.sent) != 0 {
		t.Error("message-sent event emitted for a failed broadcast")
	}
	if len(f.tracker.tracked) != 1 {
		t.Error("Delivery must still be tracked when broadcast fails")
	}
}

func TestSendToLockedThread(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	thread, err := f.threads.CreateThread(ctx, uuid.NewString(), uuid.NewString(), []string{uuid.NewString()})
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if _, err := f.threads.Transition(ctx, thread.ID, StatusLocked); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	msg := validMessage()
	msg.ThreadID = thread.ID
	if _, err := f.svc.Send(ctx, msg); !errors.Is(err, ErrThreadLocked) {
		t.Fatalf("Expected ErrThreadLocked, got %v", err)
	}
	if f.repo.createCalls != 0 {
		t.Errorf("Locked-thread message reached the repository (%d calls)", f.repo.createCalls)
	}
	if len(f.broadcast.published) != 0 {
		t.Error("Locked-thread message was broadcast")
	}
}

func TestSendUpdatesThreadMetadata(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	first := uuid.NewString()
	thread, err := f.threads.CreateThread(ctx, uuid.NewString(), uuid.NewString(), []string{first})
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	msg := validMessage()
	msg.ThreadID = thread.ID
	if _, err := f.svc.Send(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := f.threads.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Metadata.MessageCount != 1 {
		t.Errorf("Expected message count 1, got %d", got.Metadata.MessageCount)
	}
	if !got.HasParticipant(msg.SenderID) {
		t.Errorf("Sender not added to participants: %v", got.Metadata.ParticipantIDs)
	}

	// Both the chat and thread pages were invalidated.
	var chatInv, threadInv bool
	for _, key := range f.cache.invalidated {
		if key == "chat:"+msg.ChatID {
			chatInv = true
		}
		if key == "thread:"+thread.ID {
			threadInv = true
		}
	}
	if !chatInv || !threadInv {
		t.Errorf("Expected chat and thread invalidation, got %v", f.cache.invalidated)
	}
}

func TestGetMessageReadThrough(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	persisted, err := f.svc.Send(ctx, validMessage())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := f.svc.GetMessage(ctx, persisted.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.ID != persisted.ID || got.Content != persisted.Content {
		t.Errorf("Round trip mismatch: got %+v", got)
	}

	// Cold cache falls back to the repository and backfills.
	f.cache.mu.Lock()
	f.cache.messages = make(map[string]*Message)
	f.cache.mu.Unlock()

	if _, err := f.svc.GetMessage(ctx, persisted.ID); err != nil {
		t.Fatalf("GetMessage after cache flush failed: %v", err)
	}
	if _, ok := f.cache.GetMessage(ctx, persisted.ID); !ok {
		t.Error("Expected cache backfill on miss")
	}

	if _, err := f.svc.GetMessage(ctx, uuid.NewString()); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("Expected ErrMessageNotFound, got %v", err)
	}
}

func TestRerouteDisconnected(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	msg := validMessage()
	persisted, err := f.svc.Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	f.svc.RerouteDisconnected(msg.SenderID)
	if len(f.retries.scheduled) != 1 || f.retries.scheduled[0].ID != persisted.ID {
		t.Fatalf("Expected pending message rescheduled, got %v", f.retries.scheduled)
	}

	// A sender with no pending deliveries schedules nothing.
	f.svc.RerouteDisconnected(uuid.NewString())
	if len(f.retries.scheduled) != 1 {
		t.Errorf("Unexpected reschedule for idle sender: %d", len(f.retries.scheduled))
	}
}
