package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tripmates/chat-server/internal/domain/chat"
)

type memMessageRepo struct {
	mu   sync.Mutex
	byID map[string]*chat.Message
}

func (r *memMessageRepo) Create(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.byID[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memMessageRepo) FindByID(ctx context.Context, id string) (*chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return nil, chat.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *memMessageRepo) FindByChatID(ctx context.Context, chatID string, page chat.PageOptions) ([]chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := []chat.Message{}
	for _, msg := range r.byID {
		if msg.ChatID == chatID {
			msgs = append(msgs, *msg)
		}
	}
	return msgs, nil
}

func (r *memMessageRepo) FindByThreadID(ctx context.Context, threadID string, page chat.PageOptions) ([]chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := []chat.Message{}
	for _, msg := range r.byID {
		if msg.ThreadID == threadID {
			msgs = append(msgs, *msg)
		}
	}
	return msgs, nil
}

type memThreadRepo struct {
	mu       sync.Mutex
	byID     map[string]*chat.Thread
	byParent map[string]string
}

func (r *memThreadRepo) Create(ctx context.Context, thread *chat.Thread) (*chat.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byParent[thread.ParentMessageID]; ok {
		return nil, chat.ErrDuplicateThread
	}
	cp := *thread
	r.byID[cp.ID] = &cp
	r.byParent[cp.ParentMessageID] = cp.ID
	out := cp
	return &out, nil
}

func (r *memThreadRepo) FindByID(ctx context.Context, id string) (*chat.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread, ok := r.byID[id]
	if !ok {
		return nil, chat.ErrThreadNotFound
	}
	cp := *thread
	return &cp, nil
}

func (r *memThreadRepo) UpdateMetadata(ctx context.Context, id string, meta chat.ThreadMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread, ok := r.byID[id]
	if !ok {
		return chat.ErrThreadNotFound
	}
	thread.Metadata = meta
	return nil
}

func (r *memThreadRepo) IncrementActivity(ctx context.Context, id string, participants []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread, ok := r.byID[id]
	if !ok {
		return chat.ErrThreadNotFound
	}
	thread.Metadata.MessageCount++
	thread.Metadata.ParticipantIDs = participants
	thread.Metadata.LastActivityAt = at
	return nil
}

type noopCache struct{}

func (noopCache) StoreMessage(ctx context.Context, msg *chat.Message) error { return nil }
func (noopCache) GetMessage(ctx context.Context, id string) (*chat.Message, bool) {
	return nil, false
}
func (noopCache) GetChatPage(ctx context.Context, chatID string, page chat.PageOptions) ([]chat.Message, bool) {
	return nil, false
}
func (noopCache) SetChatPage(ctx context.Context, chatID string, page chat.PageOptions, msgs []chat.Message) error {
	return nil
}
func (noopCache) GetThreadPage(ctx context.Context, threadID string, page chat.PageOptions) ([]chat.Message, bool) {
	return nil, false
}
func (noopCache) SetThreadPage(ctx context.Context, threadID string, page chat.PageOptions, msgs []chat.Message) error {
	return nil
}
func (noopCache) InvalidateChat(ctx context.Context, chatID string) error     { return nil }
func (noopCache) InvalidateThread(ctx context.Context, threadID string) error { return nil }

type noopBroadcaster struct{}

func (noopBroadcaster) Publish(ctx context.Context, msg *chat.Message) error { return nil }

type noopTracker struct{}

func (noopTracker) Track(msg *chat.Message)                    {}
func (noopTracker) PendingFor(senderID string) []*chat.Message { return nil }

type noopScheduler struct{}

func (noopScheduler) Schedule(msg *chat.Message, cause error) {}

type processLocker struct{}

func (processLocker) WithLock(ctx context.Context, name string, fn func() error) error {
	return fn()
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	threads := chat.NewThreadService(&memThreadRepo{
		byID:     make(map[string]*chat.Thread),
		byParent: make(map[string]string),
	}, processLocker{})
	service := chat.NewService(
		chat.DefaultServiceConfig(),
		&memMessageRepo{byID: make(map[string]*chat.Message)},
		threads,
		noopCache{},
		noopBroadcaster{},
		noopTracker{},
		noopScheduler{},
		nil,
		nil,
	)
	handler := NewChatHandler(service, threads, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.HandleHealth)
	mux.HandleFunc("POST /v1/messages", handler.HandleSend)
	mux.HandleFunc("GET /v1/messages/{messageID}", handler.HandleGetMessage)
	mux.HandleFunc("GET /v1/chats/{chatID}/messages", handler.HandleChatHistory)
	mux.HandleFunc("POST /v1/threads", handler.HandleCreateThread)
	mux.HandleFunc("GET /v1/threads/{threadID}", handler.HandleGetThread)
	mux.HandleFunc("GET /v1/threads/{threadID}/messages", handler.HandleThreadHistory)
	mux.HandleFunc("POST /v1/threads/{threadID}/status", handler.HandleThreadStatus)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHandleSend(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/messages", map[string]any{
		"chat_id":   uuid.NewString(),
		"sender_id": uuid.NewString(),
		"content":   "hello from the trip",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	var msg chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if msg.ID == "" {
		t.Error("Expected server-assigned id in response")
	}

	// The persisted message is readable back.
	getResp, err := http.Get(server.URL + "/v1/messages/" + msg.ID)
	if err != nil {
		t.Fatalf("GET message: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", getResp.StatusCode)
	}
}

func TestHandleSendValidation(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/messages", map[string]any{
		"chat_id":   uuid.NewString(),
		"sender_id": uuid.NewString(),
		"content":   "",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty content, got %d", resp.StatusCode)
	}
}

func TestHandleGetMessageNotFound(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/v1/messages/" + uuid.NewString())
	if err != nil {
		t.Fatalf("GET message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestThreadEndpoints(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/threads", map[string]any{
		"parent_message_id": uuid.NewString(),
		"chat_id":           uuid.NewString(),
		"participant_ids":   []string{uuid.NewString()},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var thread chat.Thread
	if err := json.NewDecoder(resp.Body).Decode(&thread); err != nil {
		t.Fatalf("Decode thread: %v", err)
	}
	resp.Body.Close()

	// Duplicate parent is a conflict.
	dup := postJSON(t, server.URL+"/v1/threads", map[string]any{
		"parent_message_id": thread.ParentMessageID,
		"chat_id":           thread.ChatID,
		"participant_ids":   []string{uuid.NewString()},
	})
	dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate thread, got %d", dup.StatusCode)
	}

	// Lock it, then verify the state machine surfaces through HTTP.
	lock := postJSON(t, server.URL+"/v1/threads/"+thread.ID+"/status", map[string]any{"status": "LOCKED"})
	lock.Body.Close()
	if lock.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 locking thread, got %d", lock.StatusCode)
	}

	unlock := postJSON(t, server.URL+"/v1/threads/"+thread.ID+"/status", map[string]any{"status": "ACTIVE"})
	unlock.Body.Close()
	if unlock.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 leaving LOCKED, got %d", unlock.StatusCode)
	}

	send := postJSON(t, server.URL+"/v1/messages", map[string]any{
		"chat_id":   thread.ChatID,
		"sender_id": uuid.NewString(),
		"content":   "reply into locked thread",
		"thread_id": thread.ID,
	})
	send.Body.Close()
	if send.StatusCode != http.StatusLocked {
		t.Errorf("Expected 423 sending into locked thread, got %d", send.StatusCode)
	}
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthReportsUnavailableDependency(t *testing.T) {
	handler := NewChatHandler(nil, nil, map[string]HealthChecker{
		"redis": failingDep{},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.HandleHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

type failingDep struct{}

func (failingDep) HealthCheck(ctx context.Context) error {
	return errors.New("connection refused")
}
