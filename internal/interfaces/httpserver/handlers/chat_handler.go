package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/interfaces/httpserver/responses"
)

// HealthChecker pings one backing dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type ChatHandler struct {
	service *chat.Service
	threads *chat.ThreadService
	deps    map[string]HealthChecker
}

func NewChatHandler(service *chat.Service, threads *chat.ThreadService, deps map[string]HealthChecker) *ChatHandler {
	return &ChatHandler{service: service, threads: threads, deps: deps}
}

// HandleSend handles POST /v1/messages
func (h *ChatHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	var msg chat.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		logger.Error().Err(err).Msg("Failed to decode send request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	persisted, err := h.service.Send(r.Context(), &msg)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	responses.JSON(w, r, http.StatusCreated, persisted)
}

// HandleGetMessage handles GET /v1/messages/{messageID}
func (h *ChatHandler) HandleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("messageID")
	if id == "" {
		responses.Error(w, r, http.StatusBadRequest, "message id is required")
		return
	}

	msg, err := h.service.GetMessage(r.Context(), id)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	responses.JSON(w, r, http.StatusOK, msg)
}

// HandleChatHistory handles GET /v1/chats/{chatID}/messages
func (h *ChatHandler) HandleChatHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		responses.Error(w, r, http.StatusBadRequest, "chat id is required")
		return
	}

	msgs, err := h.service.ChatHistory(r.Context(), chatID, pageFromQuery(r))
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	responses.JSON(w, r, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// HandleThreadHistory handles GET /v1/threads/{threadID}/messages
func (h *ChatHandler) HandleThreadHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	if threadID == "" {
		responses.Error(w, r, http.StatusBadRequest, "thread id is required")
		return
	}

	msgs, err := h.service.ThreadHistory(r.Context(), threadID, pageFromQuery(r))
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	responses.JSON(w, r, http.StatusOK, map[string]interface{}{"messages": msgs})
}

type createThreadRequest struct {
	ParentMessageID string   `json:"parent_message_id"`
	ChatID          string   `json:"chat_id"`
	ParticipantIDs  []string `json:"participant_ids"`
}

// HandleCreateThread handles POST /v1/threads
func (h *ChatHandler) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode create thread request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	thread, err := h.threads.CreateThread(r.Context(), req.ParentMessageID, req.ChatID, req.ParticipantIDs)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	responses.JSON(w, r, http.StatusCreated, thread)
}

// HandleGetThread handles GET /v1/threads/{threadID}
func (h *ChatHandler) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	thread, err := h.threads.Get(r.Context(), threadID)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	responses.JSON(w, r, http.StatusOK, thread)
}

type threadStatusRequest struct {
	Status string `json:"status"`
}

// HandleThreadStatus handles POST /v1/threads/{threadID}/status
func (h *ChatHandler) HandleThreadStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	threadID := r.PathValue("threadID")

	var req threadStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error().Err(err).Msg("Failed to decode thread status request")
		responses.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	thread, err := h.threads.Transition(r.Context(), threadID, req.Status)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	responses.JSON(w, r, http.StatusOK, thread)
}

// HandleHealth handles GET /healthz
func (h *ChatHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	for name, dep := range h.deps {
		if err := dep.HealthCheck(r.Context()); err != nil {
			log.Ctx(r.Context()).Error().Err(err).Str("dependency", name).Msg("Health check failed")
			responses.Error(w, r, http.StatusServiceUnavailable, name+" unavailable")
			return
		}
	}
	responses.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func pageFromQuery(r *http.Request) chat.PageOptions {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return chat.PageOptions{Limit: limit, Offset: offset}
}

// writeChatError maps domain errors onto HTTP statuses. Validation and state
// machine violations are client errors; everything else is a 500.
func writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *chat.ValidationError
	var transitionErr *chat.InvalidTransitionError

	switch {
	case errors.As(err, &validationErr):
		responses.Error(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &transitionErr):
		responses.Error(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrThreadLocked):
		responses.Error(w, r, http.StatusLocked, err.Error())
	case errors.Is(err, chat.ErrDuplicateThread):
		responses.Error(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrThreadNotFound), errors.Is(err, chat.ErrMessageNotFound):
		responses.Error(w, r, http.StatusNotFound, err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
		responses.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}
