package wsgateway

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/domain/chat"
)

// Client -> server event names.
const (
	EvtNewMessage       = "new-message"
	EvtMessageDelivered = "message-delivered"
	EvtJoinChat         = "join-chat"
	EvtLeaveChat        = "leave-chat"
	EvtJoinThread       = "join-thread"
)

// Server -> client event names. EvtNewMessage doubles as the chat room
// broadcast frame.
const (
	EvtThreadMessage = "thread-message"
	EvtMessageSent   = "message-sent"
	EvtMessageStatus = "message-status"
	EvtMessageFailed = "message-failed"
	EvtMessageError  = "message-error"
)

// Event is the wire frame for both directions: a name plus a raw payload.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an outbound event. Marshal failures are logged and produce
// an empty payload rather than dropping the frame name.
func NewEvent(name string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("Failed to marshal event payload")
		return Event{Event: name}
	}
	return Event{Event: name, Data: data}
}

// NewMessagePayload is the client's new-message submission.
type NewMessagePayload struct {
	ID       string               `json:"id,omitempty"`
	ChatID   string               `json:"chat_id"`
	SenderID string               `json:"sender_id"`
	Content  string               `json:"content"`
	ThreadID string               `json:"thread_id,omitempty"`
	Metadata chat.MessageMetadata `json:"metadata"`
}

// AckPayload acknowledges receipt of a broadcast message.
type AckPayload struct {
	MessageID string `json:"message_id"`
}

// RoomPayload joins or leaves a chat or thread room.
type RoomPayload struct {
	ChatID   string `json:"chat_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// MessageSentPayload confirms the pipeline completed for a message.
type MessageSentPayload struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStatusPayload reports a delivery record transition.
type MessageStatusPayload struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageFailedPayload reports a permanently failed delivery so clients can
// offer a manual resend.
type MessageFailedPayload struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// MessageErrorPayload reports a synchronous send rejection.
type MessageErrorPayload struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error"`
}
