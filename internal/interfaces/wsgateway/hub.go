package wsgateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/metrics"
)

func chatRoom(chatID string) string     { return "chat:" + chatID }
func threadRoom(threadID string) string { return "thread:" + threadID }

// Hub owns the room membership maps. All mutation and fan-out happens on a
// single dispatch loop fed through the ops channel, so handlers never touch
// shared maps directly.
type Hub struct {
	ops    chan func(rooms map[string]map[*Client]struct{})
	doneCh chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		ops:    make(chan func(rooms map[string]map[*Client]struct{}), 256),
		doneCh: make(chan struct{}),
	}
}

// Run consumes hub operations until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	go func() {
		defer close(h.doneCh)
		rooms := make(map[string]map[*Client]struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case op := <-h.ops:
				op(rooms)
			}
		}
	}()
}

// Done reports loop termination, for shutdown sequencing.
func (h *Hub) Done() <-chan struct{} { return h.doneCh }

func (h *Hub) dispatch(op func(rooms map[string]map[*Client]struct{})) {
	select {
	case h.ops <- op:
	case <-h.doneCh:
	}
}

// Join adds the client to a room.
func (h *Hub) Join(room string, c *Client) {
	h.dispatch(func(rooms map[string]map[*Client]struct{}) {
		members, ok := rooms[room]
		if !ok {
			members = make(map[*Client]struct{})
			rooms[room] = members
		}
		members[c] = struct{}{}
	})
}

// Leave removes the client from a room.
func (h *Hub) Leave(room string, c *Client) {
	h.dispatch(func(rooms map[string]map[*Client]struct{}) {
		if members, ok := rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(rooms, room)
			}
		}
	})
}

// Remove drops the client from every room on disconnect and closes its send
// channel once no room can reach it anymore.
func (h *Hub) Remove(c *Client) {
	h.dispatch(func(rooms map[string]map[*Client]struct{}) {
		evict(rooms, c)
	})
}

// evict removes the client from every room, then closes its send channel.
// Runs on the dispatch loop, so the close is ordered after the last possible
// room send to the client.
func evict(rooms map[string]map[*Client]struct{}, c *Client) {
	for room, members := range rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(rooms, room)
		}
	}
	c.closeSend()
}

// broadcast fans an event out to every member of the room. A client whose
// outbound buffer is full is evicted from every room it joined; one bad
// socket never blocks the rest of the room, and no later broadcast can reach
// its closed channel.
func (h *Hub) broadcast(room string, ev Event) {
	h.dispatch(func(rooms map[string]map[*Client]struct{}) {
		for c := range rooms[room] {
			select {
			case c.send <- ev:
			default:
				log.Warn().
					Str("room", room).
					Str("user_id", c.userID).
					Msg("Dropping slow websocket client")
				evict(rooms, c)
			}
		}
	})
}

// FanOutChat delivers a persisted message to the local chat room.
func (h *Hub) FanOutChat(chatID string, msg *chat.Message) {
	h.broadcast(chatRoom(chatID), NewEvent(EvtNewMessage, msg))
}

// FanOutThread delivers a persisted message to the local thread room.
func (h *Hub) FanOutThread(threadID string, msg *chat.Message) {
	h.broadcast(threadRoom(threadID), NewEvent(EvtThreadMessage, msg))
}

// MessageSent confirms pipeline completion to the chat room.
func (h *Hub) MessageSent(chatID, messageID string, at time.Time) {
	h.broadcast(chatRoom(chatID), NewEvent(EvtMessageSent, MessageSentPayload{
		MessageID: messageID,
		Timestamp: at,
	}))
}

// MessageStatus reports a delivery state change to the chat room.
func (h *Hub) MessageStatus(chatID, messageID, status string, at time.Time) {
	h.broadcast(chatRoom(chatID), NewEvent(EvtMessageStatus, MessageStatusPayload{
		MessageID: messageID,
		Status:    status,
		Timestamp: at,
	}))
}

// MessageFailed surfaces a permanently failed delivery to the chat room.
func (h *Hub) MessageFailed(chatID, messageID, reason string) {
	h.broadcast(chatRoom(chatID), NewEvent(EvtMessageFailed, MessageFailedPayload{
		MessageID: messageID,
		Error:     reason,
	}))
	metrics.RecordBroadcast("local", "failed_event")
}
