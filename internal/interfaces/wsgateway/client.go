package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/domain/delivery"
	"github.com/tripmates/chat-server/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// ChatService is the send pipeline surface the gateway consumes.
type ChatService interface {
	Send(ctx context.Context, msg *chat.Message) (*chat.Message, error)
	RerouteDisconnected(senderID string)
}

// Acker resolves client acknowledgments against the delivery tracker.
type Acker interface {
	MarkDelivered(messageID string) (delivery.Record, bool)
}

// Gateway upgrades websocket connections and wires each one into the hub.
type Gateway struct {
	hub      *Hub
	svc      ChatService
	acker    Acker
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, svc ChatService, acker Acker, allowedOrigins []string) *Gateway {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return &Gateway{
		hub:   hub,
		svc:   svc,
		acker: acker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// HandleWS handles GET /ws?user_id=...
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		gateway: g,
		conn:    conn,
		userID:  userID,
		send:    make(chan Event, sendBuffer),
	}

	metrics.WSConnections.Inc()
	log.Ctx(r.Context()).Info().Str("user_id", userID).Msg("WebSocket connected")

	go client.writePump()
	go client.readPump()
}

// Client is one websocket connection. Outbound events flow through the
// buffered send channel consumed by the write pump; inbound frames are decoded
// by the read pump and dispatched to the service.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	userID  string
	send    chan Event

	mu     sync.Mutex
	closed bool
}

// closeSend is idempotent. Only the hub dispatch loop calls it once the
// client has joined a room; the mutex fences it against concurrent deliver
// calls from the read pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		// Remove closes the send channel on the dispatch loop, after the
		// client has left every room.
		c.gateway.hub.Remove(c)
		c.conn.Close()
		metrics.WSConnections.Dec()

		// The disconnecting client can no longer ack, so its pending
		// deliveries move to the retry path immediately.
		c.gateway.svc.RerouteDisconnected(c.userID)
		log.Info().Str("user_id", c.userID).Msg("WebSocket disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("user_id", c.userID).Msg("WebSocket read error")
			}
			return
		}
		c.handle(ev)
	}
}

func (c *Client) handle(ev Event) {
	switch ev.Event {
	case EvtNewMessage:
		c.handleNewMessage(ev.Data)
	case EvtMessageDelivered:
		c.handleAck(ev.Data)
	case EvtJoinChat:
		if p, ok := decode[RoomPayload](ev.Data); ok && p.ChatID != "" {
			c.gateway.hub.Join(chatRoom(p.ChatID), c)
		}
	case EvtLeaveChat:
		if p, ok := decode[RoomPayload](ev.Data); ok && p.ChatID != "" {
			c.gateway.hub.Leave(chatRoom(p.ChatID), c)
		}
	case EvtJoinThread:
		if p, ok := decode[RoomPayload](ev.Data); ok && p.ThreadID != "" {
			c.gateway.hub.Join(threadRoom(p.ThreadID), c)
		}
	default:
		log.Debug().Str("event", ev.Event).Msg("Ignoring unknown client event")
	}
}

func (c *Client) handleNewMessage(data json.RawMessage) {
	p, ok := decode[NewMessagePayload](data)
	if !ok {
		c.deliver(NewEvent(EvtMessageError, MessageErrorPayload{Error: "malformed new-message payload"}))
		return
	}

	msg := &chat.Message{
		ID:       p.ID,
		ChatID:   p.ChatID,
		SenderID: p.SenderID,
		Content:  p.Content,
		ThreadID: p.ThreadID,
		Metadata: p.Metadata,
	}

	if _, err := c.gateway.svc.Send(context.Background(), msg); err != nil {
		log.Warn().Err(err).Str("user_id", c.userID).Msg("Send rejected")
		c.deliver(NewEvent(EvtMessageError, MessageErrorPayload{
			MessageID: p.ID,
			Error:     err.Error(),
		}))
	}
}

func (c *Client) handleAck(data json.RawMessage) {
	p, ok := decode[AckPayload](data)
	if !ok || p.MessageID == "" {
		return
	}

	rec, ok := c.gateway.acker.MarkDelivered(p.MessageID)
	if !ok {
		// Unknown or already-terminal message; acks are not replayable.
		return
	}
	c.gateway.hub.MessageStatus(rec.ChatID, rec.MessageID, rec.Status, time.Now().UTC())
}

// deliver sends directly to this client, bypassing rooms. A client the hub
// already evicted is silently skipped.
func (c *Client) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Warn().Err(err).Str("user_id", c.userID).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func decode[T any](data json.RawMessage) (T, bool) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}
