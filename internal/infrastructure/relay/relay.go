package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/metrics"
)

// Channel is the shared pub/sub topic carrying new-message payloads between
// service instances.
const Channel = "message-updates"

const typeNewMessage = "new-message"

// LocalFanout delivers a message to the sockets joined to this instance's
// rooms. Per-socket write failures are handled inside the fan-out and never
// abort delivery to the rest of the room.
type LocalFanout interface {
	FanOutChat(chatID string, msg *chat.Message)
	FanOutThread(threadID string, msg *chat.Message)
}

// PubSub is the redis surface the relay needs. Satisfied by cache.RedisCache.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

type envelope struct {
	Type    string        `json:"type"`
	Origin  string        `json:"origin"`
	Message *chat.Message `json:"message"`
}

// Broadcaster fans a message out to the local rooms and relays it to every
// other instance. Local fan-out and the relay publish are independent; only a
// relay failure fails the whole delivery and feeds the retry queue.
type Broadcaster struct {
	pubsub     PubSub
	local      LocalFanout
	instanceID string
}

func NewBroadcaster(pubsub PubSub, local LocalFanout, instanceID string) *Broadcaster {
	return &Broadcaster{
		pubsub:     pubsub,
		local:      local,
		instanceID: instanceID,
	}
}

// Publish delivers to the local chat room (and thread room when set), then
// publishes on the relay channel for remote instances.
func (b *Broadcaster) Publish(ctx context.Context, msg *chat.Message) error {
	b.fanOutLocal(msg)

	payload, err := json.Marshal(envelope{
		Type:    typeNewMessage,
		Origin:  b.instanceID,
		Message: msg,
	})
	if err != nil {
		return fmt.Errorf("marshal relay payload: %w", err)
	}

	if err := b.pubsub.Publish(ctx, Channel, payload); err != nil {
		metrics.RecordBroadcast("relay", "error")
		return fmt.Errorf("relay publish: %w", err)
	}
	metrics.RecordBroadcast("relay", "ok")
	return nil
}

// Start consumes the relay channel until the context is cancelled, fanning
// remote messages out to local rooms.
func (b *Broadcaster) Start(ctx context.Context) {
	sub := b.pubsub.Subscribe(ctx, Channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				b.handle([]byte(m.Payload))
			}
		}
	}()
	log.Info().Str("channel", Channel).Msg("Relay consumer started")
}

// handle processes one relay payload. Payloads published by this instance are
// dropped so locally-joined sockets are not delivered to twice.
func (b *Broadcaster) handle(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Msg("Malformed relay payload, dropping")
		return
	}
	if env.Type != typeNewMessage || env.Message == nil {
		return
	}
	if env.Origin == b.instanceID {
		return
	}

	b.fanOutLocal(env.Message)
	metrics.RecordBroadcast("relay_in", "ok")
}

func (b *Broadcaster) fanOutLocal(msg *chat.Message) {
	b.local.FanOutChat(msg.ChatID, msg)
	if msg.ThreadID != "" {
		b.local.FanOutThread(msg.ThreadID, msg)
	}
	metrics.RecordBroadcast("local", "ok")
}
