package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"cliquechain/internal/presence"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Notification is the envelope carried on the redis channel. Exactly one of
// RoomID or UserIDs addresses it.
type Notification struct {
	ID      string              `json:"id"`
	RoomID  presence.RoomID     `json:"roomId,omitempty"`
	UserIDs []presence.Identity `json:"userIds,omitempty"`
	Event   json.RawMessage     `json:"event"`
}

// Sink receives notifications. *presence.Hub satisfies it.
type Sink interface {
	BroadcastToRoom(room presence.RoomID, event []byte, exclude presence.Connection)
	BroadcastToIdentities(ids []presence.Identity, event []byte)
}

var ErrNoAddress = errors.New("notification has no room or users")

// ToRoom addresses event to every connection in room.
func ToRoom(room presence.RoomID, event []byte) Notification {
	return Notification{ID: uuid.NewString(), RoomID: room, Event: event}
}

// ToUsers addresses event to every connection of the given users.
func ToUsers(ids []presence.Identity, event []byte) Notification {
	return Notification{ID: uuid.NewString(), UserIDs: ids, Event: event}
}

// Bus fans notifications out to every server instance through redis pub/sub.
type Bus struct {
	redis   *redis.Client
	channel string
}

func NewBus(client *redis.Client, channel string) *Bus {
	return &Bus{redis: client, channel: channel}
}

func (b *Bus) Publish(ctx context.Context, n Notification) error {
	if n.RoomID <= 0 && len(n.UserIDs) == 0 {
		return ErrNoAddress
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	slog.Debug("notification published", "id", n.ID, "roomId", n.RoomID, "users", len(n.UserIDs))
	return nil
}

// Subscribe delivers every notification on the channel into sink until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, sink Sink) error {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	slog.Info("notification bus subscribed", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			deliver(sink, []byte(msg.Payload))
		}
	}
}

func deliver(sink Sink, payload []byte) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		slog.Warn("dropping malformed notification", "error", err)
		return
	}
	if len(n.Event) == 0 {
		slog.Warn("dropping empty notification", "id", n.ID)
		return
	}

	switch {
	case n.RoomID > 0:
		sink.BroadcastToRoom(n.RoomID, n.Event, nil)
	case len(n.UserIDs) > 0:
		sink.BroadcastToIdentities(n.UserIDs, n.Event)
	default:
		slog.Warn("dropping unaddressed notification", "id", n.ID)
	}
}
