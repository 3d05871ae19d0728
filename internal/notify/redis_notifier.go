package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// RedisNotifier publishes notices on a pub/sub channel. Each process gets its
// own origin id so it can ignore its own notices when subscribed.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	origin  uuid.UUID
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{
		client:  client,
		channel: channel,
		origin:  uuid.New(),
	}
}

func (n *RedisNotifier) Origin() uuid.UUID {
	return n.origin
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	event.Origin = n.origin

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := n.client.Publish(opCtx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Subscribe delivers notices from other instances to handle until ctx ends.
func (n *RedisNotifier) Subscribe(ctx context.Context, handle func(Event)) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Notice subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		event, ok := n.decode(msg.Payload)
		if !ok {
			continue
		}
		handle(event)
	}
}

func (n *RedisNotifier) decode(payload string) (Event, bool) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Error("Notice subscription: invalid payload", "error", err)
		return Event{}, false
	}
	if event.Origin == n.origin {
		return Event{}, false
	}
	if !event.Kind.Valid() || event.Key == "" {
		log.Warn("Notice subscription: incomplete event", "id", event.ID)
		return Event{}, false
	}
	return event, true
}
