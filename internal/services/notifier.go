package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tokoku_shop_echo/internal/models"
)

// StatusMessageType is the wire type tag of a cross-context status message.
const StatusMessageType = "payment_status"

// StatusMessage tells any other context watching a reference that the
// payment reached a terminal state, so it can stop polling on its own.
// Fire-and-forget, at most once per terminal transition.
type StatusMessage struct {
	Type      string               `json:"type"`
	Reference string               `json:"reference"`
	Status    models.PaymentStatus `json:"status"`
}

func NewStatusMessage(reference string, status models.PaymentStatus) StatusMessage {
	return StatusMessage{Type: StatusMessageType, Reference: reference, Status: status}
}

// Notifier propagates terminal payment results between contexts. Publishing
// with nobody listening is a no-op, never an error: the context that opened
// the checkout may be long gone.
type Notifier interface {
	Publish(ctx context.Context, msg StatusMessage) error
	// Subscribe returns a channel of messages for one reference and a cancel
	// function that releases the subscription. The channel is closed after
	// cancel (or when ctx ends).
	Subscribe(ctx context.Context, reference string) (<-chan StatusMessage, func())
}

const statusChannelPrefix = "payments:status:"

// RedisNotifier carries status messages over Redis Pub/Sub, one channel per
// reference, so a result observed in one process reaches loops waiting in
// another.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, logger: logger}
}

func (n *RedisNotifier) Publish(ctx context.Context, msg StatusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, statusChannelPrefix+msg.Reference, data).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, reference string) (<-chan StatusMessage, func()) {
	sub := n.client.Subscribe(ctx, statusChannelPrefix+reference)
	out := make(chan StatusMessage, 4)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var sm StatusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &sm); err != nil {
				n.logger.Warn("dropping malformed status message",
					zap.String("reference", reference),
					zap.Error(err),
				)
				continue
			}
			if sm.Type != StatusMessageType {
				continue
			}
			select {
			case out <- sm:
			default:
				// receiver is not draining; dropping is fine, it will see
				// the same state on its next store read
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

// BusNotifier is the in-process Notifier, enough for a single binary and for
// tests. Same contract as the Redis one.
type BusNotifier struct {
	mu   sync.Mutex
	subs map[string][]chan StatusMessage
}

func NewBusNotifier() *BusNotifier {
	return &BusNotifier{subs: make(map[string][]chan StatusMessage)}
}

func (b *BusNotifier) Publish(ctx context.Context, msg StatusMessage) error {
	// Sends happen under the lock so a concurrent unsubscribe cannot close a
	// channel mid-send. Sends never block: a full subscriber is skipped.
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[msg.Reference] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *BusNotifier) Subscribe(ctx context.Context, reference string) (<-chan StatusMessage, func()) {
	ch := make(chan StatusMessage, 4)

	b.mu.Lock()
	b.subs[reference] = append(b.subs[reference], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.subs[reference]
			for i, c := range subs {
				if c == ch {
					b.subs[reference] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[reference]) == 0 {
				delete(b.subs, reference)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
