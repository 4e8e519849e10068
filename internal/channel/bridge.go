package channel

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/treelineapp/treeline/internal/observability"
)

// envelope is the bridge wire format. Origin lets each instance skip
// its own publications, since local fan-out already happened.
type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// RedisBridge propagates topic broadcasts between hub instances over
// redis pub/sub. Each broadcast is published on "<prefix><topic>";
// every peer instance subscribed to the prefix fans received frames
// out to its local members.
type RedisBridge struct {
	client   redis.UniversalClient
	prefix   string
	instance string
	logger   observability.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// RedisBridgeOption is a functional option for the bridge.
type RedisBridgeOption func(*RedisBridge)

// WithBridgeLogger sets the logger.
func WithBridgeLogger(logger observability.Logger) RedisBridgeOption {
	return func(b *RedisBridge) {
		b.logger = logger
	}
}

// WithBridgePrefix sets the pub/sub channel prefix.
func WithBridgePrefix(prefix string) RedisBridgeOption {
	return func(b *RedisBridge) {
		b.prefix = prefix
	}
}

// NewRedisBridge creates a bridge over the given client.
func NewRedisBridge(client redis.UniversalClient, opts ...RedisBridgeOption) *RedisBridge {
	b := &RedisBridge{
		client:   client,
		prefix:   "treeline:channel:",
		instance: uuid.NewString(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bridge.
func (b *RedisBridge) Publish(ctx context.Context, topic string, data []byte) error {
	payload, err := json.Marshal(envelope{Origin: b.instance, Data: data})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.prefix+topic, payload).Err()
}

// Run subscribes to the bridge prefix and feeds peer broadcasts into
// the hub until Stop is called or ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context, hub *Hub) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		close(done)
		return err
	}

	go func() {
		defer close(done)
		defer func() { _ = pubsub.Close() }()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.receive(hub, msg)
			}
		}
	}()

	b.logger.Info("channel bridge running",
		observability.String("prefix", b.prefix),
	)
	return nil
}

// receive fans one peer publication out locally.
func (b *RedisBridge) receive(hub *Hub, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("malformed bridge frame dropped",
			observability.String("channel", msg.Channel),
		)
		return
	}
	if env.Origin == b.instance {
		return
	}

	topic := strings.TrimPrefix(msg.Channel, b.prefix)
	hub.DeliverLocal(topic, env.Data)
}

// Stop unsubscribes and waits for the receive loop to exit.
func (b *RedisBridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
