package ratelimit

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// defaultChannel is the redis pub/sub channel carrying state updates.
const defaultChannel = "datalink:ratelimit:state"

// RedisCoordinator mirrors limiter state across processes over redis
// pub/sub. Delivery is at-most-once; peers converge lazily as windows
// slide, which is all the limiter needs.
type RedisCoordinator struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	handlers []func(StateUpdate)
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// NewRedisCoordinator connects the coordinator to redis and starts the
// subscription loop.
func NewRedisCoordinator(client *redis.Client, channel string, logger *zap.Logger) *RedisCoordinator {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RedisCoordinator{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("component", "ratelimit_coordinator")),
		cancel:  cancel,
	}

	go c.receive(ctx)
	return c
}

// Publish broadcasts a state update to peers.
func (c *RedisCoordinator) Publish(ctx context.Context, update StateUpdate) error {
	payload, err := encodeStateUpdate(update)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.channel, payload).Err()
}

// encodeStateUpdate is the wire codec shared by Publish and the receive
// loop.
func encodeStateUpdate(update StateUpdate) ([]byte, error) {
	return json.Marshal(update)
}

// Subscribe registers a handler for peer updates.
func (c *RedisCoordinator) Subscribe(handler func(StateUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Close stops the subscription loop.
func (c *RedisCoordinator) Close() error {
	c.cancel()
	return nil
}

func (c *RedisCoordinator) receive(ctx context.Context) {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(msg.Payload)
		}
	}
}

// dispatch decodes one wire payload and fans it out to the subscribed
// handlers. Malformed payloads are dropped; a misbehaving peer must not
// take the limiter down.
func (c *RedisCoordinator) dispatch(payload string) {
	var update StateUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		c.logger.Debug("dropping malformed state update", zap.Error(err))
		return
	}
	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()
	for _, h := range handlers {
		h(update)
	}
}

// LocalCoordinator is an in-process broadcast hub. It gives several
// limiter instances inside one process the same coordination contract as
// redis gives separate processes, and keeps tests hermetic.
type LocalCoordinator struct {
	handlers []func(StateUpdate)
	mu       sync.RWMutex
}

// NewLocalCoordinator creates an in-process coordinator.
func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{}
}

// Publish delivers the update synchronously to all subscribed handlers.
func (c *LocalCoordinator) Publish(_ context.Context, update StateUpdate) error {
	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()

	for _, h := range handlers {
		h(update)
	}
	return nil
}

// Subscribe registers a handler.
func (c *LocalCoordinator) Subscribe(handler func(StateUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Close is a no-op for the local hub.
func (c *LocalCoordinator) Close() error { return nil }
