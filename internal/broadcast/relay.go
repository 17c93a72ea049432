package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayPublishTimeout = 3 * time.Second

type envelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// redisRelay mirrors delivered payloads to other instances over redis pub/sub
type redisRelay struct {
	rdb        *redis.Client
	topic      string
	instanceID string
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	log        *zap.Logger
}

// EnableRelay publishes every delivered payload to the redis topic and
// delivers payloads published by other instances to local subscribers.
func (b *Broadcaster) EnableRelay(ctx context.Context, rdb *redis.Client, topic string) {
	ctx, cancel := context.WithCancel(ctx)
	r := &redisRelay{
		rdb:        rdb,
		topic:      topic,
		instanceID: uuid.NewString(),
		cancel:     cancel,
		log:        b.log.Named("relay"),
	}
	r.pubsub = rdb.Subscribe(ctx, topic)

	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()

	go r.consume(b)
	r.log.Info("redis relay enabled", zap.String("topic", topic), zap.String("instance_id", r.instanceID))
}

func (r *redisRelay) publish(channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("failed to encode payload for relay", zap.String("channel", channel), zap.Error(err))
		return
	}
	msg, err := json.Marshal(envelope{Origin: r.instanceID, Channel: channel, Data: data})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.topic, msg).Err(); err != nil {
		r.log.Warn("relay publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (r *redisRelay) consume(b *Broadcaster) {
	for msg := range r.pubsub.Channel() {
		r.handle(b, msg.Payload)
	}
}

// handle delivers a relayed payload unless it originated here
func (r *redisRelay) handle(b *Broadcaster, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.log.Warn("relay message parse error", zap.Error(err))
		return
	}
	if env.Origin == r.instanceID || env.Channel == "" {
		return
	}
	b.deliver(env.Channel, env.Data)
}

func (r *redisRelay) close() error {
	r.cancel()
	return r.pubsub.Close()
}
