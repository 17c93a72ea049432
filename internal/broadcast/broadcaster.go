package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Channels published by the session manager
const (
	ChannelSessions  = "sessions"
	ChannelContacts  = "contacts"
	ChannelMessages  = "messages"
	ChannelAnalytics = "analytics"
)

// DefaultChannels are subscribed when a client does not pick any
var DefaultChannels = []string{ChannelSessions, ChannelContacts, ChannelMessages, ChannelAnalytics}

// Handler receives a delivered payload
type Handler func(channel string, payload interface{})

// InboundHandler receives a subscriber-pushed event
type InboundHandler func(channel string, data json.RawMessage)

type window struct {
	payload interface{}
	timer   *time.Timer
}

// Broadcaster fans channel payloads out to in-process subscribers.
//
// Publishing is throttled per channel: the first publish opens a window of
// one interval and later publishes inside the window replace its payload.
// When the window closes the latest payload is delivered once. Nothing is
// replayed to subscribers that arrive later.
type Broadcaster struct {
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics

	mu      sync.Mutex
	subs    map[string]map[string]Handler
	windows map[string]*window
	inbound map[string][]InboundHandler
	relay   *redisRelay
	closed  bool
}

// New creates a broadcaster. A zero interval delivers every publish immediately.
func New(interval time.Duration, reg prometheus.Registerer, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		interval: interval,
		log:      log.Named("broadcast"),
		metrics:  newMetrics(reg),
		subs:     make(map[string]map[string]Handler),
		windows:  make(map[string]*window),
		inbound:  make(map[string][]InboundHandler),
	}
}

// Publish schedules payload for delivery on channel
func (b *Broadcaster) Publish(channel string, payload interface{}) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if w, ok := b.windows[channel]; ok {
		w.payload = payload
		b.mu.Unlock()
		b.metrics.publish(channel, "coalesced")
		return
	}
	if b.interval <= 0 {
		b.mu.Unlock()
		b.flushPayload(channel, payload)
		return
	}
	w := &window{payload: payload}
	w.timer = time.AfterFunc(b.interval, func() { b.flush(channel) })
	b.windows[channel] = w
	b.mu.Unlock()
}

func (b *Broadcaster) flush(channel string) {
	b.mu.Lock()
	w, ok := b.windows[channel]
	delete(b.windows, channel)
	closed := b.closed
	b.mu.Unlock()
	if !ok || closed {
		return
	}
	b.flushPayload(channel, w.payload)
}

func (b *Broadcaster) flushPayload(channel string, payload interface{}) {
	b.metrics.publish(channel, "delivered")
	b.deliver(channel, payload)

	b.mu.Lock()
	relay := b.relay
	b.mu.Unlock()
	if relay != nil {
		relay.publish(channel, payload)
	}
}

// deliver hands payload to every local subscriber of channel
func (b *Broadcaster) deliver(channel string, payload interface{}) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.safeCall(channel, func() { h(channel, payload) })
	}
}

func (b *Broadcaster) safeCall(channel string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", zap.String("channel", channel), zap.Any("panic", r))
		}
	}()
	fn()
}

// Subscribe registers h on channel and returns the subscription id
func (b *Broadcaster) Subscribe(channel string, h Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[string]Handler)
	}
	b.subs[channel][id] = h
	b.metrics.subscribers.WithLabelValues(channel).Set(float64(len(b.subs[channel])))
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[channel]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
	b.metrics.subscribers.WithLabelValues(channel).Set(float64(len(subs)))
}

// SubscriberCount returns the number of subscriptions on channel
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// OnInbound registers a handler for events pushed by subscribers on channel
func (b *Broadcaster) OnInbound(channel string, h InboundHandler) {
	b.mu.Lock()
	b.inbound[channel] = append(b.inbound[channel], h)
	b.mu.Unlock()
}

// Receive routes a subscriber-pushed event to the inbound handlers of channel
func (b *Broadcaster) Receive(channel string, data json.RawMessage) {
	b.mu.Lock()
	handlers := append([]InboundHandler(nil), b.inbound[channel]...)
	b.mu.Unlock()

	if len(handlers) == 0 {
		b.log.Debug("no inbound handler", zap.String("channel", channel))
		return
	}
	for _, h := range handlers {
		b.safeCall(channel, func() { h(channel, data) })
	}
}

// Close drops pending windows and stops the relay
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for channel, w := range b.windows {
		w.timer.Stop()
		delete(b.windows, channel)
	}
	relay := b.relay
	b.relay = nil
	b.mu.Unlock()

	if relay != nil {
		return relay.close()
	}
	return nil
}
