package broadcast

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu       sync.Mutex
	payloads []interface{}
}

func (r *recorder) handle(_ string, payload interface{}) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.payloads...)
}

func newTestBroadcaster(interval time.Duration) *Broadcaster {
	return New(interval, prometheus.NewRegistry(), zap.NewNop())
}

func TestPublishWithinWindowDeliversLatestOnce(t *testing.T) {
	b := newTestBroadcaster(50 * time.Millisecond)
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(ChannelSessions, rec.handle)

	b.Publish(ChannelSessions, "first")
	b.Publish(ChannelSessions, "second")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, []interface{}{"second"}, rec.snapshot())
}

func TestPublishAfterWindowDeliversAgain(t *testing.T) {
	b := newTestBroadcaster(20 * time.Millisecond)
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(ChannelMessages, rec.handle)

	b.Publish(ChannelMessages, 1)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(ChannelMessages, 2)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []interface{}{1, 2}, rec.snapshot())
}

func TestChannelsAreThrottledIndependently(t *testing.T) {
	b := newTestBroadcaster(30 * time.Millisecond)
	defer b.Close()

	sessions, contacts := &recorder{}, &recorder{}
	b.Subscribe(ChannelSessions, sessions.handle)
	b.Subscribe(ChannelContacts, contacts.handle)

	b.Publish(ChannelSessions, "s")
	b.Publish(ChannelContacts, "c")

	require.Eventually(t, func() bool {
		return len(sessions.snapshot()) == 1 && len(contacts.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []interface{}{"s"}, sessions.snapshot())
	assert.Equal(t, []interface{}{"c"}, contacts.snapshot())
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := newTestBroadcaster(0)
	defer b.Close()

	b.Publish(ChannelAnalytics, "before")

	rec := &recorder{}
	b.Subscribe(ChannelAnalytics, rec.handle)
	assert.Empty(t, rec.snapshot())

	b.Publish(ChannelAnalytics, "after")
	assert.Equal(t, []interface{}{"after"}, rec.snapshot())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroadcaster(0)
	defer b.Close()

	rec := &recorder{}
	id := b.Subscribe(ChannelSessions, rec.handle)
	assert.Equal(t, 1, b.SubscriberCount(ChannelSessions))

	b.Unsubscribe(ChannelSessions, id)
	b.Unsubscribe(ChannelSessions, "unknown")
	assert.Equal(t, 0, b.SubscriberCount(ChannelSessions))

	b.Publish(ChannelSessions, "x")
	assert.Empty(t, rec.snapshot())
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := newTestBroadcaster(0)
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(ChannelSessions, func(string, interface{}) { panic("boom") })
	b.Subscribe(ChannelSessions, rec.handle)

	b.Publish(ChannelSessions, "ok")
	assert.Equal(t, []interface{}{"ok"}, rec.snapshot())
}

func TestReceiveRoutesInboundEvents(t *testing.T) {
	b := newTestBroadcaster(0)
	defer b.Close()

	var got []string
	b.OnInbound(ChannelSessions, func(channel string, data json.RawMessage) {
		got = append(got, channel+":"+string(data))
	})

	b.Receive(ChannelSessions, json.RawMessage(`{"action":"refresh"}`))
	b.Receive(ChannelContacts, json.RawMessage(`{}`))

	assert.Equal(t, []string{`sessions:{"action":"refresh"}`}, got)
}

func TestCloseDropsPendingWindows(t *testing.T) {
	b := newTestBroadcaster(30 * time.Millisecond)

	rec := &recorder{}
	b.Subscribe(ChannelSessions, rec.handle)
	b.Publish(ChannelSessions, "pending")
	require.NoError(t, b.Close())

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	b.Publish(ChannelSessions, "after close")
	assert.Empty(t, rec.snapshot())
}

func TestRelayIgnoresOwnMessages(t *testing.T) {
	b := newTestBroadcaster(0)
	defer b.Close()

	rec := &recorder{}
	b.Subscribe(ChannelSessions, rec.handle)

	r := &redisRelay{instanceID: "self", log: zap.NewNop()}
	r.handle(b, `{"origin":"self","channel":"sessions","data":[1]}`)
	r.handle(b, `not json`)
	r.handle(b, `{"origin":"other","channel":"sessions","data":[2]}`)

	payloads := rec.snapshot()
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `[2]`, string(payloads[0].(json.RawMessage)))
}

func TestParseChannels(t *testing.T) {
	assert.Equal(t, DefaultChannels, parseChannels(""))
	assert.Equal(t, DefaultChannels, parseChannels(" , "))
	assert.Equal(t, []string{"sessions", "messages"}, parseChannels("sessions, messages,sessions"))
}
