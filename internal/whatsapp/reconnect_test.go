package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wa_manager/internal/config"
	"wa_manager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReconnector struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *fakeReconnector) Reconnect(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[id]++
	return f.err
}

func (f *fakeReconnector) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func testReconnectConfig() config.ReconnectConfig {
	return config.ReconnectConfig{
		Enabled:        true,
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
}

func disconnected(id, reason string) StatusChange {
	return StatusChange{
		Session:  models.Session{ID: id, Status: models.StatusDisconnected},
		Previous: models.StatusReady,
		Reason:   reason,
	}
}

func TestReconnectPolicy_ReconnectsDroppedSession(t *testing.T) {
	target := &fakeReconnector{}
	p := NewReconnectPolicy(testReconnectConfig(), target, zap.NewNop())
	defer p.Close()

	p.Observe(disconnected("s1", "CONFLICT"))

	require.Eventually(t, func() bool { return target.count("s1") == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, p.Attempts("s1"))
}

func TestReconnectPolicy_NeverRetriesLogout(t *testing.T) {
	target := &fakeReconnector{}
	p := NewReconnectPolicy(testReconnectConfig(), target, zap.NewNop())
	defer p.Close()

	p.Observe(disconnected("s1", ReasonLogout))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, target.count("s1"))
	assert.Zero(t, p.Attempts("s1"))
}

func TestReconnectPolicy_Disabled(t *testing.T) {
	cfg := testReconnectConfig()
	cfg.Enabled = false
	target := &fakeReconnector{}
	p := NewReconnectPolicy(cfg, target, zap.NewNop())
	defer p.Close()

	p.Observe(StatusChange{Session: models.Session{ID: "s1", Status: models.StatusAuthFailure}})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, target.count("s1"))
}

func TestReconnectPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	target := &fakeReconnector{err: errors.New("still broken")}
	p := NewReconnectPolicy(testReconnectConfig(), target, zap.NewNop())
	defer p.Close()

	p.Observe(disconnected("s1", "NAVIGATION"))

	require.Eventually(t, func() bool { return target.count("s1") == 3 }, 2*time.Second, 2*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, target.count("s1"))
	assert.Equal(t, 3, p.Attempts("s1"))
}

func TestReconnectPolicy_ReadyResetsAttempts(t *testing.T) {
	target := &fakeReconnector{}
	p := NewReconnectPolicy(testReconnectConfig(), target, zap.NewNop())
	defer p.Close()

	p.Observe(disconnected("s1", "CONFLICT"))
	require.Eventually(t, func() bool { return target.count("s1") == 1 }, time.Second, 2*time.Millisecond)

	p.Observe(StatusChange{Session: models.Session{ID: "s1", Status: models.StatusReady}})
	assert.Zero(t, p.Attempts("s1"))
}

func TestReconnectPolicy_DeleteCancelsPending(t *testing.T) {
	cfg := testReconnectConfig()
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	target := &fakeReconnector{}
	p := NewReconnectPolicy(cfg, target, zap.NewNop())
	defer p.Close()

	p.Observe(disconnected("s1", "CONFLICT"))
	p.Observe(StatusChange{Session: models.Session{ID: "s1"}, Deleted: true})

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, target.count("s1"))
}

func TestReconnectPolicy_DrivesManager(t *testing.T) {
	h := newHarness(t)
	p := NewReconnectPolicy(testReconnectConfig(), h.manager, zap.NewNop())
	defer p.Close()
	h.manager.Subscribe(p.Observe)

	id, adapter := h.createReady("Resilient", "15550000200")
	adapter.emit(DisconnectedEvent("CONFLICT"))

	require.Eventually(t, func() bool { return h.factory.built(id) == 2 }, 2*time.Second, 5*time.Millisecond)
	h.waitStatus(id, models.StatusInitializing)
	assert.Equal(t, 1, h.factory.live(id))

	h.factory.latest(id).emit(ReadyEvent("15550000200", ""))
	h.waitStored(id, models.StatusReady)
	require.Eventually(t, func() bool { return p.Attempts(id) == 0 }, time.Second, 5*time.Millisecond)
}
