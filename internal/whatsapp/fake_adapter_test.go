package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wa_manager/internal/config"
	"wa_manager/internal/database"
	"wa_manager/internal/models"
	"wa_manager/internal/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	sessionID string
	events    chan Event
	initErr   error
	initGate  chan struct{}
	sendDelay time.Duration
	contacts  []Contact

	mu        sync.Mutex
	destroyed bool
	loggedOut bool
	initBegan bool
	sent      []string
	closeOnce sync.Once
}

func (f *fakeAdapter) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.initBegan = true
	f.mu.Unlock()
	if f.initGate != nil {
		select {
		case <-f.initGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.initErr
}

func (f *fakeAdapter) Events() <-chan Event {
	return f.events
}

func (f *fakeAdapter) SendMessage(ctx context.Context, to, content string) (MessageHandle, error) {
	if f.sendDelay > 0 {
		select {
		case <-time.After(f.sendDelay):
		case <-ctx.Done():
			return MessageHandle{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, to+":"+content)
	n := len(f.sent)
	f.mu.Unlock()
	return MessageHandle{ID: fmt.Sprintf("wamid-%d", n), Timestamp: time.Now()}, nil
}

func (f *fakeAdapter) Contacts(ctx context.Context) ([]Contact, error) {
	return f.contacts, nil
}

func (f *fakeAdapter) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Destroy() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.destroyed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeAdapter) emit(ev Event) {
	f.events <- ev
}

func (f *fakeAdapter) initStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initBegan
}

func (f *fakeAdapter) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAdapter) isLoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

// fakeFactory builds fake adapters. Failures are keyed by session name.
type fakeFactory struct {
	mu         sync.Mutex
	adapters   map[string][]*fakeAdapter
	buildErr   map[string]error
	panicFor   map[string]bool
	initErr    map[string]error
	initGate   map[string]chan struct{}
	buildGate  map[string]chan struct{}
	sendDelay  time.Duration
	contacts   []Contact
	buildCalls int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		adapters:  make(map[string][]*fakeAdapter),
		buildErr:  make(map[string]error),
		panicFor:  make(map[string]bool),
		initErr:   make(map[string]error),
		initGate:  make(map[string]chan struct{}),
		buildGate: make(map[string]chan struct{}),
	}
}

func (f *fakeFactory) build(session models.Session) (Adapter, error) {
	f.mu.Lock()
	gate := f.buildGate[session.Name]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls++
	if f.panicFor[session.Name] {
		panic("browser crashed")
	}
	if err := f.buildErr[session.Name]; err != nil {
		return nil, err
	}
	a := &fakeAdapter{
		sessionID: session.ID,
		events:    make(chan Event, 16),
		initErr:   f.initErr[session.Name],
		initGate:  f.initGate[session.Name],
		sendDelay: f.sendDelay,
		contacts:  f.contacts,
	}
	f.adapters[session.ID] = append(f.adapters[session.ID], a)
	return a, nil
}

func (f *fakeFactory) latest(id string) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.adapters[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeFactory) built(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters[id])
}

// live counts adapters of id that were not destroyed
func (f *fakeFactory) live(id string) int {
	f.mu.Lock()
	list := append([]*fakeAdapter(nil), f.adapters[id]...)
	f.mu.Unlock()
	n := 0
	for _, a := range list {
		if !a.isDestroyed() {
			n++
		}
	}
	return n
}

type published struct {
	channel string
	payload interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(channel string, payload interface{}) {
	p.mu.Lock()
	p.events = append(p.events, published{channel: channel, payload: payload})
	p.mu.Unlock()
}

func (p *recordingPublisher) on(channel string) []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []interface{}
	for _, e := range p.events {
		if e.channel == channel {
			out = append(out, e.payload)
		}
	}
	return out
}

type harness struct {
	t         *testing.T
	db        *gorm.DB
	cfg       config.WhatsAppConfig
	sessions  *services.SessionStore
	data      *services.SessionDataStore
	messages  *services.MessageStore
	analytics *services.AnalyticsService
	factory   *fakeFactory
	publisher *recordingPublisher
	manager   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "manager-test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	cipher, err := services.NewCipher("test-secret")
	require.NoError(t, err)

	messages := services.NewMessageStore(db)
	h := &harness{
		t:  t,
		db: db,
		cfg: config.WhatsAppConfig{
			SessionDir:         t.TempDir(),
			InitTimeout:        time.Second,
			CallTimeout:        200 * time.Millisecond,
			RestoreConcurrency: 2,
		},
		sessions:  services.NewSessionStore(db),
		data:      services.NewSessionDataStore(db, cipher),
		messages:  messages,
		analytics: services.NewAnalyticsService(messages),
	}
	h.manager, h.factory, h.publisher = h.newManager()
	return h
}

// newManager builds a manager over the same stores, as after a process restart
func (h *harness) newManager() (*Manager, *fakeFactory, *recordingPublisher) {
	factory := newFakeFactory()
	publisher := &recordingPublisher{}
	m := NewManager(h.cfg, Dependencies{
		Sessions:  h.sessions,
		Data:      h.data,
		Messages:  h.messages,
		Analytics: h.analytics,
		Publisher: publisher,
		Factory:   factory.build,
		Metrics:   NewMetrics(prometheus.NewRegistry()),
	}, zap.NewNop())
	h.t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, factory, publisher
}

func (h *harness) waitStatus(id string, status models.SessionStatus) models.Session {
	h.t.Helper()
	var got models.Session
	require.Eventually(h.t, func() bool {
		s, err := h.manager.GetSession(context.Background(), id)
		if err != nil {
			return false
		}
		got = s
		return s.Status == status
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", id, status)
	return got
}

func (h *harness) waitStored(id string, status models.SessionStatus) models.Session {
	h.t.Helper()
	var got models.Session
	require.Eventually(h.t, func() bool {
		s, err := h.sessions.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = s
		return s.Status == status
	}, 2*time.Second, 5*time.Millisecond, "stored session %s never reached %s", id, status)
	return got
}

func (h *harness) waitAdapter(id string) *fakeAdapter {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.factory.latest(id) != nil }, 2*time.Second, 5*time.Millisecond)
	return h.factory.latest(id)
}

// createReady creates a session and drives it to ready
func (h *harness) createReady(name, phone string) (string, *fakeAdapter) {
	h.t.Helper()
	id, err := h.manager.CreateSession(context.Background(), name)
	require.NoError(h.t, err)
	adapter := h.waitAdapter(id)
	adapter.emit(ReadyEvent(phone, phone+":1@s.whatsapp.net"))
	h.waitStored(id, models.StatusReady)
	return id, adapter
}

func (h *harness) persistReady(name, phone string) models.Session {
	h.t.Helper()
	now := time.Now()
	s := models.Session{
		ID:          fmt.Sprintf("%s-%d", name, now.UnixNano()),
		Name:        name,
		Status:      models.StatusReady,
		PhoneNumber: models.StringPtr(phone),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(h.t, h.sessions.Upsert(context.Background(), s))
	return s
}

var errBrowserLaunch = errors.New("failed to launch browser")

// gateSessionWrites holds every update of a sessions row until release is
// called. entered is signalled when a write is being held.
func (h *harness) gateSessionWrites() (entered <-chan struct{}, release func()) {
	h.t.Helper()
	signal := make(chan struct{}, 1)
	gate := make(chan struct{})
	var armed atomic.Bool
	armed.Store(true)

	err := h.db.Callback().Update().Before("gorm:begin_transaction").Register("test:gate_session_writes", func(tx *gorm.DB) {
		if !armed.Load() || tx.Statement.Table != "sessions" {
			return
		}
		select {
		case signal <- struct{}{}:
		default:
		}
		<-gate
	})
	require.NoError(h.t, err)

	var once sync.Once
	release = func() {
		once.Do(func() {
			armed.Store(false)
			close(gate)
		})
	}
	h.t.Cleanup(release)
	return signal, release
}

// requireGone asserts that no trace of id is left in memory or in any store
func (h *harness) requireGone(id string) {
	h.t.Helper()
	ctx := context.Background()

	_, err := h.sessions.Get(ctx, id)
	require.ErrorIs(h.t, err, services.ErrNotFound)
	n, err := h.data.Count(ctx, id)
	require.NoError(h.t, err)
	require.Zero(h.t, n)
	counts, err := h.messages.CountBySession(ctx, id)
	require.NoError(h.t, err)
	require.Zero(h.t, counts.Sent+counts.Received+counts.Failed)

	_, err = h.manager.GetSession(ctx, id)
	require.ErrorIs(h.t, err, ErrSessionNotFound)
	require.Zero(h.t, h.factory.live(id))
	require.Zero(h.t, h.manager.LiveCount())
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting on channel")
	}
	var zero T
	return zero
}
