package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wa_manager/internal/broadcast"
	"wa_manager/internal/config"
	"wa_manager/internal/logger"
	"wa_manager/internal/models"
	"wa_manager/internal/services"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionNotReady = errors.New("session is not ready")
	ErrSessionActive   = errors.New("session already has a live connection")
	ErrAdapterTimeout  = errors.New("adapter call timed out")
	ErrInvalidName     = errors.New("session name is required")
	ErrInvalidMessage  = errors.New("recipient and message body are required")
	ErrInvalidDataType = errors.New("invalid session data type")
)

const (
	persistTimeout     = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
	analyticsWindow    = 24 * time.Hour
)

// Publisher fans payloads out to realtime subscribers
type Publisher interface {
	Publish(channel string, payload interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}

// StatusChange is delivered to listeners after a session changed status or was deleted
type StatusChange struct {
	Session  models.Session
	Previous models.SessionStatus
	Reason   string
	Deleted  bool
}

// StatusListener must not block
type StatusListener func(StatusChange)

// RestoreResult reports the outcome of a startup restoration pass
type RestoreResult struct {
	Restored []string `json:"restored"`
	Failed   []string `json:"failed"`
	Skipped  []string `json:"skipped"`
}

// MessagePayload is published on the messages channel
type MessagePayload struct {
	SessionID string         `json:"session_id"`
	Message   models.Message `json:"message"`
}

// ContactsPayload is published on the contacts channel
type ContactsPayload struct {
	SessionID string    `json:"session_id"`
	Contacts  []Contact `json:"contacts"`
}

// AnalyticsPayload is published on the analytics channel
type AnalyticsPayload struct {
	Overview services.Overview          `json:"overview"`
	Session  *services.SessionAnalytics `json:"session,omitempty"`
}

// Dependencies are the collaborators of the manager
type Dependencies struct {
	Sessions  *services.SessionStore
	Data      *services.SessionDataStore
	Messages  *services.MessageStore
	Analytics *services.AnalyticsService
	Publisher Publisher
	Factory   AdapterFactory
	Metrics   *Metrics
}

// entry is the in-memory state of one session. opMu serializes event
// handling with delete, logout and shutdown; mu guards the fields.
type entry struct {
	opMu sync.Mutex

	mu      sync.RWMutex
	session models.Session
	adapter Adapter
	cancel  context.CancelFunc
	retired bool

	log *zap.Logger
}

func (e *entry) snapshot() models.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

func (e *entry) setSession(s models.Session) {
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
}

func (e *entry) liveAdapter() Adapter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.adapter
}

func (e *entry) isRetired() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retired
}

// detach retires the entry and hands its adapter over to the caller
func (e *entry) detach(retire bool) (Adapter, context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if retire {
		e.retired = true
	}
	adapter, cancel := e.adapter, e.cancel
	e.adapter, e.cancel = nil, nil
	return adapter, cancel
}

// Manager is the sole owner of the session map. Every status change goes
// through it.
type Manager struct {
	cfg       config.WhatsAppConfig
	sessions  *services.SessionStore
	data      *services.SessionDataStore
	messages  *services.MessageStore
	analytics *services.AnalyticsService
	publisher Publisher
	factory   AdapterFactory
	metrics   *Metrics
	log       *zap.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*entry

	listenersMu sync.RWMutex
	listeners   []StatusListener
}

// NewManager creates a session manager
func NewManager(cfg config.WhatsAppConfig, deps Dependencies, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		sessions:  deps.Sessions,
		data:      deps.Data,
		messages:  deps.Messages,
		analytics: deps.Analytics,
		publisher: publisher,
		factory:   deps.Factory,
		metrics:   deps.Metrics,
		log:       log.Named("manager"),
		ctx:       ctx,
		stop:      stop,
		entries:   make(map[string]*entry),
	}
}

// Subscribe registers a status change listener
func (m *Manager) Subscribe(listener StatusListener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, listener)
	m.listenersMu.Unlock()
}

func (m *Manager) notify(change StatusChange) {
	m.listenersMu.RLock()
	listeners := append([]StatusListener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(change)
	}
}

// CreateSession persists a new initializing session and starts its adapter in
// the background. Only the durable write can fail the call.
func (m *Manager) CreateSession(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}

	now := time.Now()
	session := models.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    models.StatusInitializing,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.sessions.Upsert(ctx, session); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	e := m.newEntry(session)
	m.mu.Lock()
	m.entries[session.ID] = e
	m.mu.Unlock()

	e.log.Info("session created", zap.String("name", name))
	// construction opens the device store; a delete racing it retires e first
	go m.launch(e)
	m.refreshGauge()
	m.publishSessions()
	return session.ID, nil
}

func (m *Manager) newEntry(session models.Session) *entry {
	return &entry{session: session, log: logger.Session(m.log, session.ID)}
}

// build runs the factory, converting panics into errors
func (m *Manager) build(session models.Session) (adapter Adapter, err error) {
	defer func() {
		if r := recover(); r != nil {
			adapter, err = nil, fmt.Errorf("adapter construction panicked: %v", r)
		}
	}()
	if m.factory == nil {
		return nil, errors.New("no adapter factory configured")
	}
	adapter, err = m.factory(session)
	if err == nil && adapter == nil {
		err = errors.New("adapter factory returned no adapter")
	}
	return adapter, err
}

// launch constructs the adapter of e and starts its event loop. A construction
// failure is handled like an initialization failure.
func (m *Manager) launch(e *entry) {
	adapter, err := m.build(e.snapshot())
	if err != nil {
		e.log.Error("failed to construct adapter", zap.Error(err))
		m.handleEvent(e, InitFailureEvent(err))
		return
	}
	m.attach(e, adapter)
}

func (m *Manager) attach(e *entry, adapter Adapter) {
	ctx, cancel := context.WithCancel(m.ctx)
	e.mu.Lock()
	if e.retired {
		e.mu.Unlock()
		cancel()
		m.destroy(e.log, adapter)
		return
	}
	e.adapter = adapter
	e.cancel = cancel
	e.mu.Unlock()

	go m.run(ctx, e, adapter)
}

// run is the event loop of one adapter. Events of a session are handled one
// at a time in emission order.
func (m *Manager) run(ctx context.Context, e *entry, adapter Adapter) {
	initDone := make(chan error, 1)
	go func() {
		initDone <- m.call(ctx, "initialize", m.cfg.InitTimeout, adapter.Initialize)
	}()

	events := adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-initDone:
			initDone = nil
			if err != nil && ctx.Err() == nil {
				e.log.Warn("adapter initialization failed", zap.Error(err))
				m.handleEvent(e, InitFailureEvent(err))
			}
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					m.handleEvent(e, DisconnectedEvent("event stream closed"))
				}
				return
			}
			m.handleEvent(e, ev)
		}
	}
}

// OnAdapterEvent dispatches ev to the live session id. Events for unknown or
// deleted sessions are dropped.
func (m *Manager) OnAdapterEvent(id string, ev Event) {
	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e == nil {
		m.log.Debug("dropping event for unknown session", zap.String("session_id", id), zap.String("event", string(ev.Kind)))
		m.metrics.incEvent(ev.Kind, "dropped")
		return
	}
	m.handleEvent(e, ev)
}

func (m *Manager) handleEvent(e *entry, ev Event) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.isRetired() {
		m.metrics.incEvent(ev.Kind, "dropped")
		return
	}

	current := e.snapshot()
	if ev.Kind == EventMessage {
		if current.Status != models.StatusReady || ev.Message == nil {
			m.metrics.incEvent(ev.Kind, "ignored")
			return
		}
		m.recordIncoming(current, *ev.Message)
		m.metrics.incEvent(ev.Kind, "processed")
		return
	}

	next, changed := Transition(current, ev)
	if !changed {
		e.log.Debug("ignoring adapter event",
			zap.String("event", string(ev.Kind)),
			zap.String("status", string(current.Status)))
		m.metrics.incEvent(ev.Kind, "ignored")
		return
	}
	next.UpdatedAt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	// in-memory state stays authoritative when the write fails
	if err := m.sessions.Update(ctx, next); errors.Is(err, services.ErrNotFound) {
		e.log.Warn("session record is gone, dropping adapter event", zap.String("event", string(ev.Kind)))
		m.metrics.incEvent(ev.Kind, "dropped")
		return
	} else if err != nil {
		e.log.Error("failed to persist session state", zap.String("status", string(next.Status)), zap.Error(err))
	}
	e.setSession(next)
	if ev.Kind == EventReady {
		m.persistCredentials(ctx, e, ev)
		go m.refreshContacts(e)
	}
	if !next.Status.HasAdapter() {
		m.release(e)
	}

	fields := []zap.Field{
		zap.String("from", string(current.Status)),
		zap.String("to", string(next.Status)),
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	e.log.Info("session status changed", fields...)
	m.metrics.incEvent(ev.Kind, "processed")

	m.notify(StatusChange{Session: next, Previous: current.Status, Reason: ev.Reason})
	m.refreshGauge()
	m.publishSessions()
}

func (m *Manager) persistCredentials(ctx context.Context, e *entry, ev Event) {
	if m.data == nil {
		return
	}
	id := e.snapshot().ID
	if ev.DeviceJID != "" {
		if err := m.data.Upsert(ctx, id, models.DataAuth, "device_jid", ev.DeviceJID, m.data.CanEncrypt()); err != nil {
			e.log.Error("failed to persist device id", zap.Error(err))
		}
	}
	if phone := e.snapshot().Phone(); phone != "" {
		if err := m.data.Upsert(ctx, id, models.DataAuth, "phone_number", phone, m.data.CanEncrypt()); err != nil {
			e.log.Error("failed to persist phone number", zap.Error(err))
		}
	}
}

// release cancels the event loop of e and tears its adapter down
func (m *Manager) release(e *entry) {
	adapter, cancel := e.detach(false)
	if cancel != nil {
		cancel()
	}
	if adapter != nil {
		m.destroy(e.log, adapter)
	}
}

func (m *Manager) destroy(log *zap.Logger, adapter Adapter) {
	err := m.call(context.Background(), "destroy", m.cfg.CallTimeout, func(context.Context) error {
		return adapter.Destroy()
	})
	if err != nil {
		log.Warn("adapter teardown failed", zap.Error(err))
	}
}

func (m *Manager) recordIncoming(session models.Session, msg IncomingMessage) {
	record := &models.Message{
		SessionID:         session.ID,
		ExternalMessageID: msg.ID,
		From:              msg.From,
		To:                msg.To,
		Body:              msg.Body,
		Type:              msg.Type,
		IsGroupMessage:    msg.IsGroup,
		Author:            msg.Author,
		Timestamp:         msg.Timestamp,
		MediaURL:          msg.MediaURL,
		Direction:         models.DirectionIncoming,
		Status:            models.MessageReceived,
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if m.messages != nil {
		if err := m.messages.Save(ctx, record); err != nil {
			m.log.Error("failed to persist incoming message", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	m.publisher.Publish(broadcast.ChannelMessages, MessagePayload{SessionID: session.ID, Message: *record})
	m.publishAnalytics(ctx, session.ID)
}

// refreshContacts loads the address book of a freshly ready session
func (m *Manager) refreshContacts(e *entry) {
	adapter := e.liveAdapter()
	if adapter == nil {
		return
	}
	var contacts []Contact
	err := m.call(m.ctx, "contacts", m.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		contacts, err = adapter.Contacts(ctx)
		return err
	})
	if err != nil {
		e.log.Warn("failed to load contacts", zap.Error(err))
		return
	}
	m.publisher.Publish(broadcast.ChannelContacts, ContactsPayload{SessionID: e.snapshot().ID, Contacts: contacts})
}

// DeleteSession tears down the adapter, removes every stored trace of the
// session and purges its on-disk artifacts. Deleting an unknown id succeeds.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	e := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if e != nil {
		e.opMu.Lock()
		adapter, cancel := e.detach(true)
		if cancel != nil {
			cancel()
		}
		if adapter != nil {
			if err := m.call(ctx, "logout", m.cfg.CallTimeout, adapter.Logout); err != nil {
				e.log.Warn("logout during delete failed", zap.Error(err))
			}
			m.destroy(e.log, adapter)
		}
		e.opMu.Unlock()
	}

	var errs []error
	if err := m.sessions.Delete(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if m.data != nil {
		if err := m.data.DeleteAll(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if m.messages != nil {
		if err := m.messages.DeleteBySession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.purgeArtifacts(id); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("delete session %s: %w", id, errors.Join(errs...))
	}

	if e != nil {
		e.log.Info("session deleted")
		m.notify(StatusChange{Session: models.Session{ID: id}, Deleted: true})
		m.refreshGauge()
		m.publishSessions()
	}
	return nil
}

// purgeArtifacts removes <SessionDir>/<id>
func (m *Manager) purgeArtifacts(id string) error {
	if m.cfg.SessionDir == "" || id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(m.cfg.SessionDir, id)); err != nil {
		return fmt.Errorf("purge session artifacts: %w", err)
	}
	return nil
}

// RestoreAllActiveSessions reconnects every active session whose last known
// status was ready. Sessions stuck in pairing are skipped and need a fresh QR.
// Restorations run independently; a failure leaves that session absent.
func (m *Manager) RestoreAllActiveSessions(ctx context.Context) (RestoreResult, error) {
	records, err := m.sessions.ListActive(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("restore sessions: %w", err)
	}

	var (
		result RestoreResult
		mu     sync.Mutex
		g      errgroup.Group
	)
	g.SetLimit(max(1, m.cfg.RestoreConcurrency))

	for _, record := range records {
		if record.Status != models.StatusReady {
			m.log.Info("not restoring session",
				zap.String("session_id", record.ID),
				zap.String("status", string(record.Status)))
			result.Skipped = append(result.Skipped, record.ID)
			m.metrics.incRestore("skipped")
			continue
		}
		g.Go(func() error {
			err := m.restore(ctx, record)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.log.Error("failed to restore session", zap.String("session_id", record.ID), zap.Error(err))
				result.Failed = append(result.Failed, record.ID)
				m.metrics.incRestore("failed")
				return nil
			}
			result.Restored = append(result.Restored, record.ID)
			m.metrics.incRestore("restored")
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("session restoration finished",
		zap.Int("restored", len(result.Restored)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", len(result.Skipped)))
	m.refreshGauge()
	m.publishSessions()
	return result, nil
}

func (m *Manager) restore(ctx context.Context, record models.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	_, exists := m.entries[record.ID]
	m.mu.RUnlock()
	if exists {
		return ErrSessionActive
	}

	adapter, err := m.build(record)
	if err != nil {
		return err
	}

	e := m.newEntry(record)
	m.mu.Lock()
	if _, exists := m.entries[record.ID]; exists {
		m.mu.Unlock()
		m.destroy(e.log, adapter)
		return ErrSessionActive
	}
	m.entries[record.ID] = e
	m.mu.Unlock()

	m.attach(e, adapter)
	e.log.Info("session restored")
	return nil
}

// Reconnect starts a fresh adapter for a session that has none, either because
// it is disconnected, failed authentication, or was never restored.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	m.mu.RLock()
	old := m.entries[id]
	m.mu.RUnlock()

	var record models.Session
	if old != nil {
		record = old.snapshot()
		if record.Status.HasAdapter() {
			return ErrSessionActive
		}
	} else {
		stored, err := m.sessions.Get(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("reconnect session %s: %w", id, err)
		}
		record = stored
	}

	previous := record.Status
	if old == nil {
		previous = detached(record).Status
	}
	record.Status = models.StatusInitializing
	record.QRCode = nil
	record.PhoneNumber = nil
	record.IsActive = true
	record.UpdatedAt = time.Now()

	// held until the record is written so a concurrent delete runs after it
	e := m.newEntry(record)
	e.opMu.Lock()
	m.mu.Lock()
	current, exists := m.entries[id]
	switch {
	case old != nil && !exists:
		m.mu.Unlock()
		e.opMu.Unlock()
		return ErrSessionNotFound
	case current != old:
		m.mu.Unlock()
		e.opMu.Unlock()
		return ErrSessionActive
	}
	m.entries[id] = e
	m.mu.Unlock()

	if err := m.sessions.Update(ctx, record); err != nil {
		m.mu.Lock()
		if m.entries[id] == e {
			if old != nil && !errors.Is(err, services.ErrNotFound) {
				m.entries[id] = old
			} else {
				delete(m.entries, id)
			}
		}
		m.mu.Unlock()
		e.detach(true)
		e.opMu.Unlock()
		if errors.Is(err, services.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("reconnect session %s: %w", id, err)
	}

	m.mu.RLock()
	live := m.entries[id] == e
	m.mu.RUnlock()
	e.opMu.Unlock()
	if old != nil {
		old.detach(true)
	}
	if !live {
		return ErrSessionNotFound
	}

	e.log.Info("session reconnecting", zap.String("from", string(previous)))
	m.launch(e)
	m.notify(StatusChange{Session: e.snapshot(), Previous: previous})
	m.refreshGauge()
	m.publishSessions()
	return nil
}

// Logout unlinks the device, wipes stored credentials and marks the session
// inactive. The record itself is kept.
func (m *Manager) Logout(ctx context.Context, id string) error {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.isRetired() {
		return ErrSessionNotFound
	}
	adapter := e.liveAdapter()
	if adapter == nil {
		return ErrSessionNotReady
	}

	if err := m.call(ctx, "logout", m.cfg.CallTimeout, adapter.Logout); err != nil {
		e.log.Warn("adapter logout failed", zap.Error(err))
	}
	m.release(e)

	current := e.snapshot()
	next, _ := Transition(current, DisconnectedEvent(ReasonLogout))
	next.IsActive = false
	next.UpdatedAt = time.Now()
	e.setSession(next)

	if err := m.sessions.Update(ctx, next); err != nil {
		return fmt.Errorf("logout session %s: %w", id, err)
	}
	if m.data != nil {
		if err := m.data.DeleteAll(ctx, id); err != nil {
			e.log.Error("failed to wipe session data", zap.Error(err))
		}
	}
	if err := m.purgeArtifacts(id); err != nil {
		e.log.Error("failed to purge session artifacts", zap.Error(err))
	}

	e.log.Info("session logged out")
	m.notify(StatusChange{Session: next, Previous: current.Status, Reason: ReasonLogout})
	m.refreshGauge()
	m.publishSessions()
	return nil
}

// SendMessage sends a text message through a ready session. The call is
// bounded by the adapter call timeout and recorded either way.
func (m *Manager) SendMessage(ctx context.Context, id, to, body string) (MessageHandle, error) {
	to, body = strings.TrimSpace(to), strings.TrimSpace(body)
	if to == "" || body == "" {
		return MessageHandle{}, ErrInvalidMessage
	}
	e, err := m.lookup(ctx, id)
	if err != nil {
		return MessageHandle{}, err
	}
	session := e.snapshot()
	adapter := e.liveAdapter()
	if session.Status != models.StatusReady || adapter == nil {
		return MessageHandle{}, ErrSessionNotReady
	}

	var handle MessageHandle
	sendErr := m.call(ctx, "send_message", m.cfg.CallTimeout, func(ctx context.Context) error {
		h, err := adapter.SendMessage(ctx, to, body)
		handle = h
		return err
	})

	record := &models.Message{
		SessionID: id,
		From:      session.Phone(),
		To:        to,
		Body:      body,
		Type:      "text",
		Timestamp: time.Now(),
		Direction: models.DirectionOutgoing,
		Status:    models.MessageSent,
	}
	if sendErr != nil {
		record.Status = models.MessageFailed
		record.Error = truncate(sendErr.Error(), 500)
	} else {
		record.ExternalMessageID = handle.ID
		if !handle.Timestamp.IsZero() {
			record.Timestamp = handle.Timestamp
		}
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if m.messages != nil {
		if err := m.messages.Save(saveCtx, record); err != nil {
			e.log.Error("failed to persist outgoing message", zap.Error(err))
		}
	}
	m.publisher.Publish(broadcast.ChannelMessages, MessagePayload{SessionID: id, Message: *record})
	m.publishAnalytics(saveCtx, id)

	if sendErr != nil {
		return MessageHandle{}, fmt.Errorf("send message: %w", sendErr)
	}
	return handle, nil
}

// Contacts returns the address book of a ready session
func (m *Manager) Contacts(ctx context.Context, id string) ([]Contact, error) {
	e, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	adapter := e.liveAdapter()
	if e.snapshot().Status != models.StatusReady || adapter == nil {
		return nil, ErrSessionNotReady
	}

	var contacts []Contact
	err = m.call(ctx, "contacts", m.cfg.CallTimeout, func(ctx context.Context) error {
		var err error
		contacts, err = adapter.Contacts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch contacts: %w", err)
	}
	return contacts, nil
}

// lookup returns the live entry of id. A session that only exists in the store
// is reported as not ready.
func (m *Manager) lookup(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e != nil {
		return e, nil
	}
	if _, err := m.sessions.Get(ctx, id); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return nil, ErrSessionNotReady
}

// ListSessions returns every known session. In-memory state wins over the
// store; stored sessions without an adapter in this process are reported
// as disconnected.
func (m *Manager) ListSessions(ctx context.Context) ([]models.Session, error) {
	live := m.liveSnapshots()
	stored, err := m.sessions.List(ctx)
	if err != nil {
		if len(live) == 0 {
			return nil, err
		}
		m.log.Warn("listing sessions from memory only", zap.Error(err))
	}

	out := make([]models.Session, 0, len(stored)+len(live))
	seen := make(map[string]bool, len(live))
	for _, s := range stored {
		if l, ok := live[s.ID]; ok {
			out = append(out, l)
			seen[s.ID] = true
			continue
		}
		out = append(out, detached(s))
	}
	for id, l := range live {
		if !seen[id] {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetSession returns one session, preferring in-memory state
func (m *Manager) GetSession(ctx context.Context, id string) (models.Session, error) {
	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e != nil {
		return e.snapshot(), nil
	}
	stored, err := m.sessions.Get(ctx, id)
	if errors.Is(err, services.ErrNotFound) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	return detached(stored), nil
}

// GetSessionData returns one stored authentication artifact of a session
func (m *Manager) GetSessionData(ctx context.Context, id string, dataType models.DataType, key string) (string, error) {
	if !dataType.Valid() {
		return "", ErrInvalidDataType
	}
	if m.data == nil {
		return "", services.ErrNotFound
	}
	return m.data.Get(ctx, id, dataType, key)
}

// LiveCount returns the number of sessions holding an adapter
func (m *Manager) LiveCount() int {
	count := 0
	for _, s := range m.liveSnapshots() {
		if s.Status.HasAdapter() {
			count++
		}
	}
	return count
}

// PublishSnapshot pushes the current sessions and analytics to subscribers.
// It is called when a subscriber connects since the broadcaster keeps no replay.
func (m *Manager) PublishSnapshot() {
	m.publishSessions()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	m.publishAnalytics(ctx, "")
}

// Shutdown releases every adapter without touching stored state, so ready
// sessions are restored on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.opMu.Lock()
			defer e.opMu.Unlock()
			adapter, cancel := e.detach(true)
			if cancel != nil {
				cancel()
			}
			if adapter != nil {
				m.destroy(e.log, adapter)
			}
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	defer m.stop()
	select {
	case <-done:
		m.log.Info("session manager stopped", zap.Int("sessions", len(entries)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) liveSnapshots() map[string]models.Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make(map[string]models.Session, len(entries))
	for _, e := range entries {
		s := e.snapshot()
		out[s.ID] = s
	}
	return out
}

func (m *Manager) refreshGauge() {
	counts := make(map[models.SessionStatus]int)
	for _, s := range m.liveSnapshots() {
		counts[s.Status]++
	}
	m.metrics.setSessionCounts(counts)
}

func (m *Manager) publishSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	sessions, err := m.ListSessions(ctx)
	if err != nil {
		m.log.Warn("failed to list sessions for broadcast", zap.Error(err))
		return
	}
	m.publisher.Publish(broadcast.ChannelSessions, sessions)
}

func (m *Manager) publishAnalytics(ctx context.Context, sessionID string) {
	if m.analytics == nil {
		return
	}
	overview, err := m.analytics.Overview(ctx, analyticsWindow)
	if err != nil {
		m.log.Warn("failed to compute analytics", zap.Error(err))
		return
	}
	payload := AnalyticsPayload{Overview: overview}
	if sessionID != "" {
		stats, err := m.analytics.SessionAnalytics(ctx, sessionID)
		if err != nil {
			m.log.Warn("failed to compute session analytics", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			payload.Session = &stats
		}
	}
	m.publisher.Publish(broadcast.ChannelAnalytics, payload)
}

// call runs fn bounded by timeout. On timeout the call is abandoned and
// ErrAdapterTimeout returned; the adapter keeps running.
func (m *Manager) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("adapter %s panicked: %v", op, r)
			}
		}()
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s after %s: %w", op, timeout, ErrAdapterTimeout)
	}
	m.metrics.observeCall(op, err, time.Since(start))
	return err
}

// detached is how a stored session looks without an adapter in this process
func detached(s models.Session) models.Session {
	if s.Status.HasAdapter() {
		s.Status = models.StatusDisconnected
		s.QRCode = nil
		s.PhoneNumber = nil
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
