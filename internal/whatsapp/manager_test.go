package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wa_manager/internal/broadcast"
	"wa_manager/internal/models"
	"wa_manager/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession_QRThenReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.factory.contacts = []Contact{{JID: "15550001111@s.whatsapp.net", FullName: "Alice"}}

	id, err := h.manager.CreateSession(ctx, "  Sales ")
	require.NoError(t, err)

	stored, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Sales", stored.Name)
	assert.Equal(t, models.StatusInitializing, stored.Status)
	assert.True(t, stored.IsActive)
	assert.Nil(t, stored.PhoneNumber)

	adapter := h.waitAdapter(id)
	adapter.emit(QREvent("QR-PAYLOAD-1"))
	stored = h.waitStored(id, models.StatusQRCode)
	assert.Equal(t, "QR-PAYLOAD-1", stored.QR())
	assert.Nil(t, stored.PhoneNumber)

	adapter.emit(ReadyEvent("15551234567", "15551234567:3@s.whatsapp.net"))
	stored = h.waitStored(id, models.StatusReady)
	assert.Nil(t, stored.QRCode)
	assert.Equal(t, "15551234567", stored.Phone())

	live, err := h.manager.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, live.Status)
	assert.Equal(t, 1, h.manager.LiveCount())

	require.Eventually(t, func() bool {
		jid, err := h.manager.GetSessionData(ctx, id, models.DataAuth, "device_jid")
		return err == nil && jid == "15551234567:3@s.whatsapp.net"
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(h.publisher.on(broadcast.ChannelContacts)) == 1 }, 2*time.Second, 5*time.Millisecond)
	payload := h.publisher.on(broadcast.ChannelContacts)[0].(ContactsPayload)
	assert.Equal(t, id, payload.SessionID)
	assert.Len(t, payload.Contacts, 1)
	assert.NotEmpty(t, h.publisher.on(broadcast.ChannelSessions))
}

func TestCreateSession_RejectsBlankName(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.CreateSession(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestPhoneSetOnlyWhileReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	check := func(s models.Session) {
		t.Helper()
		if s.Status == models.StatusReady {
			assert.NotNil(t, s.PhoneNumber)
			assert.Nil(t, s.QRCode)
		} else {
			assert.Nil(t, s.PhoneNumber)
		}
		if s.Status != models.StatusQRCode {
			assert.Nil(t, s.QRCode)
		}
	}

	id, err := h.manager.CreateSession(ctx, "Support")
	require.NoError(t, err)
	adapter := h.waitAdapter(id)

	adapter.emit(QREvent("Q1"))
	check(h.waitStatus(id, models.StatusQRCode))
	adapter.emit(ReadyEvent("15557654321", ""))
	check(h.waitStatus(id, models.StatusReady))
	adapter.emit(DisconnectedEvent("NAVIGATION"))
	check(h.waitStatus(id, models.StatusDisconnected))
	check(h.waitStored(id, models.StatusDisconnected))
}

func TestQRAfterReadyIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, adapter := h.createReady("Ops", "15550000001")

	adapter.emit(QREvent("late-qr"))
	adapter.emit(MessageEvent(IncomingMessage{ID: "m-1", From: "15550009999@s.whatsapp.net", Body: "ping", Type: "text", Timestamp: time.Now()}))

	// events are handled in order, so once the message is stored the QR was seen
	require.Eventually(t, func() bool {
		counts, err := h.messages.CountBySession(ctx, id)
		return err == nil && counts.Received == 1
	}, 2*time.Second, 5*time.Millisecond)

	s, err := h.manager.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, s.Status)
	assert.Nil(t, s.QRCode)
	assert.Equal(t, "15550000001", s.Phone())
}

func TestIncomingMessagesRecordedOnlyWhileReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.manager.CreateSession(ctx, "Inbox")
	require.NoError(t, err)
	adapter := h.waitAdapter(id)

	adapter.emit(QREvent("Q1"))
	adapter.emit(MessageEvent(IncomingMessage{ID: "early", Body: "too early"}))
	adapter.emit(ReadyEvent("15550000002", ""))
	adapter.emit(MessageEvent(IncomingMessage{ID: "m-2", From: "15550003333@s.whatsapp.net", Body: "hello", Type: "text", Timestamp: time.Now()}))

	require.Eventually(t, func() bool { return len(h.publisher.on(broadcast.ChannelMessages)) == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs, err := h.messages.ListBySession(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-2", msgs[0].ExternalMessageID)
	assert.Equal(t, models.DirectionIncoming, msgs[0].Direction)

	payload := h.publisher.on(broadcast.ChannelMessages)[0].(MessagePayload)
	assert.Equal(t, id, payload.SessionID)
	assert.Equal(t, "hello", payload.Message.Body)

	require.Eventually(t, func() bool { return len(h.publisher.on(broadcast.ChannelAnalytics)) > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestInitializationFailureBecomesAuthFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.initErr["Broken"] = errBrowserLaunch

	id, err := h.manager.CreateSession(context.Background(), "Broken")
	require.NoError(t, err)

	h.waitStored(id, models.StatusAuthFailure)
	adapter := h.factory.latest(id)
	require.Eventually(t, adapter.isDestroyed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.manager.LiveCount())
}

func TestConstructionFailureBecomesAuthFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.buildErr["NoBrowser"] = errBrowserLaunch

	id, err := h.manager.CreateSession(context.Background(), "NoBrowser")
	require.NoError(t, err)

	s := h.waitStored(id, models.StatusAuthFailure)
	assert.True(t, s.IsActive)
	assert.Equal(t, 0, h.factory.built(id))
}

func TestEventStreamClosedBecomesDisconnected(t *testing.T) {
	h := newHarness(t)
	id, adapter := h.createReady("Flaky", "15550000003")

	require.NoError(t, adapter.Destroy())

	h.waitStored(id, models.StatusDisconnected)
	assert.Equal(t, 0, h.manager.LiveCount())
}

func TestLogoutDisconnectNotRestoredAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, adapter := h.createReady("Marketing", "15550000004")

	adapter.emit(DisconnectedEvent(ReasonLogout))
	h.waitStored(id, models.StatusDisconnected)
	require.Eventually(t, adapter.isDestroyed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.factory.live(id))

	restarted, factory, _ := h.newManager()
	result, err := restarted.RestoreAllActiveSessions(ctx)
	require.NoError(t, err)
	assert.Contains(t, result.Skipped, id)
	assert.Empty(t, result.Restored)
	assert.Equal(t, 0, factory.built(id))

	s, err := restarted.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, s.Status)
}

func TestRestoreFailureIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.persistReady("A", "15550000010")
	b := h.persistReady("B", "15550000011")
	h.factory.buildErr["B"] = errBrowserLaunch

	result, err := h.manager.RestoreAllActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, result.Restored)
	assert.Equal(t, []string{b.ID}, result.Failed)

	sa, err := h.manager.GetSession(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, sa.Status)
	assert.Equal(t, "15550000010", sa.Phone())

	sb, err := h.manager.GetSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, sb.Status)
	assert.Nil(t, sb.PhoneNumber)

	assert.Equal(t, 1, h.manager.LiveCount())
	assert.Equal(t, 1, h.factory.live(a.ID))
}

func TestRestoreWithPanickingFactory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var healthy []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("S%d", i)
		s := h.persistReady(name, fmt.Sprintf("1555000002%d", i))
		if i == 1 || i == 3 {
			h.factory.panicFor[name] = true
			continue
		}
		healthy = append(healthy, s.ID)
	}

	result, err := h.manager.RestoreAllActiveSessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, healthy, result.Restored)
	assert.Len(t, result.Failed, 2)
	assert.Equal(t, len(healthy), h.manager.LiveCount())
}

func TestRestoreSkipsSessionsThatWereNotReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pairing := models.Session{ID: "pairing-1", Name: "Pairing", Status: models.StatusQRCode, QRCode: models.StringPtr("q"), IsActive: true}
	inactive := models.Session{ID: "inactive-1", Name: "Inactive", Status: models.StatusReady, PhoneNumber: models.StringPtr("1"), IsActive: false}
	require.NoError(t, h.sessions.Upsert(ctx, pairing))
	require.NoError(t, h.sessions.Upsert(ctx, inactive))

	result, err := h.manager.RestoreAllActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pairing-1"}, result.Skipped)
	assert.Empty(t, result.Restored)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 0, h.factory.built("pairing-1"))
	assert.Equal(t, 0, h.factory.built("inactive-1"))
}

func TestDeleteUnknownSessionSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	existing := h.persistReady("Keep", "15550000030")

	require.NoError(t, h.manager.DeleteSession(ctx, "missing-id"))

	sessions, err := h.sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, existing.ID, sessions[0].ID)
}

func TestDeleteSessionRemovesEveryTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, adapter := h.createReady("Temp", "15550000040")

	require.Eventually(t, func() bool {
		n, err := h.data.Count(ctx, id)
		return err == nil && n == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.messages.Save(ctx, &models.Message{SessionID: id, Body: "x", Direction: models.DirectionOutgoing, Status: models.MessageSent}))

	artifacts := filepath.Join(h.cfg.SessionDir, id)
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "whatsmeow.db"), []byte("x"), 0o600))

	require.NoError(t, h.manager.DeleteSession(ctx, id))
	require.NoError(t, h.manager.DeleteSession(ctx, id))

	_, err := h.sessions.Get(ctx, id)
	assert.ErrorIs(t, err, services.ErrNotFound)
	n, err := h.data.Count(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
	counts, err := h.messages.CountBySession(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, counts.Sent)
	_, err = os.Stat(artifacts)
	assert.True(t, os.IsNotExist(err))

	assert.True(t, adapter.isLoggedOut())
	assert.True(t, adapter.isDestroyed())
	_, err = h.manager.GetSession(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// late events for a deleted session must not resurrect it
	h.manager.OnAdapterEvent(id, QREvent("late"))
	_, err = h.sessions.Get(ctx, id)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestReconnectRequiresNoLiveAdapter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, adapter := h.createReady("Primary", "15550000050")

	assert.ErrorIs(t, h.manager.Reconnect(ctx, id), ErrSessionActive)
	assert.ErrorIs(t, h.manager.Reconnect(ctx, "missing"), ErrSessionNotFound)

	adapter.emit(DisconnectedEvent("CONFLICT"))
	h.waitStored(id, models.StatusDisconnected)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.manager.Reconnect(ctx, id)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrSessionActive)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, h.factory.built(id))
	assert.Equal(t, 1, h.factory.live(id))

	s := h.waitStatus(id, models.StatusInitializing)
	assert.Nil(t, s.PhoneNumber)

	fresh := h.factory.latest(id)
	fresh.emit(ReadyEvent("15550000050", ""))
	h.waitStored(id, models.StatusReady)
}

func TestReconnectDetachedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stored := h.persistReady("Cold", "15550000060")

	s, err := h.manager.GetSession(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, s.Status)

	require.NoError(t, h.manager.Reconnect(ctx, stored.ID))
	h.waitStored(stored.ID, models.StatusInitializing)
	assert.Equal(t, 1, h.factory.live(stored.ID))
	assert.Equal(t, 1, h.manager.LiveCount())
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, adapter := h.createReady("Sender", "15550000070")

	handle, err := h.manager.SendMessage(ctx, id, "15559990000", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", handle.ID)
	assert.Equal(t, 1, adapter.sentCount())

	msgs, err := h.messages.ListBySession(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageSent, msgs[0].Status)
	assert.Equal(t, "wamid-1", msgs[0].ExternalMessageID)
	assert.Equal(t, "15550000070", msgs[0].From)

	_, err = h.manager.SendMessage(ctx, id, "", "body")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = h.manager.SendMessage(ctx, "missing", "1", "body")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendMessageRequiresReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.manager.CreateSession(ctx, "Pending")
	require.NoError(t, err)
	_, err = h.manager.SendMessage(ctx, id, "15559990000", "hi")
	assert.ErrorIs(t, err, ErrSessionNotReady)

	stored := h.persistReady("Detached", "15550000071")
	_, err = h.manager.SendMessage(ctx, stored.ID, "15559990000", "hi")
	assert.ErrorIs(t, err, ErrSessionNotReady)
}

func TestSendMessageTimeoutIsRecordedAsFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.factory.sendDelay = 5 * time.Second
	id, _ := h.createReady("Slow", "15550000080")

	start := time.Now()
	_, err := h.manager.SendMessage(ctx, id, "15559990000", "hello")
	assert.ErrorIs(t, err, ErrAdapterTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	counts, err := h.messages.CountBySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Zero(t, counts.Sent)

	s, err := h.manager.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, s.Status)
}

func TestContacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.factory.contacts = []Contact{{JID: "1@s.whatsapp.net"}, {JID: "2@s.whatsapp.net"}}
	id, _ := h.createReady("Book", "15550000090")

	contacts, err := h.manager.Contacts(ctx, id)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	stored := h.persistReady("Cold", "15550000091")
	_, err = h.manager.Contacts(ctx, stored.ID)
	assert.ErrorIs(t, err, ErrSessionNotReady)
}

func TestLogoutKeepsRecordAndWipesCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, adapter := h.createReady("Leaving", "15550000100")
	require.Eventually(t, func() bool {
		n, err := h.data.Count(ctx, id)
		return err == nil && n > 0
	}, 2*time.Second, 5*time.Millisecond)

	var changes []StatusChange
	var mu sync.Mutex
	h.manager.Subscribe(func(c StatusChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	require.NoError(t, h.manager.Logout(ctx, id))

	stored, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, stored.Status)
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.PhoneNumber)

	n, err := h.data.Count(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, adapter.isLoggedOut())
	assert.True(t, adapter.isDestroyed())

	mu.Lock()
	var logouts []StatusChange
	for _, c := range changes {
		if c.Session.Status == models.StatusDisconnected {
			logouts = append(logouts, c)
		}
	}
	mu.Unlock()
	require.Len(t, logouts, 1)
	assert.Equal(t, ReasonLogout, logouts[0].Reason)
	assert.Equal(t, models.StatusReady, logouts[0].Previous)

	assert.ErrorIs(t, h.manager.Logout(ctx, id), ErrSessionNotReady)
}

func TestListSessionsMergesMemoryAndStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cold := h.persistReady("Cold", "15550000110")
	id, _ := h.createReady("Hot", "15550000111")

	sessions, err := h.manager.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := make(map[string]models.Session)
	for _, s := range sessions {
		byID[s.ID] = s
	}
	assert.Equal(t, models.StatusDisconnected, byID[cold.ID].Status)
	assert.Nil(t, byID[cold.ID].PhoneNumber)
	assert.Equal(t, models.StatusReady, byID[id].Status)
}

func TestGetSessionDataRejectsUnknownType(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.GetSessionData(context.Background(), "any", models.DataType("bogus"), "k")
	assert.ErrorIs(t, err, ErrInvalidDataType)
}

func TestShutdownKeepsStoredState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, adapter := h.createReady("Durable", "15550000120")

	require.NoError(t, h.manager.Shutdown(ctx))
	assert.True(t, adapter.isDestroyed())
	assert.False(t, adapter.isLoggedOut())

	stored, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, stored.Status)
	assert.True(t, stored.IsActive)
	assert.Equal(t, 0, h.manager.LiveCount())
}

func TestDeleteWhileInitializing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gate := make(chan struct{})
	h.factory.initGate["Booting"] = gate

	id, err := h.manager.CreateSession(ctx, "Booting")
	require.NoError(t, err)
	adapter := h.waitAdapter(id)
	require.Eventually(t, adapter.initStarted, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.DeleteSession(ctx, id))
	close(gate)

	h.requireGone(id)
	assert.True(t, adapter.isDestroyed())
}

func TestDeleteWhileEventIsPersisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.manager.CreateSession(ctx, "Pairing")
	require.NoError(t, err)
	adapter := h.waitAdapter(id)

	entered, release := h.gateSessionWrites()
	adapter.emit(ReadyEvent("15550000090", "15550000090:1@s.whatsapp.net"))
	receive(t, entered)

	deleted := make(chan error, 1)
	go func() { deleted <- h.manager.DeleteSession(ctx, id) }()
	time.Sleep(50 * time.Millisecond)
	release()

	require.NoError(t, receive(t, deleted))
	h.requireGone(id)
	assert.True(t, adapter.isDestroyed())
}

func TestReconnectRacingDeleteDoesNotResurrect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stored := h.persistReady("Cold", "15550000095")

	entered, release := h.gateSessionWrites()
	reconnected := make(chan error, 1)
	go func() { reconnected <- h.manager.Reconnect(ctx, stored.ID) }()
	receive(t, entered)

	deleted := make(chan error, 1)
	go func() { deleted <- h.manager.DeleteSession(ctx, stored.ID) }()
	time.Sleep(50 * time.Millisecond)
	release()

	if err := receive(t, reconnected); err != nil {
		assert.ErrorIs(t, err, ErrSessionNotFound)
	}
	require.NoError(t, receive(t, deleted))
	h.requireGone(stored.ID)

	sessions, err := h.manager.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	result, err := h.manager.RestoreAllActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Restored)
}

func TestReconnectAfterDeleteFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stored := h.persistReady("Gone", "15550000096")

	require.NoError(t, h.manager.DeleteSession(ctx, stored.ID))
	assert.ErrorIs(t, h.manager.Reconnect(ctx, stored.ID), ErrSessionNotFound)
	h.requireGone(stored.ID)
}

func TestCreateSessionReturnsBeforeAdapterConstruction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gate := make(chan struct{})
	h.factory.buildGate["Lazy"] = gate

	created := make(chan string, 1)
	go func() {
		id, err := h.manager.CreateSession(ctx, "Lazy")
		assert.NoError(t, err)
		created <- id
	}()
	id := receive(t, created)

	stored, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitializing, stored.Status)
	assert.Zero(t, h.factory.built(id))

	close(gate)
	adapter := h.waitAdapter(id)
	adapter.emit(QREvent("Q-LAZY"))
	h.waitStored(id, models.StatusQRCode)
}
