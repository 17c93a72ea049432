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

	"wa_manager/internal/config"
	"wa_manager/internal/models"
	"wa_manager/internal/services"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const eventBuffer = 64

// DeviceStores opens whatsmeow device stores. With the sqlite driver every
// session owns a database under <SessionDir>/<id>; with postgres all sessions
// share one container and a session finds its device through the device id
// kept in the session data store.
type DeviceStores struct {
	cfg    config.WhatsAppConfig
	data   *services.SessionDataStore
	shared *sqlstore.Container
	log    *zap.Logger
	waLog  waLog.Logger
}

// NewDeviceStores prepares the device stores selected by WA_STORE_DRIVER
func NewDeviceStores(ctx context.Context, cfg config.WhatsAppConfig, data *services.SessionDataStore, log *zap.Logger) (*DeviceStores, error) {
	d := &DeviceStores{
		cfg:   cfg,
		data:  data,
		log:   log.Named("whatsmeow"),
		waLog: NewWALogger(log.Named("whatsmeow")),
	}

	switch cfg.StoreDriver {
	case "postgres", "pgx":
		if cfg.StoreDSN == "" {
			return nil, errors.New("WA_STORE_DSN is required when WA_STORE_DRIVER=postgres")
		}
		container, err := sqlstore.New(ctx, "pgx", cfg.StoreDSN, d.waLog.Sub("Database"))
		if err != nil {
			return nil, fmt.Errorf("open whatsmeow postgres store: %w", err)
		}
		d.shared = container
	case "sqlite", "":
		if err := os.MkdirAll(cfg.SessionDir, 0o755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported whatsmeow store driver: %s", cfg.StoreDriver)
	}
	return d, nil
}

// Close releases the shared container, if any
func (d *DeviceStores) Close() error {
	if d.shared == nil {
		return nil
	}
	return d.shared.Close()
}

// Factory returns an AdapterFactory backed by whatsmeow
func (d *DeviceStores) Factory() AdapterFactory {
	return func(session models.Session) (Adapter, error) {
		return d.newAdapter(session)
	}
}

func (d *DeviceStores) open(ctx context.Context, sessionID string) (*sqlstore.Container, bool, *store.Device, error) {
	if d.shared != nil {
		device, err := d.sharedDevice(ctx, sessionID)
		return d.shared, false, device, err
	}

	if sessionID == "" || filepath.Base(sessionID) != sessionID {
		return nil, false, nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	dir := filepath.Join(d.cfg.SessionDir, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, nil, fmt.Errorf("create session artifacts dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		filepath.Join(dir, "whatsmeow.db"))
	container, err := sqlstore.New(ctx, "sqlite", dsn, d.waLog.Sub("Database"))
	if err != nil {
		return nil, false, nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, false, nil, fmt.Errorf("load device: %w", err)
	}
	return container, true, device, nil
}

func (d *DeviceStores) sharedDevice(ctx context.Context, sessionID string) (*store.Device, error) {
	if d.data == nil {
		return d.shared.NewDevice(), nil
	}
	stored, err := d.data.Get(ctx, sessionID, models.DataAuth, "device_jid")
	if errors.Is(err, services.ErrNotFound) {
		return d.shared.NewDevice(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device id: %w", err)
	}
	jid, err := types.ParseJID(stored)
	if err != nil {
		return nil, fmt.Errorf("parse device id: %w", err)
	}
	device, err := d.shared.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", jid, err)
	}
	if device == nil {
		return d.shared.NewDevice(), nil
	}
	return device, nil
}

func (d *DeviceStores) newAdapter(session models.Session) (Adapter, error) {
	ctx, cancel := context.WithCancel(context.Background())
	container, owns, device, err := d.open(ctx, session.ID)
	if err != nil {
		cancel()
		return nil, err
	}

	wa := whatsmeow.NewClient(device, d.waLog.Sub("Client"))
	wa.EnableAutoReconnect = false

	a := &client{
		sessionID:     session.ID,
		expectPaired:  session.Status == models.StatusReady,
		container:     container,
		ownsContainer: owns,
		wa:            wa,
		events:        make(chan Event, eventBuffer),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		log:           d.log.With(zap.String("session_id", session.ID)),
	}
	a.handlerID = wa.AddEventHandler(a.handle)
	return a, nil
}

// client adapts a whatsmeow client to Adapter
type client struct {
	sessionID     string
	expectPaired  bool
	container     *sqlstore.Container
	ownsContainer bool
	wa            *whatsmeow.Client
	handlerID     uint32

	events    chan Event
	done      chan struct{}
	emitMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

func (c *client) Events() <-chan Event {
	return c.events
}

// Initialize connects the client. An unpaired device starts the QR flow;
// a restored session without stored credentials fails with ErrNotPaired.
func (c *client) Initialize(ctx context.Context) error {
	if c.wa.Store.ID != nil {
		c.log.Debug("found existing device, restoring connection")
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}
	if c.expectPaired {
		return ErrNotPaired
	}

	// the QR channel lives as long as the adapter, not the init call
	qrChan, err := c.wa.GetQRChannel(c.ctx)
	if err != nil {
		return fmt.Errorf("open qr channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	go c.watchQR(qrChan)
	return ctx.Err()
}

func (c *client) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(QREvent(item.Code))
		case whatsmeow.QRChannelSuccess.Event:
			c.log.Info("device paired")
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(DisconnectedEvent("qr timeout"))
		default:
			c.log.Warn("pairing failed", zap.String("event", item.Event), zap.Error(item.Error))
			c.emit(DisconnectedEvent(item.Event))
		}
	}
}

func (c *client) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.emit(ReadyEvent(v.ID.User, v.ID.String()))
	case *events.Connected:
		if id := c.wa.Store.ID; id != nil {
			c.emit(ReadyEvent(id.User, id.String()))
		}
	case *events.Message:
		c.emit(MessageEvent(c.convertMessage(v)))
	case *events.LoggedOut:
		c.emit(DisconnectedEvent(ReasonLogout))
	case *events.StreamReplaced:
		c.emit(DisconnectedEvent("stream replaced"))
	case *events.ConnectFailure:
		c.emit(DisconnectedEvent(fmt.Sprintf("connect failure: %v", v.Reason)))
	case *events.Disconnected:
		c.emit(DisconnectedEvent("connection lost"))
	}
}

func (c *client) emit(ev Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *client) convertMessage(v *events.Message) IncomingMessage {
	msg := IncomingMessage{
		ID:        v.Info.ID,
		From:      v.Info.Sender.ToNonAD().String(),
		To:        v.Info.Chat.String(),
		Type:      v.Info.Type,
		IsGroup:   v.Info.IsGroup,
		Timestamp: v.Info.Timestamp,
	}
	if v.Info.IsGroup {
		msg.From = v.Info.Chat.String()
		msg.Author = v.Info.Sender.ToNonAD().String()
	} else if !v.Info.IsFromMe {
		if id := c.wa.Store.ID; id != nil {
			msg.To = id.ToNonAD().String()
		}
	}

	body := v.Message
	switch {
	case body.GetConversation() != "":
		msg.Body = body.GetConversation()
	case body.GetExtendedTextMessage() != nil:
		msg.Body = body.GetExtendedTextMessage().GetText()
	case body.GetImageMessage() != nil:
		msg.Body = body.GetImageMessage().GetCaption()
		msg.MediaURL = body.GetImageMessage().GetURL()
	case body.GetVideoMessage() != nil:
		msg.Body = body.GetVideoMessage().GetCaption()
		msg.MediaURL = body.GetVideoMessage().GetURL()
	case body.GetDocumentMessage() != nil:
		msg.Body = body.GetDocumentMessage().GetFileName()
		msg.MediaURL = body.GetDocumentMessage().GetURL()
	case body.GetAudioMessage() != nil:
		msg.MediaURL = body.GetAudioMessage().GetURL()
	}
	return msg
}

func (c *client) SendMessage(ctx context.Context, to, content string) (MessageHandle, error) {
	if !c.wa.IsLoggedIn() {
		return MessageHandle{}, errors.New("whatsapp is not logged in")
	}
	jid, err := parseRecipient(to)
	if err != nil {
		return MessageHandle{}, err
	}
	resp, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(content)})
	if err != nil {
		return MessageHandle{}, err
	}
	return MessageHandle{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// parseRecipient accepts a full JID or a bare phone number
func parseRecipient(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}
	digits := strings.TrimPrefix(strings.NewReplacer(" ", "", "-", "").Replace(to), "+")
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("invalid recipient %q", to)
		}
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func (c *client) Contacts(ctx context.Context) ([]Contact, error) {
	all, err := c.wa.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, err
	}
	contacts := make([]Contact, 0, len(all))
	for jid, info := range all {
		contacts = append(contacts, Contact{
			JID:          jid.String(),
			FullName:     info.FullName,
			PushName:     info.PushName,
			BusinessName: info.BusinessName,
		})
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].JID < contacts[j].JID })
	return contacts, nil
}

func (c *client) Logout(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return nil
	}
	return c.wa.Logout(ctx)
}

// Destroy disconnects the client, closes its per-session store and the event stream
func (c *client) Destroy() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.wa.RemoveEventHandler(c.handlerID)
		c.wa.Disconnect()
		if c.ownsContainer {
			err = c.container.Close()
		}

		c.closeEvents()
	})
	return err
}

func (c *client) closeEvents() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
