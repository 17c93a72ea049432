package whatsapp

import (
	"context"
	"errors"
	"time"

	"wa_manager/internal/models"
)

// EventKind identifies an adapter lifecycle event
type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventMessage      EventKind = "message"
	EventDisconnected EventKind = "disconnected"
	// EventInitFailure is produced by the manager when Initialize returns an error
	EventInitFailure EventKind = "init_failure"
)

// ReasonLogout is the disconnect reason reported when the linked device was logged out
const ReasonLogout = "LOGOUT"

// ErrNotPaired is returned by Initialize when a restored session has no stored credentials
var ErrNotPaired = errors.New("device is not paired")

// Event is a single item of an adapter's event stream
type Event struct {
	Kind      EventKind
	QR        string
	Phone     string
	DeviceJID string
	Message   *IncomingMessage
	Reason    string
	Err       error
}

func QREvent(payload string) Event {
	return Event{Kind: EventQR, QR: payload}
}

func ReadyEvent(phone, deviceJID string) Event {
	return Event{Kind: EventReady, Phone: phone, DeviceJID: deviceJID}
}

func MessageEvent(msg IncomingMessage) Event {
	return Event{Kind: EventMessage, Message: &msg}
}

func DisconnectedEvent(reason string) Event {
	return Event{Kind: EventDisconnected, Reason: reason}
}

func InitFailureEvent(err error) Event {
	return Event{Kind: EventInitFailure, Err: err}
}

// IncomingMessage is the payload of a message event
type IncomingMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	IsGroup   bool      `json:"is_group"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	MediaURL  string    `json:"media_url,omitempty"`
}

// Contact is an address book entry of a ready session
type Contact struct {
	JID          string `json:"jid"`
	FullName     string `json:"full_name,omitempty"`
	PushName     string `json:"push_name,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
}

// MessageHandle identifies a message accepted by the adapter
type MessageHandle struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Adapter is a live handle to the WhatsApp automation capability of one session.
//
// Initialize starts the connection and returns once the connection attempt is
// established; pairing and authentication progress is reported on Events.
// Destroy releases every resource held by the adapter and closes Events.
type Adapter interface {
	Initialize(ctx context.Context) error
	Events() <-chan Event
	SendMessage(ctx context.Context, to, content string) (MessageHandle, error)
	Contacts(ctx context.Context) ([]Contact, error)
	Logout(ctx context.Context) error
	Destroy() error
}

// AdapterFactory builds the adapter of a session. Construction may fail.
type AdapterFactory func(session models.Session) (Adapter, error)
