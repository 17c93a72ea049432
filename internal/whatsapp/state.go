package whatsapp

import (
	"strings"

	"wa_manager/internal/models"
)

// Transition applies ev to session and reports whether the session changed.
// Message events never change the record. Disconnected and auth_failure are
// terminal for adapter events; leaving them takes an explicit reconnect.
// A ready event must identify the account, by phone or by device JID.
func Transition(session models.Session, ev Event) (models.Session, bool) {
	from := session.Status
	if !from.HasAdapter() {
		return session, false
	}

	next := session
	switch ev.Kind {
	case EventQR:
		if from == models.StatusReady {
			return session, false
		}
		next.Status = models.StatusQRCode
		next.QRCode = models.StringPtr(ev.QR)
		next.PhoneNumber = nil
	case EventReady:
		phone := ev.Phone
		if phone == "" {
			phone = phoneFromJID(ev.DeviceJID)
		}
		switch {
		case phone != "":
			next.PhoneNumber = models.StringPtr(phone)
		case from != models.StatusReady || next.PhoneNumber == nil:
			return session, false
		}
		next.Status = models.StatusReady
		next.QRCode = nil
	case EventDisconnected:
		next.Status = models.StatusDisconnected
		next.QRCode = nil
		next.PhoneNumber = nil
	case EventInitFailure:
		next.Status = models.StatusAuthFailure
		next.QRCode = nil
		next.PhoneNumber = nil
	default:
		return session, false
	}

	changed := next.Status != from ||
		next.QR() != session.QR() ||
		next.Phone() != session.Phone() ||
		(next.PhoneNumber == nil) != (session.PhoneNumber == nil)
	return next, changed
}

// phoneFromJID returns the user part of a device JID such as
// "15551234567:3@s.whatsapp.net", or "" when there is none.
func phoneFromJID(jid string) string {
	user, _, found := strings.Cut(jid, "@")
	if !found {
		return ""
	}
	user, _, _ = strings.Cut(user, ":")
	user, _, _ = strings.Cut(user, ".")
	return user
}
