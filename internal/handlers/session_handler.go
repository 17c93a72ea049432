package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"wa_manager/internal/models"
	"wa_manager/internal/services"
	"wa_manager/internal/whatsapp"

	"github.com/gorilla/mux"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
	analyticsWindow     = 24 * time.Hour
)

// SessionService is the operator surface of the session manager
type SessionService interface {
	CreateSession(ctx context.Context, name string) (string, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	Reconnect(ctx context.Context, id string) error
	Logout(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id, to, body string) (whatsapp.MessageHandle, error)
	Contacts(ctx context.Context, id string) ([]whatsapp.Contact, error)
	GetSessionData(ctx context.Context, id string, dataType models.DataType, key string) (string, error)
}

// MessageReader lists stored message history
type MessageReader interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// AnalyticsReader computes messaging analytics
type AnalyticsReader interface {
	SessionAnalytics(ctx context.Context, sessionID string) (services.SessionAnalytics, error)
	Overview(ctx context.Context, window time.Duration) (services.Overview, error)
}

type SessionHandler struct {
	sessions  SessionService
	messages  MessageReader
	analytics AnalyticsReader
	log       *zap.Logger
}

func NewSessionHandler(sessions SessionService, messages MessageReader, analytics AnalyticsReader, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{
		sessions:  sessions,
		messages:  messages,
		analytics: analytics,
		log:       log.Named("http"),
	}
}

type createSessionRequest struct {
	Name string `json:"name"`
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// CreateSession starts a new session; pairing progress is pushed over the sessions channel
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.sessions.CreateSession(r.Context(), req.Name)
	if err != nil {
		h.log.Warn("create session failed", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"message":    "Session created",
		"session_id": id,
	})
}

func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListSessions(r.Context())
	if err != nil {
		h.log.Error("list sessions failed", zap.Error(err))
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"session": session})
}

// DeleteSession is idempotent: deleting an unknown session succeeds
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.sessions.DeleteSession(r.Context(), id); err != nil {
		h.log.Error("delete session failed", zap.String("session_id", id), zap.Error(err))
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"message": "Session deleted"})
}

func (h *SessionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.sessions.Reconnect(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, map[string]interface{}{"message": "Reconnect started"})
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.sessions.Logout(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"message": "Logged out"})
}

// QRCode renders the pending pairing code as a PNG data URL
func (h *SessionHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if session.Status != models.StatusQRCode || session.QR() == "" {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "No QR code pending",
			"status":  session.Status,
		})
		return
	}

	png, err := qrcode.Encode(session.QR(), qrcode.Medium, 256)
	if err != nil {
		h.log.Error("failed to render QR code", zap.String("session_id", session.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to render QR code")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"qr":     "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		"status": session.Status,
	})
}

func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	handle, err := h.sessions.SendMessage(r.Context(), mux.Vars(r)["id"], req.To, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message_id": handle.ID,
		"timestamp":  handle.Timestamp,
	})
}

func (h *SessionHandler) Contacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.sessions.Contacts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
		"count":    len(contacts),
	})
}

// Messages returns stored history, newest first, with the session's analytics
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.sessions.GetSession(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxMessageLimit)
	}

	messages, err := h.messages.ListBySession(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload := map[string]interface{}{"messages": messages}
	if h.analytics != nil {
		if stats, err := h.analytics.SessionAnalytics(r.Context(), id); err == nil {
			payload["analytics"] = stats
		}
	}
	writeSuccess(w, http.StatusOK, payload)
}

func (h *SessionHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	overview, err := h.analytics.Overview(r.Context(), analyticsWindow)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"analytics": overview})
}

func (h *SessionHandler) SessionData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, err := h.sessions.GetSessionData(r.Context(), vars["id"], models.DataType(vars["type"]), vars["key"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"data_type": vars["type"],
		"data_key":  vars["key"],
		"value":     value,
	})
}
