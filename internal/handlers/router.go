package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RouterConfig wires the handlers into one router. WS and Metrics are optional.
type RouterConfig struct {
	Sessions       *SessionHandler
	Health         *HealthHandler
	WS             http.Handler
	Metrics        http.Handler
	AllowedOrigins string
	Log            *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := mux.NewRouter()

	// static routes before parameterized ones
	r.HandleFunc("/api/sessions", cfg.Sessions.CreateSession).Methods("POST")
	r.HandleFunc("/api/sessions", cfg.Sessions.ListSessions).Methods("GET")
	r.HandleFunc("/api/analytics", cfg.Sessions.Analytics).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", cfg.Sessions.GetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", cfg.Sessions.DeleteSession).Methods("DELETE")
	r.HandleFunc("/api/sessions/{id}/reconnect", cfg.Sessions.Reconnect).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/logout", cfg.Sessions.Logout).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/qr", cfg.Sessions.QRCode).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/messages", cfg.Sessions.SendMessage).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/messages", cfg.Sessions.Messages).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/contacts", cfg.Sessions.Contacts).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/data/{type}/{key}", cfg.Sessions.SessionData).Methods("GET")

	if cfg.Health != nil {
		r.HandleFunc("/api/health", cfg.Health.Health).Methods("GET")
		r.HandleFunc("/api/health/alerts", cfg.Health.Alerts).Methods("GET")
	}
	if cfg.WS != nil {
		r.Handle("/ws", cfg.WS).Methods("GET")
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods("GET")
	}

	return corsMiddleware(cfg.AllowedOrigins, requestLogger(log, r))
}

// corsMiddleware answers preflight requests and sets CORS headers.
// allowed is "*" or a comma separated list of origins.
func corsMiddleware(allowed string, next http.Handler) http.Handler {
	origins := make(map[string]bool)
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origins["*"] || len(origins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origins[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func requestLogger(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket upgrades need the raw writer
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
