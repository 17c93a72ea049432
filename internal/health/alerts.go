package health

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert is one threshold breach or sampler failure
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Subsystem Subsystem `json:"subsystem"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertLog keeps the most recent alerts in a fixed-capacity ring.
// Once full, each new alert overwrites the oldest one.
type AlertLog struct {
	mu    sync.RWMutex
	ring  []Alert
	next  int
	count int
}

// NewAlertLog creates a log holding at most capacity alerts
func NewAlertLog(capacity int) *AlertLog {
	if capacity < 1 {
		capacity = 1
	}
	return &AlertLog{ring: make([]Alert, capacity)}
}

// Add records an alert, filling in the id and timestamp when missing
func (l *AlertLog) Add(a Alert) Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = a
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	return a
}

// List returns up to limit alerts, newest first. limit <= 0 returns all.
func (l *AlertLog) List(limit int) []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Len returns the number of retained alerts
func (l *AlertLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Capacity returns the maximum number of retained alerts
func (l *AlertLog) Capacity() int {
	return len(l.ring)
}

// RaisedSince reports whether any retained alert is newer than t
func (l *AlertLog) RaisedSince(t time.Time) bool {
	for _, a := range l.List(0) {
		if a.Timestamp.After(t) {
			return true
		}
	}
	return false
}
