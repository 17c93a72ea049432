package whatsapp

import (
	"context"
	"errors"
	"sync"
	"time"

	"wa_manager/internal/config"
	"wa_manager/internal/models"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const reconnectCallTimeout = 30 * time.Second

// Reconnector restarts the adapter of a session
type Reconnector interface {
	Reconnect(ctx context.Context, id string) error
}

type retryState struct {
	attempts int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
}

// ReconnectPolicy watches status changes and reconnects sessions that dropped
// to disconnected or auth_failure, with exponential backoff and a cap on
// attempts. A logout is never retried. The manager itself never reconnects.
type ReconnectPolicy struct {
	cfg    config.ReconnectConfig
	target Reconnector
	log    *zap.Logger

	mu     sync.Mutex
	states map[string]*retryState
	closed bool
}

// NewReconnectPolicy creates a policy; it acts only when cfg.Enabled is set
func NewReconnectPolicy(cfg config.ReconnectConfig, target Reconnector, log *zap.Logger) *ReconnectPolicy {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconnectPolicy{
		cfg:    cfg,
		target: target,
		log:    log.Named("reconnect"),
		states: make(map[string]*retryState),
	}
}

// Observe is a StatusListener
func (p *ReconnectPolicy) Observe(change StatusChange) {
	id := change.Session.ID
	switch {
	case change.Deleted:
		p.forget(id)
	case change.Session.Status == models.StatusReady:
		p.forget(id)
	case change.Session.Status == models.StatusDisconnected, change.Session.Status == models.StatusAuthFailure:
		if change.Reason == ReasonLogout {
			p.log.Info("session logged out, not reconnecting", zap.String("session_id", id))
			p.forget(id)
			return
		}
		if !p.cfg.Enabled {
			return
		}
		p.schedule(id)
	}
}

// Attempts returns the number of reconnects scheduled for id since it was last ready
func (p *ReconnectPolicy) Attempts(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[id]; ok {
		return st.attempts
	}
	return 0
}

func (p *ReconnectPolicy) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.InitialBackoff > 0 {
		b.InitialInterval = p.cfg.InitialBackoff
	}
	if p.cfg.MaxBackoff > 0 {
		b.MaxInterval = p.cfg.MaxBackoff
	}
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

func (p *ReconnectPolicy) schedule(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	st, ok := p.states[id]
	if !ok {
		st = &retryState{backoff: p.newBackoff()}
		p.states[id] = st
	}
	if st.timer != nil {
		return
	}
	if p.cfg.MaxAttempts > 0 && st.attempts >= p.cfg.MaxAttempts {
		p.log.Warn("giving up reconnecting session", zap.String("session_id", id), zap.Int("attempts", st.attempts))
		return
	}
	delay := st.backoff.NextBackOff()
	if delay == backoff.Stop {
		return
	}

	st.attempts++
	p.log.Info("scheduling reconnect",
		zap.String("session_id", id),
		zap.Int("attempt", st.attempts),
		zap.Duration("delay", delay))
	st.timer = time.AfterFunc(delay, func() { p.attempt(id, st) })
}

func (p *ReconnectPolicy) attempt(id string, st *retryState) {
	p.mu.Lock()
	if p.closed || p.states[id] != st {
		p.mu.Unlock()
		return
	}
	st.timer = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reconnectCallTimeout)
	defer cancel()
	err := p.target.Reconnect(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionNotFound):
		p.forget(id)
	case errors.Is(err, ErrSessionActive):
		// reconnected by someone else
	default:
		p.log.Warn("reconnect failed", zap.String("session_id", id), zap.Error(err))
		p.schedule(id)
	}
}

func (p *ReconnectPolicy) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[id]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(p.states, id)
	}
}

// Close cancels every pending reconnect
func (p *ReconnectPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, st := range p.states {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(p.states, id)
	}
}
