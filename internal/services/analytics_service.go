package services

import (
	"context"
	"time"
)

// SessionAnalytics is the per-session payload of the analytics channel
type SessionAnalytics struct {
	SessionID   string    `json:"session_id"`
	Sent        int64     `json:"sent"`
	Received    int64     `json:"received"`
	Failed      int64     `json:"failed"`
	SuccessRate float64   `json:"success_rate"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Overview aggregates messaging activity across all sessions
type Overview struct {
	Window      time.Duration `json:"window"`
	Sent        int64         `json:"sent"`
	Received    int64         `json:"received"`
	Failed      int64         `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// AnalyticsService computes messaging analytics from the message store
type AnalyticsService struct {
	messages *MessageStore
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(messages *MessageStore) *AnalyticsService {
	return &AnalyticsService{messages: messages}
}

// SessionAnalytics returns lifetime counters for one session
func (as *AnalyticsService) SessionAnalytics(ctx context.Context, sessionID string) (SessionAnalytics, error) {
	counts, err := as.messages.CountBySession(ctx, sessionID)
	if err != nil {
		return SessionAnalytics{}, err
	}
	return SessionAnalytics{
		SessionID:   sessionID,
		Sent:        counts.Sent,
		Received:    counts.Received,
		Failed:      counts.Failed,
		SuccessRate: counts.SuccessRate(),
		GeneratedAt: time.Now(),
	}, nil
}

// Overview returns counters for every session over the trailing window
func (as *AnalyticsService) Overview(ctx context.Context, window time.Duration) (Overview, error) {
	now := time.Now()
	counts, err := as.messages.CountSince(ctx, now.Add(-window))
	if err != nil {
		return Overview{}, err
	}
	return Overview{
		Window:      window,
		Sent:        counts.Sent,
		Received:    counts.Received,
		Failed:      counts.Failed,
		SuccessRate: counts.SuccessRate(),
		GeneratedAt: now,
	}, nil
}
