package services

import (
	"context"
	"fmt"
	"time"

	"wa_manager/internal/models"

	"gorm.io/gorm"
)

// MessageCounts aggregates message rows by delivery status
type MessageCounts struct {
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Received int64 `json:"received"`
}

// SuccessRate is the percentage of outgoing messages that were sent; 100 when nothing was attempted
func (c MessageCounts) SuccessRate() float64 {
	attempted := c.Sent + c.Failed
	if attempted == 0 {
		return 100
	}
	return float64(c.Sent) / float64(attempted) * 100
}

// MessageStore persists messages seen or sent by ready sessions
type MessageStore struct {
	db *gorm.DB
}

// NewMessageStore creates a new message store
func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Save appends a message
func (s *MessageStore) Save(ctx context.Context, msg *models.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("save message for session %s: %w", msg.SessionID, err)
	}
	return nil
}

// ListBySession returns the newest messages of a session
func (s *MessageStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var messages []models.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
	}
	return messages, nil
}

// CountBySession aggregates all messages of one session
func (s *MessageStore) CountBySession(ctx context.Context, sessionID string) (MessageCounts, error) {
	return s.count(s.db.WithContext(ctx).Where("session_id = ?", sessionID))
}

// CountSince aggregates messages of every session created at or after since
func (s *MessageStore) CountSince(ctx context.Context, since time.Time) (MessageCounts, error) {
	return s.count(s.db.WithContext(ctx).Where("created_at >= ?", since))
}

func (s *MessageStore) count(scope *gorm.DB) (MessageCounts, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := scope.Model(&models.Message{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return MessageCounts{}, fmt.Errorf("count messages: %w", err)
	}

	var counts MessageCounts
	for _, row := range rows {
		switch row.Status {
		case models.MessageSent:
			counts.Sent = row.Total
		case models.MessageFailed:
			counts.Failed = row.Total
		case models.MessageReceived:
			counts.Received = row.Total
		}
	}
	return counts, nil
}

// DeleteBySession removes the message history of a session
func (s *MessageStore) DeleteBySession(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.Message{}).Error; err != nil {
		return fmt.Errorf("delete messages for session %s: %w", sessionID, err)
	}
	return nil
}
