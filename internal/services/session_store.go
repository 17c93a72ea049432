package services

import (
	"context"
	"errors"
	"fmt"

	"wa_manager/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// SessionStore persists session identity and status so sessions survive restarts.
// Every call runs a single statement; no connection is held between calls.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Upsert inserts the session or updates every mutable column of an existing row
func (s *SessionStore) Upsert(ctx context.Context, session models.Session) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "phone_number", "status", "qr_code", "is_active", "updated_at"}),
		}).
		Create(&session).Error
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	return nil
}

// Update writes the mutable columns of an existing row. A missing row is
// ErrNotFound and is never recreated.
func (s *SessionStore) Update(ctx context.Context, session models.Session) error {
	res := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", session.ID).
		Select("name", "phone_number", "status", "qr_code", "is_active", "updated_at").
		Updates(&session)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", session.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// mysql reports unchanged rows as unaffected
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", session.ID).Count(&n).Error; err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the session with id or ErrNotFound
func (s *SessionStore) Get(ctx context.Context, id string) (models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

// List returns every persisted session, oldest first
func (s *SessionStore) List(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ListActive returns sessions flagged for restoration on restart
func (s *SessionStore) ListActive(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// CountByStatus returns the number of persisted sessions per status
func (s *SessionStore) CountByStatus(ctx context.Context) (map[models.SessionStatus]int64, error) {
	var rows []struct {
		Status models.SessionStatus
		Total  int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	counts := make(map[models.SessionStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// Delete removes the session row. Deleting a missing row is not an error.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
