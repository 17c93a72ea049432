package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wa_manager/internal/models"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionDataStore keeps per-session authentication artifacts keyed by
// (session, data type, key). Reads go through a short-lived in-process cache.
type SessionDataStore struct {
	db     *gorm.DB
	cipher *Cipher
	cache  *cache.Cache
}

// NewSessionDataStore creates a session data store. cipher may be nil, in which
// case encrypted writes are rejected.
func NewSessionDataStore(db *gorm.DB, cipher *Cipher) *SessionDataStore {
	return &SessionDataStore{
		db:     db,
		cipher: cipher,
		cache:  cache.New(10*time.Minute, 15*time.Minute),
	}
}

// CanEncrypt reports whether encrypted writes are available
func (s *SessionDataStore) CanEncrypt() bool {
	return s.cipher != nil
}

func cacheKey(sessionID string, dataType models.DataType, dataKey string) string {
	return sessionID + "|" + string(dataType) + "|" + dataKey
}

// Upsert writes value under (sessionID, dataType, dataKey); the last write wins
func (s *SessionDataStore) Upsert(ctx context.Context, sessionID string, dataType models.DataType, dataKey, value string, encrypted bool) error {
	if !dataType.Valid() {
		return fmt.Errorf("invalid data type %q", dataType)
	}

	stored := value
	if encrypted {
		if s.cipher == nil {
			return ErrEncryptionDisabled
		}
		sealed, err := s.cipher.Seal(value)
		if err != nil {
			return fmt.Errorf("encrypt session data: %w", err)
		}
		stored = sealed
	}

	record := models.SessionData{
		SessionID: sessionID,
		DataType:  dataType,
		DataKey:   dataKey,
		DataValue: stored,
		Encrypted: encrypted,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "data_type"}, {Name: "data_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data_value", "encrypted", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("upsert session data %s/%s/%s: %w", sessionID, dataType, dataKey, err)
	}

	s.cache.Set(cacheKey(sessionID, dataType, dataKey), value, cache.DefaultExpiration)
	return nil
}

// Get returns the plaintext value or ErrNotFound
func (s *SessionDataStore) Get(ctx context.Context, sessionID string, dataType models.DataType, dataKey string) (string, error) {
	key := cacheKey(sessionID, dataType, dataKey)
	if cached, found := s.cache.Get(key); found {
		return cached.(string), nil
	}

	var record models.SessionData
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND data_type = ? AND data_key = ?", sessionID, dataType, dataKey).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session data %s/%s/%s: %w", sessionID, dataType, dataKey, err)
	}

	value := record.DataValue
	if record.Encrypted {
		if s.cipher == nil {
			return "", ErrEncryptionDisabled
		}
		value, err = s.cipher.Open(record.DataValue)
		if err != nil {
			return "", err
		}
	}

	s.cache.Set(key, value, cache.DefaultExpiration)
	return value, nil
}

// DeleteAll removes every record owned by sessionID
func (s *SessionDataStore) DeleteAll(ctx context.Context, sessionID string) error {
	prefix := sessionID + "|"
	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}

	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.SessionData{}).Error; err != nil {
		return fmt.Errorf("delete session data for %s: %w", sessionID, err)
	}
	return nil
}

// Count returns the number of records owned by sessionID
func (s *SessionDataStore) Count(ctx context.Context, sessionID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&models.SessionData{}).Where("session_id = ?", sessionID).Count(&total).Error
	return total, err
}
