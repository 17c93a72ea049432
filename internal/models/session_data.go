package models

import "time"

// DataType is the category of a persisted session artifact
type DataType string

const (
	DataAuth           DataType = "auth"
	DataCookies        DataType = "cookies"
	DataLocalStorage   DataType = "local_storage"
	DataSessionStorage DataType = "session_storage"
	DataCache          DataType = "cache"
)

// Valid reports whether t is a known data type
func (t DataType) Valid() bool {
	switch t {
	case DataAuth, DataCookies, DataLocalStorage, DataSessionStorage, DataCache:
		return true
	}
	return false
}

// SessionData is one authentication artifact owned by a session.
// (session_id, data_type, data_key) is unique; writes are upserts.
type SessionData struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID string    `json:"session_id" gorm:"size:36;not null;uniqueIndex:idx_session_data_key,priority:1"`
	DataType  DataType  `json:"data_type" gorm:"type:varchar(20);not null;uniqueIndex:idx_session_data_key,priority:2"`
	DataKey   string    `json:"data_key" gorm:"size:191;not null;uniqueIndex:idx_session_data_key,priority:3"`
	DataValue string    `json:"data_value" gorm:"type:text"`
	Encrypted bool      `json:"encrypted" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for SessionData
func (SessionData) TableName() string {
	return "session_data"
}
