package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a managed WhatsApp session
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusQRCode       SessionStatus = "qr_code"
	StatusReady        SessionStatus = "ready"
	StatusDisconnected SessionStatus = "disconnected"
	StatusAuthFailure  SessionStatus = "auth_failure"
)

// HasAdapter reports whether a session in this state owns a live automation adapter
func (s SessionStatus) HasAdapter() bool {
	switch s {
	case StatusInitializing, StatusQRCode, StatusReady:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusInitializing, StatusQRCode, StatusReady, StatusDisconnected, StatusAuthFailure:
		return true
	}
	return false
}

// Session represents one managed WhatsApp account
type Session struct {
	ID          string        `json:"id" gorm:"primaryKey;size:36"`
	Name        string        `json:"name" gorm:"size:100;not null"`
	PhoneNumber *string       `json:"phone_number" gorm:"size:32"`
	Status      SessionStatus `json:"status" gorm:"type:varchar(20);default:'initializing';index"`
	QRCode      *string       `json:"qr_code" gorm:"type:text"`
	IsActive    bool          `json:"is_active" gorm:"not null;default:false;index"`
	CreatedAt   time.Time     `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time     `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Session
func (Session) TableName() string {
	return "sessions"
}

// Phone returns the phone number or an empty string
func (s Session) Phone() string {
	if s.PhoneNumber == nil {
		return ""
	}
	return *s.PhoneNumber
}

// QR returns the pending QR payload or an empty string
func (s Session) QR() string {
	if s.QRCode == nil {
		return ""
	}
	return *s.QRCode
}

// StringPtr returns a pointer to a copy of v
func StringPtr(v string) *string {
	return &v
}
