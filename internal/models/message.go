package models

import "time"

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	MessageReceived = "received"
	MessageSent     = "sent"
	MessageFailed   = "failed"
)

// Message is a WhatsApp message seen or sent by a session while ready
type Message struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID         string    `json:"session_id" gorm:"size:36;not null;index"`
	ExternalMessageID string    `json:"external_message_id" gorm:"size:128;index"`
	From              string    `json:"from" gorm:"column:from_jid;size:128"`
	To                string    `json:"to" gorm:"column:to_jid;size:128"`
	Body              string    `json:"body" gorm:"type:text"`
	Type              string    `json:"type" gorm:"size:32"`
	IsGroupMessage    bool      `json:"is_group_message" gorm:"default:false"`
	Author            string    `json:"author" gorm:"size:128"`
	Timestamp         time.Time `json:"timestamp" gorm:"index"`
	MediaURL          string    `json:"media_url" gorm:"type:text"`
	Direction         string    `json:"direction" gorm:"type:varchar(10);default:'incoming'"`
	Status            string    `json:"status" gorm:"type:varchar(10);default:'received';index"`
	Error             string    `json:"error,omitempty" gorm:"size:500"`
	CreatedAt         time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for Message
func (Message) TableName() string {
	return "messages"
}
