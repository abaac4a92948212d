package model

import "time"

// Message is one append-only chat entry. Rows are never updated or
// deleted by the server; history is read in created_at ascending order.
type Message struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreadID  int64     `gorm:"index:idx_message_thread;not null" json:"thread_id"`
	SenderID  int64     `gorm:"not null" json:"sender_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
