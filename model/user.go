package model

import "time"

// User represents a registered chat user.
type User struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username      string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash  string     `gorm:"size:64;not null" json:"-"`
	DisplayName   string     `gorm:"size:64" json:"display_name"`
	Handle        string     `gorm:"uniqueIndex;size:32;not null" json:"handle"`
	AvatarURL     string     `gorm:"size:256" json:"avatar_url"`
	StatusMessage string     `gorm:"size:128" json:"status_message"`
	Status        int        `gorm:"default:1" json:"status"` // 0=banned 1=normal
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at"`
	LastLoginIP   string     `gorm:"size:45" json:"last_login_ip"`
}
