package users

import (
	"strings"
	"time"
)

// Profile stores account data for externally-verified identities. Profiles are
// durable and survive room resets; only display names are room-scoped.
type Profile struct {
	ID          string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username    string    `gorm:"column:username;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	LastLogin   time.Time `gorm:"column:last_login"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
