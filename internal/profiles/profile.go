package profiles

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
)

// Profile is the locally cached snapshot of a Farcaster identity.
// FID never changes; every other column is overwritten on upsert.
type Profile struct {
	FID         int64     `gorm:"column:fid;primaryKey;autoIncrement:false"`
	Username    string    `gorm:"column:username;size:190;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:1024"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing cached profiles.
func (Profile) TableName() string {
	return "profiles"
}

// FromUser converts an upstream user into a cacheable profile.
func FromUser(user neynar.User) Profile {
	return Profile{
		FID:         user.FID,
		Username:    normalizeUsername(user.Username),
		DisplayName: strings.TrimSpace(user.DisplayName),
		AvatarURL:   strings.TrimSpace(user.PfpURL),
	}
}

// User converts the cached profile back into the upstream shape used by renderers.
func (p Profile) User() neynar.User {
	return neynar.User{
		FID:         p.FID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		PfpURL:      p.AvatarURL,
	}
}

func normalizeUsername(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
