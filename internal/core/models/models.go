// Package models provides the structs exposed by the core package,
// but put in an independent package to break the dependency cycle
// between `core` and its stores
package models

import (
	"errors"
	"fmt"

	"github.com/jdholdren/levelup/internal/leveling"
)

// ErrNotFound is returned by stores when a record doesn't exist yet
var ErrNotFound = errors.New("not found")

// A Kind is the activity an xp counter tracks
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindTotal Kind = "total"
)

// ParseKind validates a kind coming from user input
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindText, KindVoice, KindTotal:
		return k, nil
	}

	return "", fmt.Errorf("unknown xp kind '%s'", s)
}

// A UserXP holds the experience counters for one user
type UserXP struct {
	UserID     string `db:"user_id" json:"-"`
	TextXP     int    `db:"text_xp" json:"text_xp"`
	TextLevel  int    `db:"text_level" json:"text_level"`
	VoiceXP    int    `db:"voice_xp" json:"voice_xp"`
	VoiceLevel int    `db:"voice_level" json:"voice_level"`
	TotalXP    int    `db:"total_xp" json:"total_xp"`
	TotalLevel int    `db:"total_level" json:"total_level"`
	Prestige   int    `db:"prestige" json:"prestige"`

	ProfileText string `db:"profile_text" json:"profile_text"`
	// Unix seconds, zero if the profile text was never set
	ProfileTextUpdated int64 `db:"profile_text_updated" json:"profile_text_updated"`
	LastUpdated        int64 `db:"last_updated" json:"last_updated"`
}

// NewUserXP is the record for a user we haven't seen any activity from
func NewUserXP(userID string) UserXP {
	return UserXP{
		UserID:     userID,
		TextLevel:  1,
		VoiceLevel: 1,
		TotalLevel: 1,
	}
}

// XP returns the counter for the kind
func (u UserXP) XP(k Kind) int {
	switch k {
	case KindText:
		return u.TextXP
	case KindVoice:
		return u.VoiceXP
	default:
		return u.TotalXP
	}
}

// Level returns the level for the kind
func (u UserXP) Level(k Kind) int {
	switch k {
	case KindText:
		return u.TextLevel
	case KindVoice:
		return u.VoiceLevel
	default:
		return u.TotalLevel
	}
}

// Recompute derives every level and the total from the two kind counters.
func (u *UserXP) Recompute() {
	u.TextLevel = leveling.Level(u.TextXP)
	u.VoiceLevel = leveling.Level(u.VoiceXP)
	u.TotalXP = u.TextXP + u.VoiceXP
	u.TotalLevel = leveling.Level(u.TotalXP)
}

// GuildSettings are the per server channels the bot posts to. Empty means unset.
type GuildSettings struct {
	GuildID             string `db:"guild_id" json:"-"`
	NotificationChannel string `db:"notification_channel" json:"notification_channel"`
	LogChannel          string `db:"log_channel" json:"log_channel"`
	LastUpdated         int64  `db:"last_updated" json:"last_updated"`
}
