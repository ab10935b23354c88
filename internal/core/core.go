// Package core is the xp ledger: it reads counters from a store, applies
// deltas, derives levels and writes the records back.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jdholdren/levelup/internal/core/models"
	"github.com/jdholdren/levelup/internal/leveling"
)

var (
	ErrPrestigeLocked     = errors.New("prestige requires max total level")
	ErrMaxPrestige        = errors.New("already at max prestige")
	ErrProfileTextTooLong = fmt.Errorf("profile text is longer than %d characters", leveling.ProfileTextMaxLen)
	ErrInvalidKind        = errors.New("xp can only be applied to text or voice")
)

// ProfileCooldownError is returned when the profile text was changed too recently
type ProfileCooldownError struct {
	Remaining time.Duration
}

func (e *ProfileCooldownError) Error() string {
	return fmt.Sprintf("profile text can be changed again in %s", e.Remaining.Round(time.Minute))
}

// Store is implemented by the sql repository and the json file store
type Store interface {
	GetUser(ctx context.Context, userID string) (models.UserXP, error)
	SaveUser(ctx context.Context, u models.UserXP) error
	TopUsers(ctx context.Context, kind models.Kind, limit int) ([]models.UserXP, error)
	GetGuildSettings(ctx context.Context, guildID string) (models.GuildSettings, error)
	SaveGuildSettings(ctx context.Context, gs models.GuildSettings) error
}

type Core struct {
	db Store

	// Serialises read-modify-write of user records. Handlers run on
	// their own goroutines, so a message and a voice tick can race.
	mu  *sync.Mutex
	now func() time.Time
}

func New(db Store) Core {
	return Core{
		db:  db,
		mu:  &sync.Mutex{},
		now: time.Now,
	}
}

// WithClock returns a copy of the core that reads time from now
func (c Core) WithClock(now func() time.Time) Core {
	c.now = now
	return c
}

// Gets the stored record or a fresh one. Must be called with mu held when the
// result is going to be written back.
func (c Core) load(ctx context.Context, userID string) (models.UserXP, error) {
	u, err := c.db.GetUser(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return models.NewUserXP(userID), nil
	}
	if err != nil {
		return models.UserXP{}, fmt.Errorf("error getting user: %w", err)
	}

	return u, nil
}

// Derives the levels and stamps the record before writing it
func (c Core) save(ctx context.Context, u *models.UserXP) error {
	u.Recompute()
	u.LastUpdated = c.now().Unix()
	if err := c.db.SaveUser(ctx, *u); err != nil {
		return fmt.Errorf("error saving user: %w", err)
	}

	return nil
}

// ApplyDelta adds amount (which may be negative) to the kind's counter, never
// going below zero. It returns the updated record and the level the kind was
// at before, so the caller can tell if the user levelled up.
func (c Core) ApplyDelta(ctx context.Context, userID string, amount int, kind models.Kind) (models.UserXP, int, error) {
	if kind != models.KindText && kind != models.KindVoice {
		return models.UserXP{}, 0, ErrInvalidKind
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := c.load(ctx, userID)
	if err != nil {
		return models.UserXP{}, 0, err
	}

	oldLevel := u.Level(kind)
	switch kind {
	case models.KindText:
		u.TextXP = max(0, u.TextXP+amount)
	case models.KindVoice:
		u.VoiceXP = max(0, u.VoiceXP+amount)
	}

	if err := c.save(ctx, &u); err != nil {
		return models.UserXP{}, 0, err
	}

	return u, oldLevel, nil
}

// GetUser returns the user's record, or the zero record if they have none yet.
// Nothing is written.
func (c Core) GetUser(ctx context.Context, userID string) (models.UserXP, error) {
	return c.load(ctx, userID)
}

func (c Core) Leaderboard(ctx context.Context, kind models.Kind, limit int) ([]models.UserXP, error) {
	us, err := c.db.TopUsers(ctx, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("error getting top users: %w", err)
	}

	return us, nil
}

// Reset zeroes every counter. Prestige and the profile are kept.
func (c Core) Reset(ctx context.Context, userID string) (models.UserXP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := c.load(ctx, userID)
	if err != nil {
		return models.UserXP{}, err
	}

	u.TextXP, u.VoiceXP = 0, 0
	if err := c.save(ctx, &u); err != nil {
		return models.UserXP{}, err
	}

	return u, nil
}

// Prestige trades a max level for an empty ledger and one more prestige rank.
func (c Core) Prestige(ctx context.Context, userID string) (models.UserXP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := c.load(ctx, userID)
	if err != nil {
		return models.UserXP{}, err
	}

	if u.Prestige >= leveling.MaxPrestige {
		return u, ErrMaxPrestige
	}
	if u.TotalLevel < leveling.MaxLevel {
		return u, ErrPrestigeLocked
	}

	u.Prestige++
	u.TextXP, u.VoiceXP = 0, 0
	if err := c.save(ctx, &u); err != nil {
		return models.UserXP{}, err
	}

	return u, nil
}

// SetProfileText changes the free form text on the user's level card. It can
// only be changed once every leveling.ProfileTextCooldown.
func (c Core) SetProfileText(ctx context.Context, userID, text string) (models.UserXP, error) {
	if utf8.RuneCountInString(text) > leveling.ProfileTextMaxLen {
		return models.UserXP{}, ErrProfileTextTooLong
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := c.load(ctx, userID)
	if err != nil {
		return models.UserXP{}, err
	}

	now := c.now()
	if u.ProfileTextUpdated != 0 {
		next := time.Unix(u.ProfileTextUpdated, 0).Add(leveling.ProfileTextCooldown)
		if now.Before(next) {
			return u, &ProfileCooldownError{Remaining: next.Sub(now)}
		}
	}

	u.ProfileText = text
	u.ProfileTextUpdated = now.Unix()
	if err := c.save(ctx, &u); err != nil {
		return models.UserXP{}, err
	}

	return u, nil
}

// GuildSettings returns the settings for the guild, empty if none were set
func (c Core) GuildSettings(ctx context.Context, guildID string) (models.GuildSettings, error) {
	gs, err := c.db.GetGuildSettings(ctx, guildID)
	if errors.Is(err, models.ErrNotFound) {
		return models.GuildSettings{GuildID: guildID}, nil
	}
	if err != nil {
		return models.GuildSettings{}, fmt.Errorf("error getting guild settings: %w", err)
	}

	return gs, nil
}

func (c Core) SetNotificationChannel(ctx context.Context, guildID, channelID string) (models.GuildSettings, error) {
	return c.updateSettings(ctx, guildID, func(gs *models.GuildSettings) {
		gs.NotificationChannel = channelID
	})
}

func (c Core) SetLogChannel(ctx context.Context, guildID, channelID string) (models.GuildSettings, error) {
	return c.updateSettings(ctx, guildID, func(gs *models.GuildSettings) {
		gs.LogChannel = channelID
	})
}

func (c Core) updateSettings(ctx context.Context, guildID string, update func(*models.GuildSettings)) (models.GuildSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gs, err := c.GuildSettings(ctx, guildID)
	if err != nil {
		return models.GuildSettings{}, err
	}

	update(&gs)
	gs.LastUpdated = c.now().Unix()
	if err := c.db.SaveGuildSettings(ctx, gs); err != nil {
		return models.GuildSettings{}, fmt.Errorf("error saving guild settings: %w", err)
	}

	return gs, nil
}
