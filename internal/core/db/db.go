package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/levelup/internal/core/models"
)

// A DB struct holds the connection to sqlite or postgres and provides methods for interacting with
// persistent storage
type DB struct {
	db *sqlx.DB
}

// New creates an instance of our repository using the provided connection
func New(db *sqlx.DB) DB {
	return DB{
		db: db,
	}
}

// Migrate runs every .sql file in the fs root, in name order (fs.ReadDir sorts).
// The files are expected to be idempotent since they run on every startup.
func Migrate(ctx context.Context, db *sqlx.DB, migrations fs.FS) error {
	ups, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return fmt.Errorf("error reading migration dir: %w", err)
	}

	for _, up := range ups {
		if up.IsDir() {
			continue
		}

		if !strings.HasSuffix(up.Name(), "sql") {
			continue
		}

		upBytes, err := fs.ReadFile(migrations, up.Name())
		if err != nil {
			return fmt.Errorf("error reading up file: %w", err)
		}

		if _, err := db.ExecContext(ctx, string(upBytes)); err != nil {
			return fmt.Errorf("error executing up query for file %s: %w", up.Name(), err)
		}
	}

	return nil
}

const userColumns = `user_id, text_xp, text_level, voice_xp, voice_level, total_xp, total_level,
	prestige, profile_text, profile_text_updated, last_updated`

func (db DB) GetUser(ctx context.Context, userID string) (models.UserXP, error) {
	q := db.db.Rebind(`
	SELECT ` + userColumns + ` FROM users WHERE user_id = ? LIMIT 1;
	`)

	u := models.UserXP{}
	if err := db.db.GetContext(ctx, &u, q, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UserXP{}, models.ErrNotFound
		}
		return models.UserXP{}, fmt.Errorf("error retrieving user: %w", err)
	}

	return u, nil
}

// SaveUser writes the whole record, inserting it if it's the first time
func (db DB) SaveUser(ctx context.Context, u models.UserXP) error {
	q := `
	INSERT INTO users(` + userColumns + `)
	VALUES (:user_id, :text_xp, :text_level, :voice_xp, :voice_level, :total_xp, :total_level,
		:prestige, :profile_text, :profile_text_updated, :last_updated)
	ON CONFLICT(user_id) DO UPDATE SET
		text_xp=excluded.text_xp,
		text_level=excluded.text_level,
		voice_xp=excluded.voice_xp,
		voice_level=excluded.voice_level,
		total_xp=excluded.total_xp,
		total_level=excluded.total_level,
		prestige=excluded.prestige,
		profile_text=excluded.profile_text,
		profile_text_updated=excluded.profile_text_updated,
		last_updated=excluded.last_updated;
	`
	if _, err := db.db.NamedExecContext(ctx, q, u); err != nil {
		return fmt.Errorf("error saving user: %w", err)
	}

	return nil
}

// Columns are never taken from input directly
var orderColumns = map[models.Kind]string{
	models.KindText:  "text_xp",
	models.KindVoice: "voice_xp",
	models.KindTotal: "total_xp",
}

func (db DB) TopUsers(ctx context.Context, kind models.Kind, limit int) ([]models.UserXP, error) {
	col, ok := orderColumns[kind]
	if !ok {
		return nil, fmt.Errorf("no leaderboard for kind '%s'", kind)
	}

	q := db.db.Rebind(`
	SELECT ` + userColumns + ` FROM users ORDER BY ` + col + ` DESC, user_id ASC LIMIT ?;
	`)

	us := make([]models.UserXP, 0, limit)
	if err := db.db.SelectContext(ctx, &us, q, limit); err != nil {
		return nil, fmt.Errorf("error retrieving top users: %w", err)
	}

	return us, nil
}

func (db DB) GetGuildSettings(ctx context.Context, guildID string) (models.GuildSettings, error) {
	q := db.db.Rebind(`
	SELECT guild_id, notification_channel, log_channel, last_updated FROM server_settings WHERE guild_id = ? LIMIT 1;
	`)

	gs := models.GuildSettings{}
	if err := db.db.GetContext(ctx, &gs, q, guildID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GuildSettings{}, models.ErrNotFound
		}
		return models.GuildSettings{}, fmt.Errorf("error retrieving server_settings: %w", err)
	}

	return gs, nil
}

func (db DB) SaveGuildSettings(ctx context.Context, gs models.GuildSettings) error {
	q := `
	INSERT INTO server_settings(guild_id, notification_channel, log_channel, last_updated)
	VALUES (:guild_id, :notification_channel, :log_channel, :last_updated)
	ON CONFLICT(guild_id) DO UPDATE SET
		notification_channel=excluded.notification_channel,
		log_channel=excluded.log_channel,
		last_updated=excluded.last_updated;
	`
	if _, err := db.db.NamedExecContext(ctx, q, gs); err != nil {
		return fmt.Errorf("error saving server_settings: %w", err)
	}

	return nil
}
