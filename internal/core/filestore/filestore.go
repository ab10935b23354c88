// Package filestore keeps the ledger in two JSON documents on disk, one for
// users and one for guild settings. Both are rewritten whole on every save.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jdholdren/levelup/internal/core/models"
)

const (
	usersFile    = "users.json"
	settingsFile = "settings.json"
)

// A Store is a JSON file backed repository
type Store struct {
	dir string

	mu       sync.Mutex
	users    map[string]models.UserXP
	settings map[string]models.GuildSettings
}

// Open loads both documents from dir, creating the directory if needed.
// Missing documents are treated as empty.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating data dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		users:    map[string]models.UserXP{},
		settings: map[string]models.GuildSettings{},
	}
	if err := readJSON(filepath.Join(dir, usersFile), &s.users); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, settingsFile), &s.settings); err != nil {
		return nil, err
	}

	return s, nil
}

func readJSON(path string, v any) error {
	byts, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	if len(byts) == 0 {
		return nil
	}

	if err := json.Unmarshal(byts, v); err != nil {
		return fmt.Errorf("error decoding %s: %w", path, err)
	}

	return nil
}

// Writes to a temp file first so a crash mid write leaves the old document intact
func writeJSON(path string, v any) error {
	byts, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, byts, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("error replacing %s: %w", path, err)
	}

	return nil
}

func (s *Store) GetUser(_ context.Context, userID string) (models.UserXP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return models.UserXP{}, models.ErrNotFound
	}
	u.UserID = userID

	return u, nil
}

func (s *Store) SaveUser(_ context.Context, u models.UserXP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.users[u.UserID]
	s.users[u.UserID] = u
	if err := writeJSON(filepath.Join(s.dir, usersFile), s.users); err != nil {
		// Keep memory in line with what's on disk
		if existed {
			s.users[u.UserID] = prev
		} else {
			delete(s.users, u.UserID)
		}
		return err
	}

	return nil
}

func (s *Store) TopUsers(_ context.Context, kind models.Kind, limit int) ([]models.UserXP, error) {
	if _, err := models.ParseKind(string(kind)); err != nil {
		return nil, fmt.Errorf("no leaderboard for kind '%s'", kind)
	}

	s.mu.Lock()
	us := make([]models.UserXP, 0, len(s.users))
	for id, u := range s.users {
		u.UserID = id
		us = append(us, u)
	}
	s.mu.Unlock()

	sort.Slice(us, func(i, j int) bool {
		if us[i].XP(kind) != us[j].XP(kind) {
			return us[i].XP(kind) > us[j].XP(kind)
		}
		return us[i].UserID < us[j].UserID
	})
	if len(us) > limit {
		us = us[:limit]
	}

	return us, nil
}

func (s *Store) GetGuildSettings(_ context.Context, guildID string) (models.GuildSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs, ok := s.settings[guildID]
	if !ok {
		return models.GuildSettings{}, models.ErrNotFound
	}
	gs.GuildID = guildID

	return gs, nil
}

func (s *Store) SaveGuildSettings(_ context.Context, gs models.GuildSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.settings[gs.GuildID]
	s.settings[gs.GuildID] = gs
	if err := writeJSON(filepath.Join(s.dir, settingsFile), s.settings); err != nil {
		if existed {
			s.settings[gs.GuildID] = prev
		} else {
			delete(s.settings, gs.GuildID)
		}
		return err
	}

	return nil
}
