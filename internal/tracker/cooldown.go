// Package tracker holds the in-memory activity state of the bot: who is on
// text cooldown and who is sitting in a voice channel. None of it survives a
// restart.
package tracker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Past this many users, Allow sweeps out the ones idle longer than the window
const cleanupThreshold = 500

type cooldownEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// A Cooldown lets each user through at most once per window
type Cooldown struct {
	window     time.Duration
	pruneAbove int

	mu      sync.Mutex
	entries map[string]*cooldownEntry
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window:     window,
		pruneAbove: cleanupThreshold,
		entries:    map[string]*cooldownEntry{},
	}
}

// Allow reports whether the user is off cooldown at now, and if so starts a new one
func (c *Cooldown) Allow(userID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A user idle for a whole window has a full bucket, same as a new one
	if len(c.entries) > c.pruneAbove {
		cutoff := now.Add(-c.window)
		for id, e := range c.entries {
			if e.lastSeen.Before(cutoff) {
				delete(c.entries, id)
			}
		}
	}

	e, ok := c.entries[userID]
	if !ok {
		e = &cooldownEntry{limiter: rate.NewLimiter(rate.Every(c.window), 1)}
		c.entries[userID] = e
	}
	e.lastSeen = now

	return e.limiter.AllowN(now, 1)
}

func (c *Cooldown) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
