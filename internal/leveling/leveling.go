// Package leveling holds the tuning constants and the pure functions that
// turn experience counters into levels and progress bars.
package leveling

import (
	"strings"
	"time"
)

const (
	XPPerLevel = 100
	MaxLevel   = 1000

	TextXPMin    = 5
	TextXPMax    = 10
	TextCooldown = 30 * time.Second

	VoiceXPPerMinute = 5
	VoiceTick        = time.Minute

	MaxPrestige = 3

	ProfileTextCooldown = 30 * 24 * time.Hour
	ProfileTextMaxLen   = 150

	BarLength       = 20
	LeaderboardSize = 10
)

// Level maps an xp counter to its level, in [1, MaxLevel].
func Level(xp int) int {
	if xp < 0 {
		return 1
	}

	return min(xp/XPPerLevel+1, MaxLevel)
}

// A Progress describes how far a counter is into its current level
type Progress struct {
	Filled  int // Bar segments to draw as filled
	Percent int
	Into    int // XP earned since the start of the level
	Needed  int // XP the level spans
}

// NewProgress computes the display progress for xp at the given level.
func NewProgress(xp, level, barLength int) Progress {
	p := Progress{Needed: XPPerLevel}
	if level >= MaxLevel {
		p.Filled = barLength
		p.Percent = 100
		p.Into = p.Needed
		return p
	}

	p.Into = min(max(xp-(level-1)*XPPerLevel, 0), p.Needed)
	p.Filled = p.Into * barLength / p.Needed
	p.Percent = p.Into * 100 / p.Needed

	return p
}

// Bar renders the progress as a fixed width bar of block characters
func (p Progress) Bar(barLength int) string {
	filled := min(max(p.Filled, 0), barLength)
	return strings.Repeat("█", filled) + strings.Repeat("░", barLength-filled)
}

// RollTextXP picks the xp granted for one eligible chat message. intN is
// usually rand.IntN, which is safe to share between goroutines.
func RollTextXP(intN func(n int) int) int {
	return TextXPMin + intN(TextXPMax-TextXPMin+1)
}
