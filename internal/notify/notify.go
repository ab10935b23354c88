// Package notify posts level ups and moderation records to the channels a
// guild has configured.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/jdholdren/levelup/internal/core/models"
	"github.com/jdholdren/levelup/internal/metrics"
)

// Color used for every embed the bot sends (teal)
const Color = 0x008080

// Placeholder for an actor the audit log couldn't tell us about
const UnknownActor = "Unknown"

// How long a command's claim on an action holds. Discord sends the matching
// gateway event within a few seconds.
const expectTTL = time.Minute

// Sender is the part of a discordgo session used to post embeds
type Sender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Settings looks up the guild's configured channels
type Settings interface {
	GuildSettings(ctx context.Context, guildID string) (models.GuildSettings, error)
}

type Notifier struct {
	s        Sender
	settings Settings
	m        *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	expected map[string]time.Time // action:guild:target -> expiry

	l *zap.SugaredLogger
}

func New(s Sender, settings Settings, m *metrics.Metrics, l *zap.SugaredLogger) *Notifier {
	return &Notifier{
		s:        s,
		settings: settings,
		m:        m,
		now:      time.Now,
		expected: map[string]time.Time{},
		l:        l,
	}
}

// LevelUp announces a new level in the guild's notification channel, or in
// fallbackChannelID when none is configured. With neither it is only logged.
func (n *Notifier) LevelUp(ctx context.Context, guildID, fallbackChannelID, userID string, kind models.Kind, level int) {
	n.m.LevelUps.WithLabelValues(string(kind)).Inc()

	channelID := fallbackChannelID
	gs, err := n.settings.GuildSettings(ctx, guildID)
	if err != nil {
		n.l.Errorw("error getting guild settings for level up", "err", err, "guild_id", guildID)
	}
	if gs.NotificationChannel != "" {
		channelID = gs.NotificationChannel
	}

	if channelID == "" {
		n.l.Infow("level up with nowhere to post", "guild_id", guildID, "user_id", userID, "kind", kind, "level", level)
		return
	}

	if _, err := n.s.ChannelMessageSendEmbed(channelID, LevelUpEmbed(userID, kind, level)); err != nil {
		n.l.Errorw("error sending level up", "err", err, "channel_id", channelID, "user_id", userID)
	}
}

// LevelUpEmbed is the message sent when a user reaches a new level
func LevelUpEmbed(userID string, kind models.Kind, level int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Level up!",
		Description: fmt.Sprintf("<@%s> reached **%s level %d**", userID, kind, level),
		Color:       Color,
	}
}

// A ModEntry is one moderation action to mirror into the log channel
type ModEntry struct {
	Action   string // ban, kick, timeout, purge
	TargetID string // user, or channel for purge
	ActorID  string // empty when unknown
	Reason   string
	Detail   string
}

// ModLog posts the entry to the guild's log channel. Guilds without one are skipped.
func (n *Notifier) ModLog(ctx context.Context, guildID string, e ModEntry) {
	n.m.ModerationActions.WithLabelValues(e.Action).Inc()

	gs, err := n.settings.GuildSettings(ctx, guildID)
	if err != nil {
		n.l.Errorw("error getting guild settings for mod log", "err", err, "guild_id", guildID)
		return
	}
	if gs.LogChannel == "" {
		n.l.Debugw("no log channel configured", "guild_id", guildID, "action", e.Action)
		return
	}

	if _, err := n.s.ChannelMessageSendEmbed(gs.LogChannel, ModEmbed(e, n.now())); err != nil {
		n.l.Errorw("error sending mod log", "err", err, "channel_id", gs.LogChannel, "action", e.Action)
	}
}

func expectKey(action, guildID, targetID string) string {
	return action + ":" + guildID + ":" + targetID
}

// Expect records that a command is about to perform action and will log it
// itself. It should be called before the Discord request is made, since the
// gateway event can arrive before the request returns.
func (n *Notifier) Expect(action, guildID, targetID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for k, exp := range n.expected {
		if !now.Before(exp) {
			delete(n.expected, k)
		}
	}
	n.expected[expectKey(action, guildID, targetID)] = now.Add(expectTTL)
}

// Expected reports whether a command claimed the action recently. A claim is
// consumed by the first call that sees it.
func (n *Notifier) Expected(action, guildID, targetID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := expectKey(action, guildID, targetID)
	exp, ok := n.expected[key]
	if !ok {
		return false
	}
	delete(n.expected, key)

	return n.now().Before(exp)
}

// Forget drops a claim, for when the command's request failed
func (n *Notifier) Forget(action, guildID, targetID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.expected, expectKey(action, guildID, targetID))
}

var actionTitles = map[string]string{
	"ban":     "Member banned",
	"kick":    "Member kicked",
	"timeout": "Member timed out",
	"purge":   "Messages purged",
}

// ModEmbed renders a moderation record
func ModEmbed(e ModEntry, at time.Time) *discordgo.MessageEmbed {
	title, ok := actionTitles[e.Action]
	if !ok {
		title = e.Action
	}

	target := fmt.Sprintf("<@%s>", e.TargetID)
	if e.Action == "purge" {
		target = fmt.Sprintf("<#%s>", e.TargetID)
	}
	actor := UnknownActor
	if e.ActorID != "" {
		actor = fmt.Sprintf("<@%s>", e.ActorID)
	}
	reason := e.Reason
	if reason == "" {
		reason = "No reason given"
	}

	embed := &discordgo.MessageEmbed{
		Title: title,
		Color: Color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Target", Value: target, Inline: true},
			{Name: "Moderator", Value: actor, Inline: true},
			{Name: "Reason", Value: reason},
		},
		Timestamp: at.UTC().Format(time.RFC3339),
	}
	if e.Detail != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Details", Value: e.Detail})
	}

	return embed
}
