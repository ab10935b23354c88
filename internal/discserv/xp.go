package discserv

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/jdholdren/levelup/internal/core"
	"github.com/jdholdren/levelup/internal/core/models"
	"github.com/jdholdren/levelup/internal/discord"
	"github.com/jdholdren/levelup/internal/leveling"
)

const somethingWentWrong = "Something went wrong, try again in a bit."

func (s *Server) storageErr(op string, err error, keysAndValues ...interface{}) {
	s.m.StorageErrors.WithLabelValues(op).Inc()
	s.l.Errorw("storage error", append([]interface{}{"op", op, "err", err}, keysAndValues...)...)
}

// A failed read shows the zero card rather than an error
func (s *Server) handleLevel(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	userID := opts.user("user")
	if userID == "" {
		userID = invokerID(i)
	}

	u, err := s.cr.GetUser(ctx, userID)
	if err != nil {
		s.storageErr("get_user", err, "user_id", userID)
		u = models.NewUserXP(userID)
	}

	return embed(levelCard(u))
}

func (s *Server) handleLeaderboard(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	kind := models.KindTotal
	if raw := opts.str("type"); raw != "" {
		k, err := models.ParseKind(raw)
		if err != nil {
			return ephemeral(fmt.Sprintf("Unknown leaderboard type `%s`.", raw))
		}
		kind = k
	}

	us, err := s.cr.Leaderboard(ctx, kind, leveling.LeaderboardSize)
	if err != nil {
		s.storageErr("leaderboard", err, "kind", kind)
		us = nil
	}

	return embed(leaderboardEmbed(kind, us))
}

func (s *Server) handleAddXP(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	return s.adjustXP(ctx, i, opts, 1)
}

func (s *Server) handleRemoveXP(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	return s.adjustXP(ctx, i, opts, -1)
}

func (s *Server) adjustXP(ctx context.Context, i *discordgo.Interaction, opts options, sign int) *discordgo.InteractionResponse {
	userID := opts.user("user")
	amount, ok := opts.num("amount")
	if userID == "" || !ok || amount <= 0 {
		return ephemeral("Pick a user and a positive amount.")
	}
	kind, err := models.ParseKind(opts.str("type"))
	if err != nil || kind == models.KindTotal {
		return ephemeral("XP can only be given as text or voice.")
	}

	u, oldLevel, err := s.cr.ApplyDelta(ctx, userID, sign*amount, kind)
	if err != nil {
		s.storageErr("apply_delta", err, "user_id", userID, "kind", kind)
		return ephemeral(somethingWentWrong)
	}

	s.l.Infow("xp adjusted by admin",
		"admin_id", invokerID(i), "user_id", userID, "kind", kind, "amount", sign*amount)

	verb, prep := "Removed", "from"
	if sign > 0 {
		verb, prep = "Gave", "to"
		s.m.XPAwarded.WithLabelValues(string(kind)).Add(float64(amount))
		if newLevel := u.Level(kind); newLevel > oldLevel {
			s.n.LevelUp(ctx, i.GuildID, i.ChannelID, userID, kind, newLevel)
		}
	}

	return message(fmt.Sprintf("%s %s %s xp %s <@%s>. They now have %s %s xp (level %d).",
		verb, humanize.Comma(int64(amount)), kind, prep, userID,
		humanize.Comma(int64(u.XP(kind))), kind, u.Level(kind)))
}

func (s *Server) handleResetXP(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	userID := opts.user("user")
	if userID == "" {
		return ephemeral("Pick a user to reset.")
	}

	if _, err := s.cr.Reset(ctx, userID); err != nil {
		s.storageErr("reset", err, "user_id", userID)
		return ephemeral(somethingWentWrong)
	}

	s.l.Infow("xp reset by admin", "admin_id", invokerID(i), "user_id", userID)
	return message(fmt.Sprintf("Reset all xp for <@%s>.", userID))
}

func (s *Server) handleSetChannel(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	channelID := opts.channel("channel")
	if channelID == "" {
		return ephemeral("Pick a channel.")
	}

	var err error
	var what string
	switch opts.str("type") {
	case discord.ChannelNotifications:
		what = "Level ups"
		_, err = s.cr.SetNotificationChannel(ctx, i.GuildID, channelID)
	case discord.ChannelLogs:
		what = "Moderation logs"
		_, err = s.cr.SetLogChannel(ctx, i.GuildID, channelID)
	default:
		return ephemeral("Channel type must be notifications or logs.")
	}
	if err != nil {
		s.storageErr("save_settings", err, "guild_id", i.GuildID)
		return ephemeral(somethingWentWrong)
	}

	return ephemeral(fmt.Sprintf("%s will be posted in <#%s>.", what, channelID))
}

func (s *Server) handleProfile(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	userID := invokerID(i)
	_, err := s.cr.SetProfileText(ctx, userID, opts.str("text"))

	var cooldown *core.ProfileCooldownError
	switch {
	case err == nil:
		return ephemeral("Your profile text has been updated.")
	case errors.Is(err, core.ErrProfileTextTooLong):
		return ephemeral(fmt.Sprintf("Profile text can be at most %d characters.", leveling.ProfileTextMaxLen))
	case errors.As(err, &cooldown):
		now := s.now()
		return ephemeral(fmt.Sprintf("You can change your profile text again %s.",
			humanize.RelTime(now.Add(cooldown.Remaining), now, "ago", "from now")))
	default:
		s.storageErr("set_profile", err, "user_id", userID)
		return ephemeral(somethingWentWrong)
	}
}

func (s *Server) handlePrestige(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	userID := invokerID(i)
	u, err := s.cr.Prestige(ctx, userID)

	switch {
	case err == nil:
		return message(fmt.Sprintf("<@%s> reached prestige %d!", userID, u.Prestige))
	case errors.Is(err, core.ErrMaxPrestige):
		return ephemeral(fmt.Sprintf("You're already at the highest prestige (%d).", leveling.MaxPrestige))
	case errors.Is(err, core.ErrPrestigeLocked):
		return ephemeral(fmt.Sprintf("You need total level %d to prestige, you're level %d.", leveling.MaxLevel, u.TotalLevel))
	default:
		s.storageErr("prestige", err, "user_id", userID)
		return ephemeral(somethingWentWrong)
	}
}
