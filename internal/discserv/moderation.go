package discserv

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jdholdren/levelup/internal/discord"
	"github.com/jdholdren/levelup/internal/notify"
)

// Discord refuses to bulk delete anything older than this
const bulkDeleteMaxAge = 14 * 24 * time.Hour

func auditReason(reason string) []discordgo.RequestOption {
	if reason == "" {
		return nil
	}
	return []discordgo.RequestOption{discordgo.WithAuditLogReason(reason)}
}

// Shared checks for commands that act on another member
func moderationTarget(i *discordgo.Interaction, opts options) (string, *discordgo.InteractionResponse) {
	targetID := opts.user("user")
	if targetID == "" {
		return "", ephemeral("Pick a member.")
	}
	if targetID == invokerID(i) {
		return "", ephemeral("You can't use this on yourself.")
	}

	return targetID, nil
}

func (s *Server) handleBan(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	targetID, rejection := moderationTarget(i, opts)
	if rejection != nil {
		return rejection
	}
	reason := opts.str("reason")

	// The gateway sees this ban too, it should leave the logging to us
	s.n.Expect("ban", i.GuildID, targetID)
	if err := s.mod.GuildBanCreateWithReason(i.GuildID, targetID, reason, 0); err != nil {
		s.n.Forget("ban", i.GuildID, targetID)
		s.l.Errorw("error banning member", "err", err, "guild_id", i.GuildID, "user_id", targetID)
		return ephemeral(fmt.Sprintf("Couldn't ban <@%s>: %s", targetID, err))
	}

	s.n.ModLog(ctx, i.GuildID, notify.ModEntry{
		Action:   "ban",
		TargetID: targetID,
		ActorID:  invokerID(i),
		Reason:   reason,
	})

	return message(fmt.Sprintf("Banned <@%s>.", targetID))
}

func (s *Server) handleKick(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	targetID, rejection := moderationTarget(i, opts)
	if rejection != nil {
		return rejection
	}
	reason := opts.str("reason")

	s.n.Expect("kick", i.GuildID, targetID)
	if err := s.mod.GuildMemberDeleteWithReason(i.GuildID, targetID, reason); err != nil {
		s.n.Forget("kick", i.GuildID, targetID)
		s.l.Errorw("error kicking member", "err", err, "guild_id", i.GuildID, "user_id", targetID)
		return ephemeral(fmt.Sprintf("Couldn't kick <@%s>: %s", targetID, err))
	}

	s.n.ModLog(ctx, i.GuildID, notify.ModEntry{
		Action:   "kick",
		TargetID: targetID,
		ActorID:  invokerID(i),
		Reason:   reason,
	})

	return message(fmt.Sprintf("Kicked <@%s>.", targetID))
}

func (s *Server) handleTimeout(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	targetID, rejection := moderationTarget(i, opts)
	if rejection != nil {
		return rejection
	}
	minutes, ok := opts.num("minutes")
	if !ok || minutes < 1 || minutes > discord.MaxTimeoutMinutes {
		return ephemeral(fmt.Sprintf("Minutes must be between 1 and %d.", discord.MaxTimeoutMinutes))
	}
	reason := opts.str("reason")

	until := s.now().Add(time.Duration(minutes) * time.Minute)
	if err := s.mod.GuildMemberTimeout(i.GuildID, targetID, &until, auditReason(reason)...); err != nil {
		s.l.Errorw("error timing out member", "err", err, "guild_id", i.GuildID, "user_id", targetID)
		return ephemeral(fmt.Sprintf("Couldn't time out <@%s>: %s", targetID, err))
	}

	s.n.ModLog(ctx, i.GuildID, notify.ModEntry{
		Action:   "timeout",
		TargetID: targetID,
		ActorID:  invokerID(i),
		Reason:   reason,
		Detail:   fmt.Sprintf("%d minutes, until <t:%d:f>", minutes, until.Unix()),
	})

	return message(fmt.Sprintf("Timed out <@%s> until <t:%d:f>.", targetID, until.Unix()))
}

// Purge only reaches messages young enough to bulk delete
func (s *Server) handlePurge(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse {
	amount, ok := opts.num("amount")
	if !ok || amount < 1 || amount > discord.MaxPurge {
		return ephemeral(fmt.Sprintf("Amount must be between 1 and %d.", discord.MaxPurge))
	}

	msgs, err := s.mod.ChannelMessages(i.ChannelID, amount, "", "", "")
	if err != nil {
		s.l.Errorw("error listing messages", "err", err, "channel_id", i.ChannelID)
		return ephemeral(fmt.Sprintf("Couldn't read this channel: %s", err))
	}

	cutoff := s.now().Add(-bulkDeleteMaxAge)
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ts, err := discordgo.SnowflakeTimestamp(msg.ID)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		ids = append(ids, msg.ID)
	}
	if len(ids) == 0 {
		return ephemeral("There's nothing recent enough to delete.")
	}

	if err := s.mod.ChannelMessagesBulkDelete(i.ChannelID, ids); err != nil {
		s.l.Errorw("error deleting messages", "err", err, "channel_id", i.ChannelID, "count", len(ids))
		return ephemeral(fmt.Sprintf("Couldn't delete messages: %s", err))
	}

	s.n.ModLog(ctx, i.GuildID, notify.ModEntry{
		Action:   "purge",
		TargetID: i.ChannelID,
		ActorID:  invokerID(i),
		Detail:   fmt.Sprintf("%d messages deleted", len(ids)),
	})

	return ephemeral(fmt.Sprintf("Deleted %d messages.", len(ids)))
}
