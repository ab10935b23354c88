package gateway

import (
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	defaultAuditWindow = 30 * time.Second
	auditLookback      = 5
)

// AuditLogReader is the part of a discordgo session used to look up who did what
type AuditLogReader interface {
	GuildAuditLog(guildID, userID, beforeID string, actionType, limit int, options ...discordgo.RequestOption) (*discordgo.GuildAuditLog, error)
}

// resolveAuditActor finds the entry of the given action against targetID
// closest to now, within the audit window. This is best effort: Discord may
// not have written the entry yet when the gateway event arrives, in which
// case ok is false and the actor is unknown.
func (g *Gateway) resolveAuditActor(guildID string, action discordgo.AuditLogAction, targetID string) (actorID, reason string, ok bool) {
	logs, err := g.audit.GuildAuditLog(guildID, "", "", int(action), auditLookback)
	if err != nil || logs == nil {
		g.l.Debugw("couldn't read audit log", "err", err, "guild_id", guildID, "action", action)
		return "", "", false
	}

	now := g.now()
	best := g.auditWindow + 1
	for _, entry := range logs.AuditLogEntries {
		if entry == nil || entry.TargetID != targetID {
			continue
		}

		ts, err := discordgo.SnowflakeTimestamp(entry.ID)
		if err != nil {
			continue
		}
		dist := now.Sub(ts).Abs()
		if dist > g.auditWindow || dist >= best {
			continue
		}

		best = dist
		actorID, reason, ok = entry.UserID, entry.Reason, true
	}

	return actorID, reason, ok
}
