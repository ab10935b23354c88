// Package gateway handles the events Discord pushes over the websocket:
// chat messages and voice presence award xp, bans and kicks get mirrored to
// the guild's log channel.
package gateway

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/jdholdren/levelup/internal/core"
	"github.com/jdholdren/levelup/internal/core/models"
	"github.com/jdholdren/levelup/internal/leveling"
	"github.com/jdholdren/levelup/internal/metrics"
	"github.com/jdholdren/levelup/internal/notify"
	"github.com/jdholdren/levelup/internal/tracker"
)

// Intents the gateway needs to receive everything it handles
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildBans

type Gateway struct {
	cr       core.Core
	n        *notify.Notifier
	audit    AuditLogReader
	cooldown *tracker.Cooldown
	voice    *tracker.Voice
	m        *metrics.Metrics

	tick        time.Duration
	auditWindow time.Duration
	roll        func() int
	now         func() time.Time

	mu     sync.Mutex
	selfID string
	afk    map[string]string // guild id -> afk channel id

	l *zap.SugaredLogger
}

func New(cr core.Core, n *notify.Notifier, audit AuditLogReader, m *metrics.Metrics, l *zap.SugaredLogger) *Gateway {
	return &Gateway{
		cr:          cr,
		n:           n,
		audit:       audit,
		cooldown:    tracker.NewCooldown(leveling.TextCooldown),
		voice:       tracker.NewVoice(leveling.VoiceXPPerMinute),
		m:           m,
		tick:        leveling.VoiceTick,
		auditWindow: defaultAuditWindow,
		roll:        func() int { return leveling.RollTextXP(rand.IntN) },
		now:         time.Now,
		afk:         map[string]string{},
		l:           l,
	}
}

// Register adds the event handlers to the session. It should be called before the session is opened.
func (g *Gateway) Register(s *discordgo.Session) {
	s.Identify.Intents = Intents
	s.AddHandler(g.onReady)
	s.AddHandler(g.onGuildCreate)
	s.AddHandler(g.onMessageCreate)
	s.AddHandler(g.onVoiceStateUpdate)
	s.AddHandler(g.onGuildBanAdd)
	s.AddHandler(g.onGuildMemberRemove)
}

// Run credits voice sessions every tick until ctx is done, then pays out
// and ends every session that is still open.
func (g *Gateway) Run(ctx context.Context) {
	t := time.NewTicker(g.tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			credits := g.voice.Drain(g.now())
			g.l.Infow("draining voice sessions", "credits", len(credits))
			// ctx is already cancelled, but the writes should still happen
			g.applyCredits(context.WithoutCancel(ctx), credits)
			g.m.VoiceSessions.Set(0)
			return
		case <-t.C:
			g.applyCredits(ctx, g.voice.Tick(g.now()))
		}
	}
}

func (g *Gateway) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}

	g.mu.Lock()
	g.selfID = r.User.ID
	g.mu.Unlock()

	g.l.Infow("gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (g *Gateway) self() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.selfID
}

func (g *Gateway) afkChannel(guildID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.afk[guildID]
}

func (g *Gateway) onGuildCreate(_ *discordgo.Session, gc *discordgo.GuildCreate) {
	g.handleGuildCreate(context.Background(), gc.Guild)
}

// Remembers the afk channel and syncs voice sessions with who is connected.
// Guild create is sent again after a reconnect, and voice updates missed while
// disconnected are only visible here: sessions of anyone no longer in voice
// are ended and paid up to now.
func (g *Gateway) handleGuildCreate(ctx context.Context, guild *discordgo.Guild) {
	if guild == nil {
		return
	}

	g.mu.Lock()
	g.afk[guild.ID] = guild.AfkChannelID
	g.mu.Unlock()

	bots := map[string]bool{}
	for _, m := range guild.Members {
		if m != nil && m.User != nil && m.User.Bot {
			bots[m.User.ID] = true
		}
	}

	var states []tracker.State
	for _, vs := range guild.VoiceStates {
		if vs == nil || bots[vs.UserID] || vs.ChannelID == guild.AfkChannelID {
			continue
		}
		states = append(states, tracker.State{
			GuildID:   guild.ID,
			ChannelID: vs.ChannelID,
			UserID:    vs.UserID,
			Paused:    vs.SelfMute || vs.SelfDeaf,
		})
	}

	started, credits := g.voice.Reconcile(guild.ID, states, g.now())
	g.m.VoiceSessions.Set(float64(g.voice.Len()))
	if started > 0 || len(credits) > 0 {
		g.l.Infow("reconciled voice sessions", "guild_id", guild.ID, "started", started, "credits", len(credits))
	}
	g.applyCredits(ctx, credits)
}

func (g *Gateway) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	g.handleMessage(context.Background(), m.Message)
}

func (g *Gateway) handleMessage(ctx context.Context, msg *discordgo.Message) {
	if msg == nil || msg.Author == nil || msg.Author.Bot || msg.GuildID == "" {
		return
	}

	if !g.cooldown.Allow(msg.Author.ID, g.now()) {
		return
	}

	g.award(ctx, msg.GuildID, msg.ChannelID, msg.Author.ID, g.roll(), models.KindText)
}

func (g *Gateway) onVoiceStateUpdate(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	g.handleVoiceState(context.Background(), vs.VoiceState)
}

func (g *Gateway) handleVoiceState(ctx context.Context, vs *discordgo.VoiceState) {
	if vs == nil || vs.GuildID == "" {
		return
	}
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return
	}

	st := tracker.State{
		GuildID:   vs.GuildID,
		ChannelID: vs.ChannelID,
		UserID:    vs.UserID,
		Paused:    vs.SelfMute || vs.SelfDeaf,
	}
	// Sitting in the afk channel is the same as not being in voice
	if afk := g.afkChannel(vs.GuildID); afk != "" && st.ChannelID == afk {
		st.ChannelID = ""
	}

	credits := g.voice.Update(st, g.now())
	g.m.VoiceSessions.Set(float64(g.voice.Len()))
	g.applyCredits(ctx, credits)
}

func (g *Gateway) applyCredits(ctx context.Context, credits []tracker.Credit) {
	for _, c := range credits {
		// Voice level ups only go to the configured channel
		g.award(ctx, c.GuildID, "", c.UserID, c.XP, models.KindVoice)
	}
}

func (g *Gateway) award(ctx context.Context, guildID, channelID, userID string, amount int, kind models.Kind) {
	u, oldLevel, err := g.cr.ApplyDelta(ctx, userID, amount, kind)
	if err != nil {
		g.m.StorageErrors.WithLabelValues("apply_delta").Inc()
		g.l.Errorw("error awarding xp", "err", err, "user_id", userID, "kind", kind, "amount", amount)
		return
	}
	g.m.XPAwarded.WithLabelValues(string(kind)).Add(float64(amount))

	g.l.Debugw("awarded xp", "user_id", userID, "kind", kind, "amount", amount, "xp", u.XP(kind))

	if newLevel := u.Level(kind); newLevel > oldLevel {
		g.n.LevelUp(ctx, guildID, channelID, userID, kind, newLevel)
	}
}

func (g *Gateway) onGuildBanAdd(_ *discordgo.Session, e *discordgo.GuildBanAdd) {
	if e.User == nil {
		return
	}
	g.handleBan(context.Background(), e.GuildID, e.User.ID)
}

// Bans made with our own command were logged when the command ran. Those are
// recognised by the command's claim first, and by the audit log otherwise.
func (g *Gateway) handleBan(ctx context.Context, guildID, userID string) {
	if g.n.Expected("ban", guildID, userID) {
		return
	}

	actorID, reason, _ := g.resolveAuditActor(guildID, discordgo.AuditLogActionMemberBanAdd, userID)
	if actorID != "" && actorID == g.self() {
		return
	}

	g.n.ModLog(ctx, guildID, notify.ModEntry{
		Action:   "ban",
		TargetID: userID,
		ActorID:  actorID,
		Reason:   reason,
	})
}

func (g *Gateway) onGuildMemberRemove(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
	if e.Member == nil || e.User == nil {
		return
	}
	g.handleMemberRemove(context.Background(), e.GuildID, e.User.ID)
}

// A removal only counts as a kick when the audit log says so, otherwise the member left
func (g *Gateway) handleMemberRemove(ctx context.Context, guildID, userID string) {
	if g.n.Expected("kick", guildID, userID) {
		return
	}

	actorID, reason, ok := g.resolveAuditActor(guildID, discordgo.AuditLogActionMemberKick, userID)
	if !ok || actorID == g.self() {
		return
	}

	g.n.ModLog(ctx, guildID, notify.ModEntry{
		Action:   "kick",
		TargetID: userID,
		ActorID:  actorID,
		Reason:   reason,
	})
}
