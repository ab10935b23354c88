// Package discserv provides a way to run an http server
// with logging and other necessary things
package discserv

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jdholdren/levelup/internal/core"
	"github.com/jdholdren/levelup/internal/discord"
	"github.com/jdholdren/levelup/internal/metrics"
	"github.com/jdholdren/levelup/internal/notify"
)

type Config struct {
	Port      int
	VerifyKey string

	// TLS is only served when both are set
	TLSCertFile string
	TLSKeyFile  string
}

// Moderator is the part of a discordgo session the moderation commands use
type Moderator interface {
	GuildBanCreateWithReason(guildID, userID, reason string, days int, options ...discordgo.RequestOption) error
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error
	GuildMemberTimeout(guildID, userID string, until *time.Time, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessagesBulkDelete(channelID string, messages []string, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Server struct {
	*http.Server

	cr       core.Core
	n        *notify.Notifier
	mod      Moderator
	m        *metrics.Metrics
	key      ed25519.PublicKey
	now      func() time.Time
	commands map[string]command

	// Deferred commands still running
	inflight sync.WaitGroup

	l *zap.SugaredLogger
}

func New(l *zap.SugaredLogger, c Config, cr core.Core, n *notify.Notifier, mod Moderator, m *metrics.Metrics, g prometheus.Gatherer) (*Server, error) {
	r := mux.NewRouter()

	keyBytes, err := hex.DecodeString(c.VerifyKey)
	if err != nil {
		return nil, fmt.Errorf("error decoding verify key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key is %d bytes, want %d", len(keyBytes), ed25519.PublicKeySize)
	}

	s := &Server{
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", c.Port),
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		cr:  cr,
		n:   n,
		mod: mod,
		m:   m,
		key: ed25519.PublicKey(keyBytes),
		now: time.Now,
		l:   l,
	}
	s.commands = s.commandTable()

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("error loading tls key pair: %w", err)
		}
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	r.HandleFunc("/interactions", s.handleDiscordInteraction()).Methods(http.MethodPost)
	r.HandleFunc("/healthz", handleHealthCheck()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.Use(loggingMiddleware(l))

	return s, nil
}

func loggingMiddleware(l *zap.SugaredLogger) mux.MiddlewareFunc {
	// God i hate the nesting
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.RequestURI == "/healthz" || r.RequestURI == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			reqID := uuid.NewString()
			w.Header().Set("X-Request-Id", reqID)

			start := time.Now()
			l.Infow("request received", "uri", r.RequestURI, "method", r.Method, "request_id", reqID)

			// Call the next handler, which can be another middleware in the chain, or the final handler.
			next.ServeHTTP(w, r)

			l.Debugw("request handled", "request_id", reqID, "duration", time.Since(start))
		})
	}
}

// A handler answers one slash command. Options are keyed by name.
type handler func(ctx context.Context, i *discordgo.Interaction, opts options) *discordgo.InteractionResponse

type command struct {
	// Permission bits the invoker needs, zero for everyone
	perm   int64
	handle handler
	// Answered with a deferred ack, the handler's response replaces it later.
	// For commands that call Discord and may not finish within the 3 second
	// interaction deadline.
	deferred bool
}

func (s *Server) commandTable() map[string]command {
	return map[string]command{
		discord.CmdLevel:       {handle: s.handleLevel},
		discord.CmdLeaderboard: {handle: s.handleLeaderboard},
		discord.CmdAddXP:       {perm: discordgo.PermissionAdministrator, handle: s.handleAddXP},
		discord.CmdRemoveXP:    {perm: discordgo.PermissionAdministrator, handle: s.handleRemoveXP},
		discord.CmdResetXP:     {perm: discordgo.PermissionAdministrator, handle: s.handleResetXP},
		discord.CmdSetChannel:  {perm: discordgo.PermissionAdministrator, handle: s.handleSetChannel},
		discord.CmdProfile:     {handle: s.handleProfile},
		discord.CmdPrestige:    {handle: s.handlePrestige},
		discord.CmdBan:         {perm: discordgo.PermissionBanMembers, handle: s.handleBan, deferred: true},
		discord.CmdKick:        {perm: discordgo.PermissionKickMembers, handle: s.handleKick, deferred: true},
		discord.CmdTimeout:     {perm: discordgo.PermissionModerateMembers, handle: s.handleTimeout, deferred: true},
		discord.CmdPurge:       {perm: discordgo.PermissionManageMessages, handle: s.handlePurge, deferred: true},
	}
}

func (s *Server) handleDiscordInteraction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !discordgo.VerifyInteraction(r, s.key) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var i discordgo.Interaction
		if err := json.NewDecoder(r.Body).Decode(&i); err != nil {
			http.Error(w, fmt.Sprintf("error decoding: %s", err), http.StatusBadRequest)
			return
		}

		switch i.Type {
		case discordgo.InteractionPing:
			writeResponse(w, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		case discordgo.InteractionApplicationCommand:
			writeResponse(w, s.dispatch(r.Context(), &i))
		default:
			http.Error(w, fmt.Sprintf("unsupported interaction type %d", i.Type), http.StatusBadRequest)
		}
	}
}

// Finds the command's handler and checks the invoker may run it
func (s *Server) dispatch(ctx context.Context, i *discordgo.Interaction) *discordgo.InteractionResponse {
	data := i.ApplicationCommandData()
	cmd, ok := s.commands[data.Name]
	if !ok {
		s.l.Warnw("unknown command", "name", data.Name)
		return ephemeral(fmt.Sprintf("I don't know the command `%s`.", data.Name))
	}

	if cmd.perm != 0 {
		if i.Member == nil || i.GuildID == "" {
			return ephemeral("This command only works in a server.")
		}
		if !hasPermission(i.Member.Permissions, cmd.perm) {
			s.l.Infow("permission denied", "name", data.Name, "user_id", invokerID(i), "guild_id", i.GuildID)
			return ephemeral(fmt.Sprintf("You need the %s permission to use this command.", permissionNames[cmd.perm]))
		}
	}

	if cmd.deferred {
		return s.deferCommand(ctx, i, cmd.handle, optionMap(data.Options))
	}

	return cmd.handle(ctx, i, optionMap(data.Options))
}

// Runs h after the ack has been sent and edits its result into the original
// response. Deferred responses are ephemeral.
func (s *Server) deferCommand(ctx context.Context, i *discordgo.Interaction, h handler, opts options) *discordgo.InteractionResponse {
	// The request is over before h finishes
	ctx = context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		resp := h(ctx, i, opts)
		if resp == nil || resp.Data == nil {
			return
		}

		edit := &discordgo.WebhookEdit{Content: &resp.Data.Content}
		if len(resp.Data.Embeds) > 0 {
			edit.Embeds = &resp.Data.Embeds
		}
		if _, err := s.mod.InteractionResponseEdit(i, edit); err != nil {
			s.l.Errorw("error editing deferred response", "err", err, "name", i.ApplicationCommandData().Name)
		}
	}()

	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}
}

// Shutdown stops the http server, then waits for deferred commands to finish
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	s.inflight.Wait()

	return err
}

var permissionNames = map[int64]string{
	discordgo.PermissionAdministrator:   "Administrator",
	discordgo.PermissionBanMembers:      "Ban Members",
	discordgo.PermissionKickMembers:     "Kick Members",
	discordgo.PermissionModerateMembers: "Timeout Members",
	discordgo.PermissionManageMessages:  "Manage Messages",
}

// Administrator grants everything
func hasPermission(have, need int64) bool {
	if have&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return have&need == need
}

// Member is set in guilds, User in DMs
func invokerID(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func writeResponse(w http.ResponseWriter, resp *discordgo.InteractionResponse) {
	w.Header().Add("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func handleHealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {}
}
