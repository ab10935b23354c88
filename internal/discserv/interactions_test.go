package discserv

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jdholdren/levelup/internal/core"
	"github.com/jdholdren/levelup/internal/core/filestore"
	"github.com/jdholdren/levelup/internal/core/models"
	"github.com/jdholdren/levelup/internal/discord"
	"github.com/jdholdren/levelup/internal/metrics"
	"github.com/jdholdren/levelup/internal/notify"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	channels []string
	embeds   []*discordgo.MessageEmbed
}

func (f *fakeSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channels = append(f.channels, channelID)
	f.embeds = append(f.embeds, embed)
	return &discordgo.Message{}, nil
}

type fakeModerator struct {
	calls    []string
	until    *time.Time
	messages []*discordgo.Message
	deleted  []string
	edits    []*discordgo.WebhookEdit
	err      error
}

func (f *fakeModerator) InteractionResponseEdit(_ *discordgo.Interaction, newresp *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.edits = append(f.edits, newresp)
	return &discordgo.Message{}, nil
}

func (f *fakeModerator) GuildBanCreateWithReason(_, userID, _ string, _ int, _ ...discordgo.RequestOption) error {
	f.calls = append(f.calls, "ban "+userID)
	return f.err
}

func (f *fakeModerator) GuildMemberDeleteWithReason(_, userID, _ string, _ ...discordgo.RequestOption) error {
	f.calls = append(f.calls, "kick "+userID)
	return f.err
}

func (f *fakeModerator) GuildMemberTimeout(_, userID string, until *time.Time, _ ...discordgo.RequestOption) error {
	f.calls = append(f.calls, "timeout "+userID)
	f.until = until
	return f.err
}

func (f *fakeModerator) ChannelMessages(_ string, limit int, _, _, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.calls = append(f.calls, "list "+strconv.Itoa(limit))
	return f.messages, f.err
}

func (f *fakeModerator) ChannelMessagesBulkDelete(_ string, messages []string, _ ...discordgo.RequestOption) error {
	f.calls = append(f.calls, "delete")
	f.deleted = messages
	return f.err
}

// Every read and write fails
type brokenStore struct{}

var errBroken = errors.New("disk on fire")

func (brokenStore) GetUser(context.Context, string) (models.UserXP, error) {
	return models.UserXP{}, errBroken
}
func (brokenStore) SaveUser(context.Context, models.UserXP) error { return errBroken }
func (brokenStore) TopUsers(context.Context, models.Kind, int) ([]models.UserXP, error) {
	return nil, errBroken
}
func (brokenStore) GetGuildSettings(context.Context, string) (models.GuildSettings, error) {
	return models.GuildSettings{}, errBroken
}
func (brokenStore) SaveGuildSettings(context.Context, models.GuildSettings) error { return errBroken }

type harness struct {
	s      *Server
	cr     core.Core
	m      *metrics.Metrics
	sender *fakeSender
	mod    *fakeModerator
	priv   ed25519.PrivateKey
}

func newHarness(t *testing.T, store core.Store) harness {
	t.Helper()

	if store == nil {
		fs, err := filestore.Open(t.TempDir())
		require.NoError(t, err)
		store = fs
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cr := core.New(store).WithClock(func() time.Time { return t0 })
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := zap.NewNop().Sugar()
	sender := &fakeSender{}
	mod := &fakeModerator{}

	s, err := New(l, Config{VerifyKey: hex.EncodeToString(pub)}, cr, notify.New(sender, cr, m, l), mod, m, reg)
	require.NoError(t, err)
	s.now = func() time.Time { return t0 }

	return harness{s: s, cr: cr, m: m, sender: sender, mod: mod, priv: priv}
}

// Deferred commands are waited on and their edit returned as the response
func (h harness) run(i *discordgo.Interaction) *discordgo.InteractionResponse {
	resp := h.s.dispatch(context.Background(), i)
	if resp.Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		return resp
	}
	h.s.inflight.Wait()

	edit := h.mod.edits[len(h.mod.edits)-1]
	data := &discordgo.InteractionResponseData{Content: *edit.Content, Flags: resp.Data.Flags}
	if edit.Embeds != nil {
		data.Embeds = *edit.Embeds
	}
	return &discordgo.InteractionResponse{Type: discordgo.InteractionResponseChannelMessageWithSource, Data: data}
}

func (h harness) user(t *testing.T, id string) models.UserXP {
	t.Helper()
	u, err := h.cr.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func cmd(name string, perms int64, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g",
		ChannelID: "general",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "invoker"}, Permissions: perms},
		Data:      discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
	}
}

func userOpt(id string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: "user", Type: discordgo.ApplicationCommandOptionUser, Value: id}
}

// Integers arrive as json numbers
func intOpt(name string, v int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(v)}
}

func strOpt(name, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionString, Value: v}
}

func chanOpt(id string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: "channel", Type: discordgo.ApplicationCommandOptionChannel, Value: id}
}

func snowflakeAt(t time.Time) string {
	const discordEpoch = 1420070400000
	return strconv.FormatInt((t.UnixMilli()-discordEpoch)<<22, 10)
}

func isEphemeral(r *discordgo.InteractionResponse) bool {
	return r.Data.Flags&discordgo.MessageFlagsEphemeral != 0
}

func (h harness) signed(body string) *http.Request {
	const ts = "1709294400"
	sig := ed25519.Sign(h.priv, []byte(ts+body))

	req := httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(body))
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", ts)
	return req
}

func TestInteractionSignature(t *testing.T) {
	h := newHarness(t, nil)
	ping := `{"type": 1}`

	rec := httptest.NewRecorder()
	h.s.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/interactions", strings.NewReader(ping)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signed over a different body
	req := h.signed(`{"type": 2}`)
	req.Body = http.NoBody
	rec = httptest.NewRecorder()
	h.s.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.s.Handler.ServeHTTP(rec, h.signed(ping))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var resp discordgo.InteractionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, discordgo.InteractionResponsePong, resp.Type)
}

func TestLevelOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.cr.ApplyDelta(context.Background(), "u", 1250, models.KindText)
	require.NoError(t, err)

	body := `{
		"type": 2,
		"guild_id": "g",
		"channel_id": "general",
		"member": {"user": {"id": "u"}, "permissions": "0"},
		"data": {"id": "1", "name": "level", "type": 1}
	}`
	rec := httptest.NewRecorder()
	h.s.Handler.ServeHTTP(rec, h.signed(body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp discordgo.InteractionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data.Embeds, 1)

	card := resp.Data.Embeds[0]
	require.Equal(t, "<@u>", card.Description)
	require.Equal(t, "Level **13** · 1,250 xp\n`██████████░░░░░░░░░░` 50%", card.Fields[0].Value)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)

	rec := httptest.NewRecorder()
	h.s.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.s.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "levelup_voice_sessions")
}

func TestPermissionDenied(t *testing.T) {
	cases := []struct {
		name string
		i    *discordgo.Interaction
	}{
		{name: "addxp", i: cmd(discord.CmdAddXP, 0, userOpt("u"), intOpt("amount", 50), strOpt("type", "text"))},
		{name: "removexp", i: cmd(discord.CmdRemoveXP, discordgo.PermissionBanMembers, userOpt("u"), intOpt("amount", 50), strOpt("type", "text"))},
		{name: "resetxp", i: cmd(discord.CmdResetXP, 0, userOpt("u"))},
		{name: "setchannel", i: cmd(discord.CmdSetChannel, discordgo.PermissionManageMessages, strOpt("type", "logs"), chanOpt("logs"))},
		{name: "ban", i: cmd(discord.CmdBan, discordgo.PermissionKickMembers, userOpt("u"))},
		{name: "kick", i: cmd(discord.CmdKick, discordgo.PermissionBanMembers, userOpt("u"))},
		{name: "timeout", i: cmd(discord.CmdTimeout, 0, userOpt("u"), intOpt("minutes", 5))},
		{name: "purge", i: cmd(discord.CmdPurge, discordgo.PermissionKickMembers, intOpt("amount", 5))},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, nil)
			_, _, err := h.cr.ApplyDelta(context.Background(), "u", 200, models.KindText)
			require.NoError(t, err)

			resp := h.run(c.i)

			require.True(t, isEphemeral(resp))
			require.Contains(t, resp.Data.Content, "permission")
			require.Equal(t, 200, h.user(t, "u").TextXP)
			require.Empty(t, h.mod.calls)
			require.Empty(t, h.sender.channels)

			gs, err := h.cr.GuildSettings(context.Background(), "g")
			require.NoError(t, err)
			require.Empty(t, gs.LogChannel)
		})
	}
}

func TestPrivilegedCommandsNeedAGuild(t *testing.T) {
	h := newHarness(t, nil)
	i := cmd(discord.CmdResetXP, discordgo.PermissionAdministrator, userOpt("u"))
	i.GuildID, i.Member, i.User = "", nil, &discordgo.User{ID: "invoker"}

	resp := h.run(i)
	require.True(t, isEphemeral(resp))
	require.Contains(t, resp.Data.Content, "only works in a server")
}

func TestAdministratorImpliesModeration(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.run(cmd(discord.CmdBan, discordgo.PermissionAdministrator, userOpt("u"), strOpt("reason", "spam")))
	require.Equal(t, "Banned <@u>.", resp.Data.Content)
	require.Equal(t, []string{"ban u"}, h.mod.calls)
}

func TestAddXPNotifiesLevelUp(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.run(cmd(discord.CmdAddXP, discordgo.PermissionAdministrator, userOpt("u"), intOpt("amount", 1500), strOpt("type", "voice")))
	require.Equal(t, "Gave 1,500 voice xp to <@u>. They now have 1,500 voice xp (level 16).", resp.Data.Content)

	u := h.user(t, "u")
	require.Equal(t, 1500, u.VoiceXP)
	require.Equal(t, 1500, u.TotalXP)

	// One notification for the final level, in the channel the command ran in
	require.Equal(t, []string{"general"}, h.sender.channels)
	require.Contains(t, h.sender.embeds[0].Description, "voice level 16")
	require.Equal(t, 1500.0, testutil.ToFloat64(h.m.XPAwarded.WithLabelValues("voice")))
}

func TestRemoveXPClampsAtZero(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.cr.ApplyDelta(context.Background(), "u", 30, models.KindText)
	require.NoError(t, err)

	resp := h.run(cmd(discord.CmdRemoveXP, discordgo.PermissionAdministrator, userOpt("u"), intOpt("amount", 100), strOpt("type", "text")))
	require.Equal(t, "Removed 100 text xp from <@u>. They now have 0 text xp (level 1).", resp.Data.Content)
	require.Equal(t, 0, h.user(t, "u").TextXP)
	require.Empty(t, h.sender.channels)
}

func TestAddXPRejectsTotal(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.run(cmd(discord.CmdAddXP, discordgo.PermissionAdministrator, userOpt("u"), intOpt("amount", 10), strOpt("type", "total")))
	require.True(t, isEphemeral(resp))
	require.Equal(t, 0, h.user(t, "u").TotalXP)
}

func TestResetXP(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.cr.ApplyDelta(context.Background(), "u", 300, models.KindVoice)
	require.NoError(t, err)

	h.run(cmd(discord.CmdResetXP, discordgo.PermissionAdministrator, userOpt("u")))
	require.Equal(t, 0, h.user(t, "u").TotalXP)
}

func TestLevelDegradesOnStorageError(t *testing.T) {
	h := newHarness(t, brokenStore{})

	resp := h.run(cmd(discord.CmdLevel, 0, userOpt("u")))

	require.Len(t, resp.Data.Embeds, 1)
	require.Equal(t, "Level **1** · 0 xp\n`░░░░░░░░░░░░░░░░░░░░` 0%", resp.Data.Embeds[0].Fields[2].Value)
	require.Equal(t, 1.0, testutil.ToFloat64(h.m.StorageErrors.WithLabelValues("get_user")))

	resp = h.run(cmd(discord.CmdLeaderboard, 0))
	require.Equal(t, "No one has earned any xp yet.", resp.Data.Embeds[0].Description)
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	for id, xp := range map[string]int{"a": 50, "b": 500, "c": 250, "d": 10} {
		_, _, err := h.cr.ApplyDelta(ctx, id, xp, models.KindVoice)
		require.NoError(t, err)
	}
	_, _, err := h.cr.ApplyDelta(ctx, "e", 1000, models.KindText)
	require.NoError(t, err)

	resp := h.run(cmd(discord.CmdLeaderboard, 0, strOpt("type", "voice")))
	board := resp.Data.Embeds[0]

	require.Equal(t, "Voice leaderboard", board.Title)
	lines := strings.Split(board.Description, "\n")
	require.Equal(t, []string{
		"🥇 <@b> · level 6 · 500 xp",
		"🥈 <@c> · level 3 · 250 xp",
		"🥉 <@a> · level 1 · 50 xp",
		"**4.** <@d> · level 1 · 10 xp",
		"**5.** <@e> · level 1 · 0 xp",
	}, lines)

	// Defaults to total
	resp = h.run(cmd(discord.CmdLeaderboard, 0))
	require.True(t, strings.HasPrefix(resp.Data.Embeds[0].Description, "🥇 <@e>"))
}

func TestSetChannelRoutesModLog(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.run(cmd(discord.CmdSetChannel, discordgo.PermissionAdministrator, strOpt("type", discord.ChannelLogs), chanOpt("mod-log")))
	require.Equal(t, "Moderation logs will be posted in <#mod-log>.", resp.Data.Content)

	h.run(cmd(discord.CmdKick, discordgo.PermissionKickMembers, userOpt("u"), strOpt("reason", "rude")))

	require.Equal(t, []string{"kick u"}, h.mod.calls)
	require.Equal(t, []string{"mod-log"}, h.sender.channels)
	fields := h.sender.embeds[0].Fields
	require.Equal(t, "<@u>", fields[0].Value)
	require.Equal(t, "<@invoker>", fields[1].Value)
	require.Equal(t, "rude", fields[2].Value)
}

func TestModerationFailureIsNotLogged(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.cr.SetLogChannel(context.Background(), "g", "mod-log")
	require.NoError(t, err)
	h.mod.err = errors.New("missing permissions")

	resp := h.run(cmd(discord.CmdBan, discordgo.PermissionBanMembers, userOpt("u")))
	require.True(t, isEphemeral(resp))
	require.Contains(t, resp.Data.Content, "Couldn't ban")
	require.Empty(t, h.sender.channels)
	// A later ban by someone else must still reach the log
	require.False(t, h.s.n.Expected("ban", "g", "u"))
}

func TestBanClaimsGatewayEvent(t *testing.T) {
	h := newHarness(t, nil)

	h.run(cmd(discord.CmdBan, discordgo.PermissionBanMembers, userOpt("u")))
	h.run(cmd(discord.CmdKick, discordgo.PermissionKickMembers, userOpt("v")))

	require.True(t, h.s.n.Expected("ban", "g", "u"))
	require.True(t, h.s.n.Expected("kick", "g", "v"))
}

func TestModerationIsDeferred(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.cr.SetLogChannel(context.Background(), "g", "mod-log")
	require.NoError(t, err)

	body := `{
		"type": 2,
		"token": "tok",
		"guild_id": "g",
		"channel_id": "general",
		"member": {"user": {"id": "invoker"}, "permissions": "2"},
		"data": {"id": "1", "name": "kick", "type": 1, "options": [{"name": "user", "type": 6, "value": "u"}]}
	}`
	rec := httptest.NewRecorder()
	h.s.Handler.ServeHTTP(rec, h.signed(body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp discordgo.InteractionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)
	require.True(t, isEphemeral(&resp))

	require.NoError(t, h.s.Shutdown(context.Background()))

	require.Equal(t, []string{"kick u"}, h.mod.calls)
	require.Len(t, h.mod.edits, 1)
	require.Equal(t, "Kicked <@u>.", *h.mod.edits[0].Content)
	require.Nil(t, h.mod.edits[0].Embeds)
	require.Equal(t, []string{"mod-log"}, h.sender.channels)
}

func TestModerationRejectsSelf(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.run(cmd(discord.CmdKick, discordgo.PermissionKickMembers, userOpt("invoker")))
	require.True(t, isEphemeral(resp))
	require.Empty(t, h.mod.calls)
}

func TestTimeout(t *testing.T) {
	h := newHarness(t, nil)

	h.run(cmd(discord.CmdTimeout, discordgo.PermissionModerateMembers, userOpt("u"), intOpt("minutes", 10)))

	require.Equal(t, []string{"timeout u"}, h.mod.calls)
	require.NotNil(t, h.mod.until)
	require.Equal(t, t0.Add(10*time.Minute), *h.mod.until)

	resp := h.run(cmd(discord.CmdTimeout, discordgo.PermissionModerateMembers, userOpt("u"), intOpt("minutes", discord.MaxTimeoutMinutes+1)))
	require.True(t, isEphemeral(resp))
	require.Len(t, h.mod.calls, 1)
}

func TestPurgeSkipsOldMessages(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.cr.SetLogChannel(context.Background(), "g", "mod-log")
	require.NoError(t, err)

	fresh := snowflakeAt(t0.Add(-time.Hour))
	h.mod.messages = []*discordgo.Message{
		{ID: fresh},
		{ID: snowflakeAt(t0.Add(-15 * 24 * time.Hour))},
	}

	resp := h.run(cmd(discord.CmdPurge, discordgo.PermissionManageMessages, intOpt("amount", 2)))

	require.Equal(t, "Deleted 1 messages.", resp.Data.Content)
	require.Equal(t, []string{"list 2", "delete"}, h.mod.calls)
	require.Equal(t, []string{fresh}, h.mod.deleted)
	require.Equal(t, "<#general>", h.sender.embeds[0].Fields[0].Value)
}

func TestProfileCooldown(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.run(cmd(discord.CmdProfile, 0, strOpt("text", "hello there")))
	require.Equal(t, "Your profile text has been updated.", resp.Data.Content)
	require.Equal(t, "hello there", h.user(t, "invoker").ProfileText)

	resp = h.run(cmd(discord.CmdProfile, 0, strOpt("text", "changed my mind")))
	require.Contains(t, resp.Data.Content, "from now")
	require.Equal(t, "hello there", h.user(t, "invoker").ProfileText)

	resp = h.run(cmd(discord.CmdLevel, 0))
	require.Equal(t, "<@invoker>\n> hello there", resp.Data.Embeds[0].Description)
}

func TestPrestigeLocked(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.run(cmd(discord.CmdPrestige, 0))
	require.True(t, isEphemeral(resp))
	require.Contains(t, resp.Data.Content, "you're level 1")
}
