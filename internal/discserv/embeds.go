package discserv

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/jdholdren/levelup/internal/core/models"
	"github.com/jdholdren/levelup/internal/leveling"
	"github.com/jdholdren/levelup/internal/notify"
)

var kindTitles = map[models.Kind]string{
	models.KindText:  "Text",
	models.KindVoice: "Voice",
	models.KindTotal: "Total",
}

var medals = []string{"🥇", "🥈", "🥉"}

func levelCard(u models.UserXP) *discordgo.MessageEmbed {
	desc := fmt.Sprintf("<@%s>", u.UserID)
	if u.ProfileText != "" {
		desc += "\n> " + u.ProfileText
	}

	fields := make([]*discordgo.MessageEmbedField, 0, 4)
	for _, k := range []models.Kind{models.KindText, models.KindVoice, models.KindTotal} {
		fields = append(fields, progressField(u, k))
	}
	if u.Prestige > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Prestige",
			Value: strings.Repeat("⭐", u.Prestige),
		})
	}

	return &discordgo.MessageEmbed{
		Title:       "Level card",
		Description: desc,
		Color:       notify.Color,
		Fields:      fields,
	}
}

func progressField(u models.UserXP, k models.Kind) *discordgo.MessageEmbedField {
	xp, level := u.XP(k), u.Level(k)
	p := leveling.NewProgress(xp, level, leveling.BarLength)

	return &discordgo.MessageEmbedField{
		Name: kindTitles[k],
		Value: fmt.Sprintf("Level **%s** · %s xp\n`%s` %d%%",
			humanize.Comma(int64(level)),
			humanize.Comma(int64(xp)),
			p.Bar(leveling.BarLength),
			p.Percent,
		),
	}
}

func leaderboardEmbed(kind models.Kind, us []models.UserXP) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%s leaderboard", kindTitles[kind]),
		Color: notify.Color,
	}
	if len(us) == 0 {
		e.Description = "No one has earned any xp yet."
		return e
	}

	lines := make([]string, 0, len(us))
	for i, u := range us {
		rank := fmt.Sprintf("**%d.**", i+1)
		if i < len(medals) {
			rank = medals[i]
		}
		lines = append(lines, fmt.Sprintf("%s <@%s> · level %d · %s xp",
			rank, u.UserID, u.Level(kind), humanize.Comma(int64(u.XP(kind)))))
	}
	e.Description = strings.Join(lines, "\n")

	return e
}
