package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/jdholdren/levelup/internal/leveling"
)

// Names of the slash commands, shared with the interaction handlers
const (
	CmdLevel       = "level"
	CmdLeaderboard = "leaderboard"
	CmdAddXP       = "addxp"
	CmdRemoveXP    = "removexp"
	CmdResetXP     = "resetxp"
	CmdSetChannel  = "setchannel"
	CmdProfile     = "profile"
	CmdPrestige    = "prestige"
	CmdBan         = "ban"
	CmdKick        = "kick"
	CmdTimeout     = "timeout"
	CmdPurge       = "purge"
)

// Values for the setchannel type option
const (
	ChannelNotifications = "notifications"
	ChannelLogs          = "logs"
)

func perms(p int64) *int64 {
	return &p
}

func minValue(v float64) *float64 {
	return &v
}

func kindOption(description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "type",
		Description: description,
		Required:    required,
		Choices: []*discordgo.ApplicationCommandOptionChoice{
			{Name: "Text", Value: "text"},
			{Name: "Voice", Value: "voice"},
		},
	}
}

func userOption(description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        "user",
		Description: description,
		Required:    required,
	}
}

func reasonOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "reason",
		Description: "Shown in the log channel",
		MaxLength:   400,
	}
}

func amountOption(description string, upper float64) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        "amount",
		Description: description,
		Required:    true,
		MinValue:    minValue(1),
		MaxValue:    upper,
	}
}

// Commands is every slash command the app supports
func Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        CmdLevel,
			Description: "Show a level card",
			Options: []*discordgo.ApplicationCommandOption{
				userOption("Whose card to show, defaults to you", false),
			},
		},
		{
			Name:        CmdLeaderboard,
			Description: "Show the top 10",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "type",
					Description: "Which xp to rank by, defaults to total",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Text", Value: "text"},
						{Name: "Voice", Value: "voice"},
						{Name: "Total", Value: "total"},
					},
				},
			},
		},
		{
			Name:                     CmdAddXP,
			Description:              "Give a user xp",
			DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
			Options: []*discordgo.ApplicationCommandOption{
				userOption("The user to give xp to", true),
				amountOption("How much xp", 1_000_000),
				kindOption("Which counter to add to", true),
			},
		},
		{
			Name:                     CmdRemoveXP,
			Description:              "Take xp from a user",
			DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
			Options: []*discordgo.ApplicationCommandOption{
				userOption("The user to take xp from", true),
				amountOption("How much xp", 1_000_000),
				kindOption("Which counter to take from", true),
			},
		},
		{
			Name:                     CmdResetXP,
			Description:              "Reset all of a user's xp",
			DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
			Options: []*discordgo.ApplicationCommandOption{
				userOption("The user to reset", true),
			},
		},
		{
			Name:                     CmdSetChannel,
			Description:              "Choose where the bot posts",
			DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "type",
					Description: "Which messages go to the channel",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Level ups", Value: ChannelNotifications},
						{Name: "Moderation log", Value: ChannelLogs},
					},
				},
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "The channel to post in",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
		{
			Name:        CmdProfile,
			Description: "Set the text on your level card",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "text",
					Description: "Can be changed once every 30 days",
					Required:    true,
					MaxLength:   leveling.ProfileTextMaxLen,
				},
			},
		},
		{
			Name:        CmdPrestige,
			Description: "Reset your xp at max level for a prestige rank",
		},
		{
			Name:                     CmdBan,
			Description:              "Ban a member",
			DefaultMemberPermissions: perms(discordgo.PermissionBanMembers),
			Options: []*discordgo.ApplicationCommandOption{
				userOption("The member to ban", true),
				reasonOption(),
			},
		},
		{
			Name:                     CmdKick,
			Description:              "Kick a member",
			DefaultMemberPermissions: perms(discordgo.PermissionKickMembers),
			Options: []*discordgo.ApplicationCommandOption{
				userOption("The member to kick", true),
				reasonOption(),
			},
		},
		{
			Name:                     CmdTimeout,
			Description:              "Time a member out",
			DefaultMemberPermissions: perms(discordgo.PermissionModerateMembers),
			Options: []*discordgo.ApplicationCommandOption{
				userOption("The member to time out", true),
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "minutes",
					Description: "How long, up to 28 days",
					Required:    true,
					MinValue:    minValue(1),
					MaxValue:    MaxTimeoutMinutes,
				},
				reasonOption(),
			},
		},
		{
			Name:                     CmdPurge,
			Description:              "Delete recent messages in this channel",
			DefaultMemberPermissions: perms(discordgo.PermissionManageMessages),
			Options: []*discordgo.ApplicationCommandOption{
				amountOption("How many messages", MaxPurge),
			},
		},
	}
}

const (
	// Discord caps timeouts at 28 days
	MaxTimeoutMinutes = 28 * 24 * 60
	// Bulk delete takes at most 100 ids
	MaxPurge = 100
)
