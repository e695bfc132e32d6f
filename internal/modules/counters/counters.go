package counters

import (
	"fmt"

	"warden/internal/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Renamer schedules a channel rename; the bot's debounced queue satisfies
// it.
type Renamer interface {
	Schedule(channelID, name string)
}

// Module keeps the counter channels named after live member tallies.
type Module struct {
	cfg    config.CountersConfig
	rename Renamer
	logger *zap.Logger
}

func New(cfg config.CountersConfig, rename Renamer, logger *zap.Logger) *Module {
	return &Module{cfg: cfg, rename: rename, logger: logger}
}

// Refresh recomputes all counters from the cached guild and schedules the
// renames. Bots and the excluded role never count.
func (m *Module) Refresh(guild *discordgo.Guild) {
	if guild == nil {
		return
	}
	humans, online := Tally(guild.Members, guild.Presences, m.cfg.ExcludedRole)

	if m.cfg.AllChannel != "" {
		m.rename.Schedule(m.cfg.AllChannel, fmt.Sprintf("All Members: %d", guild.MemberCount))
	}
	if m.cfg.MembersChannel != "" {
		m.rename.Schedule(m.cfg.MembersChannel, fmt.Sprintf("Members: %d", humans))
	}
	if m.cfg.OnlineChannel != "" {
		m.rename.Schedule(m.cfg.OnlineChannel, fmt.Sprintf("Online: %d", online))
	}
	m.logger.Debug("counters refreshed", zap.Int("humans", humans), zap.Int("online", online))
}

// Tally counts non-bot members outside the excluded role, and how many of
// them have a non-offline presence.
func Tally(members []*discordgo.Member, presences []*discordgo.Presence, excludedRole string) (humans, online int) {
	status := make(map[string]discordgo.Status, len(presences))
	for _, presence := range presences {
		if presence == nil || presence.User == nil {
			continue
		}
		status[presence.User.ID] = presence.Status
	}

	for _, member := range members {
		if member == nil || member.User == nil || member.User.Bot {
			continue
		}
		if excludedRole != "" && hasRole(member, excludedRole) {
			continue
		}
		humans++
		if s, ok := status[member.User.ID]; ok && s != discordgo.StatusOffline {
			online++
		}
	}
	return humans, online
}

func hasRole(member *discordgo.Member, roleID string) bool {
	for _, id := range member.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}
