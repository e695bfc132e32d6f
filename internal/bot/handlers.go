package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"warden/internal/penalty"

	"github.com/bwmarrin/discordgo"
)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}

	ctx := context.Background()
	data := interaction.ApplicationCommandData()
	switch data.Name {
	case "status":
		b.handleStatus(ctx, session, interaction)
	case "violations":
		b.handleViolations(session, interaction, data.Options)
	}
}

func (b *Bot) handleStatus(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	report, err := b.analytics.Report(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Status", "Audit trail unavailable.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Events (24h)", Value: fmt.Sprintf("%d", report.Total), Inline: true},
		{Name: "Activity", Value: b.activity.Status(time.Now()), Inline: true},
	}
	if last := b.activity.LastMessage(); !last.IsZero() {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Last message", Value: last.UTC().Format(time.RFC3339), Inline: true})
	}
	if len(report.ByLevel) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "By level", Value: formatCounts(report.ByLevel), Inline: false})
	}
	if len(report.ByEvent) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "By event", Value: formatCounts(report.ByEvent), Inline: false})
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Status", "Last 24 hours of recorded activity.", b.cfg.Notifications.EmbedColors.Action, fields), true)
}

func (b *Bot) handleViolations(session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		b.respondEmbed(session, interaction, b.commandEmbed("Violations", "A member is required.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	user := options[0].UserValue(session)
	if user == nil {
		b.respondEmbed(session, interaction, b.commandEmbed("Violations", "Member not found.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(b.cfg.Penalties))
	kinds := make([]string, 0, len(b.cfg.Penalties))
	for name := range b.cfg.Penalties {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)
	for _, name := range kinds {
		record := b.engine.Record(user.ID, penalty.Kind(name))
		value := fmt.Sprintf("count %d", record.Count)
		if record.ExpiresAt != nil {
			value += ", expires " + record.ExpiresAt.UTC().Format(time.RFC3339)
		} else if record.Count > 0 {
			value += ", no active timer"
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true})
	}

	b.respondEmbed(session, interaction, b.commandEmbed("Violations", "Record for <@"+user.ID+">", b.cfg.Notifications.EmbedColors.Action, fields), true)
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s: %d", key, counts[key]))
	}
	return strings.Join(lines, "\n")
}
