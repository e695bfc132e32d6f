package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"warden/internal/analytics"
	"warden/internal/config"
	"warden/internal/effector"
	"warden/internal/modules/activity"
	"warden/internal/modules/audit"
	"warden/internal/modules/counters"
	"warden/internal/modules/visibility"
	"warden/internal/penalty"
	"warden/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Bot struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *storage.Store
	audit      *audit.Logger
	analytics  *analytics.Service
	session    *discordgo.Session
	effector   *effector.Discord
	engine     *penalty.Engine
	counters   *counters.Module
	activity   *activity.Monitor
	visibility *visibility.Module
	renames    *renameQueue
	limiter    *rate.Limiter

	penaltyRoles map[string]penalty.Kind

	// roles mirrors each member's last seen role set. Gateway member
	// updates carry only the new set, so the previous one has to come
	// from here when BeforeUpdate is absent.
	rolesMu sync.Mutex
	roles   map[string][]string

	stopCh chan struct{}
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, violations penalty.Store, auditLogger *audit.Logger, analyticsService *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildPresences

	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		audit:     auditLogger,
		analytics: analyticsService,
		session:   session,
		limiter:   rate.NewLimiter(rate.Every(2*time.Second), 2),
		roles:     make(map[string][]string),
		stopCh:    make(chan struct{}),
	}

	b.effector = effector.NewDiscord(session, cfg.GuildID, logger)

	scheduler := penalty.NewScheduler(logger)
	b.engine = penalty.NewEngine(violations, penalty.NewPolicy(cfg.PolicyTables()), scheduler, b.effector, cfg.Bindings(), logger)
	b.engine.SetAuditor(b)

	b.renames = newRenameQueue(500*time.Millisecond, b.renameChannel, logger)
	b.counters = counters.New(cfg.Counters, b.renames, logger)
	b.activity = activity.New(time.Duration(cfg.Activity.IdleMinutes) * time.Minute)
	b.visibility = visibility.New(cfg.Visibility, b.effector, logger)

	b.penaltyRoles = make(map[string]penalty.Kind, len(cfg.Penalties))
	for kind, binding := range cfg.Bindings() {
		if binding.RoleID != "" {
			b.penaltyRoles[binding.RoleID] = kind
		}
	}

	if b.audit != nil {
		b.audit.SetNotifier(func(ctx context.Context, entry storage.AuditLog) {
			if !b.cfg.Notifications.AuditToChannel {
				return
			}
			b.notifyAudit(ctx, entry)
		})
	}

	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildMemberUpdate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onPresenceUpdate)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	if err := b.registerCommands(); err != nil {
		return err
	}

	if err := b.engine.Start(context.Background()); err != nil {
		return fmt.Errorf("penalty engine start: %w", err)
	}

	b.startLoops()

	return nil
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	close(b.stopCh)
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username))
}

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	if event.Guild == nil || event.Guild.ID != b.cfg.GuildID {
		return
	}

	b.rolesMu.Lock()
	for _, member := range event.Members {
		if member == nil || member.User == nil {
			continue
		}
		b.roles[member.User.ID] = append([]string(nil), member.Roles...)
	}
	b.rolesMu.Unlock()

	b.refreshCounters()
	b.refreshActivityChannel()
	b.logger.Info("guild synced", zap.Int("members", len(event.Members)))
}

func (b *Bot) onGuildMemberUpdate(session *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	if event.Member == nil || event.User == nil || event.GuildID != b.cfg.GuildID {
		return
	}
	memberID := event.User.ID
	newRoles := event.Roles

	var oldRoles []string
	if event.BeforeUpdate != nil {
		oldRoles = event.BeforeUpdate.Roles
	} else {
		b.rolesMu.Lock()
		oldRoles = b.roles[memberID]
		b.rolesMu.Unlock()
	}

	b.rolesMu.Lock()
	b.roles[memberID] = append([]string(nil), newRoles...)
	b.rolesMu.Unlock()

	added, removed := diffRoles(oldRoles, newRoles)
	if len(added) == 0 && len(removed) == 0 {
		return
	}

	ctx := context.Background()
	for _, roleID := range added {
		if kind, ok := b.penaltyRoles[roleID]; ok {
			b.engine.HandleGrant(ctx, memberID, kind)
		}
	}
	for _, roleID := range removed {
		if kind, ok := b.penaltyRoles[roleID]; ok {
			b.engine.HandleRemoval(ctx, memberID, kind)
		}
	}
	b.visibility.HandleRoleChange(ctx, memberID, added, removed)
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.Member == nil || event.User == nil || event.GuildID != b.cfg.GuildID {
		return
	}
	b.rolesMu.Lock()
	b.roles[event.User.ID] = append([]string(nil), event.Roles...)
	b.rolesMu.Unlock()
	b.refreshCounters()
}

func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.Member == nil || event.User == nil || event.GuildID != b.cfg.GuildID {
		return
	}
	b.rolesMu.Lock()
	delete(b.roles, event.User.ID)
	b.rolesMu.Unlock()
	b.refreshCounters()
}

func (b *Bot) onPresenceUpdate(session *discordgo.Session, event *discordgo.PresenceUpdate) {
	if event.GuildID != b.cfg.GuildID {
		return
	}
	b.refreshCounters()
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if msg.GuildID != b.cfg.GuildID {
		return
	}
	if b.cfg.Activity.MonitorChannel == "" || msg.ChannelID != b.cfg.Activity.MonitorChannel {
		return
	}
	b.activity.Touch(time.Now())
	b.refreshActivityChannel()
}

// PenaltyEvent records every penalty transition in the audit trail and
// notifies staff when the decision asked for it.
func (b *Bot) PenaltyEvent(ctx context.Context, event penalty.Event) {
	level := audit.LevelInfo
	switch event.Action {
	case penalty.ActionRestricted:
		level = audit.LevelWarn
	case penalty.ActionPermanent:
		level = audit.LevelCrit
	}

	details := fmt.Sprintf("kind=%s count=%d", event.Kind, event.Count)
	if event.ExpiresAt != nil {
		details += " until=" + event.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if b.audit != nil {
		b.audit.Log(ctx, level, event.CaseID, event.MemberID, "penalty_"+event.Action, details)
	}

	if event.Notify && b.cfg.Notifications.StaffNotifyEnabled && b.cfg.StaffLogChannel != "" {
		_, _ = b.session.ChannelMessageSendEmbed(b.cfg.StaffLogChannel, b.buildPenaltyEmbed(event))
	}
}

func (b *Bot) buildPenaltyEmbed(event penalty.Event) *discordgo.MessageEmbed {
	color := b.cfg.Notifications.EmbedColors.Action
	title := "Penalty escalation"
	expires := "never"
	if event.Action == penalty.ActionPermanent {
		color = b.cfg.Notifications.EmbedColors.Warning
		title = "Permanent penalty"
	}
	if event.ExpiresAt != nil {
		expires = event.ExpiresAt.UTC().Format(time.RFC3339)
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: "<@" + event.MemberID + ">", Inline: true},
		{Name: "Kind", Value: string(event.Kind), Inline: true},
		{Name: "Count", Value: fmt.Sprintf("%d", event.Count), Inline: true},
		{Name: "Expires", Value: expires, Inline: true},
		{Name: "Case", Value: event.CaseID, Inline: false},
	}
	return &discordgo.MessageEmbed{
		Title:     title,
		Color:     color,
		Timestamp: time.Now().Format(time.RFC3339),
		Fields:    fields,
	}
}

func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	_ = ctx
	if b.cfg.StaffLogChannel == "" {
		return
	}
	line := fmt.Sprintf("`[%s]` **%s** <@%s> %s (case %s)", entry.Level, entry.Event, entry.MemberID, entry.Details, entry.CaseID)
	_, _ = b.session.ChannelMessageSend(b.cfg.StaffLogChannel, line)
}

func (b *Bot) refreshCounters() {
	if !b.cfg.Counters.Enabled {
		return
	}
	guild, err := b.session.State.Guild(b.cfg.GuildID)
	if err != nil || guild == nil {
		return
	}
	b.counters.Refresh(guild)
}

func (b *Bot) refreshActivityChannel() {
	if b.cfg.Counters.ServerChannel == "" {
		return
	}
	b.renames.Schedule(b.cfg.Counters.ServerChannel, b.activity.ChannelName(time.Now()))
}

func (b *Bot) startLoops() {
	go func() {
		refresh := time.Duration(b.cfg.Counters.RefreshHours) * time.Hour
		if refresh <= 0 {
			refresh = 12 * time.Hour
		}
		check := time.Duration(b.cfg.Activity.CheckMinutes) * time.Minute
		if check <= 0 {
			check = 10 * time.Minute
		}

		refreshTicker := time.NewTicker(refresh)
		checkTicker := time.NewTicker(check)
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer refreshTicker.Stop()
		defer checkTicker.Stop()
		defer cleanupTicker.Stop()

		for {
			select {
			case <-refreshTicker.C:
				b.refreshCounters()
			case <-checkTicker.C:
				b.refreshActivityChannel()
			case <-cleanupTicker.C:
				if err := b.store.CleanupAuditLogs(context.Background(), b.cfg.RetentionDays); err != nil {
					b.logger.Warn("audit log cleanup failed", zap.Error(err))
				}
			case <-b.stopCh:
				return
			}
		}
	}()
}

// renameChannel is the sink of the debounced rename queue. The state cache
// check keeps redundant renames out of the rate budget entirely.
func (b *Bot) renameChannel(channelID, name string) error {
	if channel, err := b.session.State.Channel(channelID); err == nil && channel != nil && channel.Name == name {
		return nil
	}
	if err := b.limiter.Wait(context.Background()); err != nil {
		return err
	}
	_, err := b.session.ChannelEditComplex(channelID, &discordgo.ChannelEdit{Name: name})
	return err
}

func diffRoles(oldRoles, newRoles []string) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(oldRoles))
	for _, id := range oldRoles {
		oldSet[id] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newRoles))
	for _, id := range newRoles {
		newSet[id] = struct{}{}
		if _, ok := oldSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range oldRoles {
		if _, ok := newSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
