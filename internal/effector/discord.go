package effector

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// denyMask covers both restriction shapes: muting a text channel and
// hiding a category.
const denyMask = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages |
	discordgo.PermissionVoiceSpeak

// Discord applies per-member permission overwrites through the gateway
// session. All operations are idempotent; the state cache is only used to
// skip writes that would change nothing.
type Discord struct {
	session *discordgo.Session
	guildID string
	logger  *zap.Logger
	limiter *rate.Limiter
}

func NewDiscord(session *discordgo.Session, guildID string, logger *zap.Logger) *Discord {
	return &Discord{
		session: session,
		guildID: guildID,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
}

// Restrict sets a deny overwrite for the member on one scope. Applying it
// twice leaves the overwrite unchanged.
func (d *Discord) Restrict(ctx context.Context, memberID, scope string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	if overwrite, known := d.overwrite(scope, memberID); known && overwrite != nil && overwrite.Deny&denyMask == denyMask {
		d.logger.Debug("restriction already in place", zap.String("member_id", memberID), zap.String("scope", scope))
		return nil
	}
	return d.session.ChannelPermissionSet(scope, memberID, discordgo.PermissionOverwriteTypeMember, 0, denyMask)
}

// Restore deletes the member overwrite so inherited permissions apply
// again. Restoring an already-restored member is a no-op.
func (d *Discord) Restore(ctx context.Context, memberID, scope string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	if overwrite, known := d.overwrite(scope, memberID); known && overwrite == nil {
		d.logger.Debug("overwrite already absent", zap.String("member_id", memberID), zap.String("scope", scope))
		return nil
	}
	return d.session.ChannelPermissionDelete(scope, memberID)
}

// Reveal sets an allow overwrite so the member can see a scope that is
// hidden by default. Idempotent like Restrict.
func (d *Discord) Reveal(ctx context.Context, memberID, scope string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	if overwrite, known := d.overwrite(scope, memberID); known && overwrite != nil && overwrite.Allow&discordgo.PermissionViewChannel != 0 {
		return nil
	}
	return d.session.ChannelPermissionSet(scope, memberID, discordgo.PermissionOverwriteTypeMember, discordgo.PermissionViewChannel, 0)
}

func (d *Discord) RemoveRole(ctx context.Context, memberID, roleID string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.session.GuildMemberRoleRemove(d.guildID, memberID, roleID)
}

// overwrite looks up the member overwrite in the state cache. The second
// return reports whether the channel was cached at all; correctness never
// depends on the cache, only write-skipping does.
func (d *Discord) overwrite(scope, memberID string) (*discordgo.PermissionOverwrite, bool) {
	if d.session == nil || d.session.State == nil {
		return nil, false
	}
	channel, err := d.session.State.Channel(scope)
	if err != nil || channel == nil {
		return nil, false
	}
	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite.Type == discordgo.PermissionOverwriteTypeMember && overwrite.ID == memberID {
			return overwrite, true
		}
	}
	return nil, true
}
