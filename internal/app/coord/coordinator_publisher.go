package coord

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/app"
	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

// ClaimPublisher runs the publisher slot state machine:
// Empty -> Claimed(user), Claimed(user) -> Claimed(user) is a no-op, and
// Claimed(A) -> Claimed(B) displaces A with a directed "replaced"
// notification and a gateway mute. Every group member then learns the new
// publisher identity.
func (c *Coordinator) ClaimPublisher(ctx context.Context, conn core.ConnID, gid domain.GroupID) {
	user, ok := c.Presence.UserOf(conn)
	if !ok {
		log.Warn().Str("module", "coord").Str("conn", string(conn)).Int64("group", int64(gid)).Msg("unknown user tried to claim publisher")
		return
	}

	if cur, ok := c.Presence.Publisher(gid); ok && cur.Conn == conn {
		return
	}

	pub := app.Publisher{Conn: conn, UserID: user.ID, DisplayName: user.DisplayName}
	prev, replaced := c.Presence.SetPublisher(gid, pub)

	if replaced {
		c.sendTo(prev.Conn, vacantPublisher(gid, true))
		go func(ctx context.Context) {
			if err := c.Handles.SetMute(ctx, app.HandleKey{User: prev.UserID, Group: gid}, true); err != nil {
				log.Warn().Err(err).Str("module", "coord").Str("user", string(prev.UserID)).
					Int64("group", int64(gid)).Msg("gateway mute of replaced publisher failed")
			}
		}(context.WithoutCancel(ctx))
	}

	go func(ctx context.Context) {
		if err := c.Handles.SetMute(ctx, app.HandleKey{User: user.ID, Group: gid}, false); err != nil {
			log.Warn().Err(err).Str("module", "coord").Str("user", string(user.ID)).
				Int64("group", int64(gid)).Msg("gateway unmute of publisher failed")
		}
	}(context.WithoutCancel(ctx))

	c.broadcastGroup(gid, "", currentPublisher(gid, pub))
}

// ToggleMute flips the user's local mute for a group. Muting suspends the
// gateway session; unmuting resumes it with the mute flag recomputed so a
// user who is neither talking nor publishing stays silent.
func (c *Coordinator) ToggleMute(ctx context.Context, conn core.ConnID, gid domain.GroupID, muted bool) {
	user, ok := c.Presence.UserOf(conn)
	if !ok {
		log.Warn().Str("module", "coord").Str("conn", string(conn)).Int64("group", int64(gid)).Msg("unknown user tried to toggle mute")
		return
	}
	c.Presence.SetGroupMuted(user.ID, gid, muted)

	key := app.HandleKey{User: user.ID, Group: gid}
	talking := c.Presence.IsTalking(conn, gid)
	pub, hasPub := c.Presence.Publisher(gid)
	isPublisher := hasPub && pub.UserID == user.ID

	go func(ctx context.Context) {
		var err error
		if muted {
			err = c.Handles.SuspendAudio(ctx, key)
		} else {
			err = c.Handles.ResumeAudio(ctx, key, !(talking || isPublisher))
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "coord").Str("user", string(user.ID)).
				Int64("group", int64(gid)).Bool("muted", muted).Msg("gateway mute toggle failed")
		}
	}(context.WithoutCancel(ctx))
}
