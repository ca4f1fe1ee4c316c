package coord

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/app"
	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

// JoinProduction registers the connection's identity, replies with the
// current member list and announces the newcomer to the rest.
func (c *Coordinator) JoinProduction(ctx context.Context, conn core.ConnID, pid domain.ProductionID, userID domain.UserID, displayName string) {
	user, err := domain.NewUser(userID, displayName)
	if err != nil {
		log.Warn().Err(err).Str("module", "coord").Str("conn", string(conn)).Msg("rejected production join")
		c.sendError(conn, err.Error())
		return
	}
	c.Presence.Identify(conn, user)

	prev, moved := c.Presence.JoinProduction(conn, pid, user)
	if moved {
		c.broadcastProduction(prev, conn, core.UserLeft{
			Type:         core.EvUserLeft,
			ProductionID: prev,
			UserID:       user.ID,
			ConnID:       conn,
		})
	}

	members := c.Presence.ProductionMembers(pid)
	users := make([]domain.User, 0, len(members))
	for _, m := range members {
		if m.User != nil {
			users = append(users, *m.User)
		}
	}
	c.sendTo(conn, core.UsersList{Type: core.EvUsersList, Users: users})

	c.broadcastProduction(pid, conn, core.UserJoined{
		Type:         core.EvUserJoined,
		ProductionID: pid,
		UserID:       user.ID,
		DisplayName:  user.DisplayName,
		ConnID:       conn,
	})
}

// LeaveProduction removes production membership only. Group membership is
// deliberately untouched: leaving a production's presence does not tear
// down its audio sessions.
func (c *Coordinator) LeaveProduction(ctx context.Context, conn core.ConnID, pid domain.ProductionID) {
	if !c.Presence.LeaveProduction(conn, pid) {
		return
	}
	user, ok := c.Presence.UserOf(conn)
	if !ok {
		return
	}
	c.broadcastProduction(pid, conn, core.UserLeft{
		Type:         core.EvUserLeft,
		ProductionID: pid,
		UserID:       user.ID,
		ConnID:       conn,
	})
}

// JoinGroup adds group presence, tells the joiner who currently publishes,
// and drives the gateway-side room join in the background. Presence and
// media session are tracked independently: a gateway failure leaves the
// user in the group with no working audio rather than flapping presence.
func (c *Coordinator) JoinGroup(ctx context.Context, conn core.ConnID, gid domain.GroupID) {
	c.Presence.JoinGroup(conn, gid)

	user, ok := c.Presence.UserOf(conn)
	if !ok {
		return
	}

	if pub, ok := c.Presence.Publisher(gid); ok {
		c.sendTo(conn, currentPublisher(gid, pub))
	}

	go func(ctx context.Context) {
		group, err := c.Groups.GroupByID(ctx, gid)
		if err != nil {
			log.Error().Err(err).Str("module", "coord").Int64("group", int64(gid)).Msg("group lookup failed, no media session")
			return
		}
		key := app.HandleKey{User: user.ID, Group: gid}
		if _, err := c.Handles.JoinRoom(ctx, key, group.RoomID, user.DisplayName, group.Settings.MutedByDefault); err != nil {
			log.Error().Err(err).Str("module", "coord").Str("user", string(user.ID)).
				Int64("group", int64(gid)).Msg("gateway room join failed, presence kept")
		}
	}(context.WithoutCancel(ctx))
}

// LeaveGroup removes group presence, vacates the publisher slot if held and
// tears down the gateway-side session. Safe to call twice.
func (c *Coordinator) LeaveGroup(ctx context.Context, conn core.ConnID, gid domain.GroupID) {
	left := c.Presence.LeaveGroup(conn, gid)

	if c.Presence.ClearPublisher(gid, conn) {
		c.broadcastGroup(gid, "", vacantPublisher(gid, false))
	}

	user, ok := c.Presence.UserOf(conn)
	if !ok || !left {
		return
	}
	go func(ctx context.Context) {
		c.Handles.LeaveRoom(ctx, app.HandleKey{User: user.ID, Group: gid})
	}(context.WithoutCancel(ctx))
}

// TalkingStart marks the connection talking in the group, unmutes it at
// the gateway and tells the rest of the group.
func (c *Coordinator) TalkingStart(ctx context.Context, conn core.ConnID, gid domain.GroupID) {
	user, ok := c.Presence.UserOf(conn)
	if !ok {
		log.Warn().Str("module", "coord").Str("conn", string(conn)).Int64("group", int64(gid)).Msg("unknown user tried to start talking")
		return
	}
	c.Presence.StartTalking(conn, gid)

	go func(ctx context.Context) {
		if err := c.Handles.SetMute(ctx, app.HandleKey{User: user.ID, Group: gid}, false); err != nil {
			log.Warn().Err(err).Str("module", "coord").Str("user", string(user.ID)).Int64("group", int64(gid)).Msg("gateway unmute failed")
		}
	}(context.WithoutCancel(ctx))

	c.broadcastGroup(gid, conn, core.Talking{
		Type:        core.EvTalkingStart,
		GroupID:     gid,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		ConnID:      conn,
	})
}

func (c *Coordinator) TalkingStop(ctx context.Context, conn core.ConnID, gid domain.GroupID) {
	user, ok := c.Presence.UserOf(conn)
	if !ok {
		log.Warn().Str("module", "coord").Str("conn", string(conn)).Int64("group", int64(gid)).Msg("unknown user tried to stop talking")
		return
	}
	c.Presence.StopTalking(conn, gid)

	go func(ctx context.Context) {
		if err := c.Handles.SetMute(ctx, app.HandleKey{User: user.ID, Group: gid}, true); err != nil {
			log.Warn().Err(err).Str("module", "coord").Str("user", string(user.ID)).Int64("group", int64(gid)).Msg("gateway mute failed")
		}
	}(context.WithoutCancel(ctx))

	c.broadcastGroup(gid, conn, core.Talking{
		Type:    core.EvTalkingStop,
		GroupID: gid,
		UserID:  user.ID,
		ConnID:  conn,
	})
}
