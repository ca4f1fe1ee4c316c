package coord

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/app"
	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

// Relay operations are client-driven gateway calls. Their outcome — data or
// a human-readable error — goes back to the originating connection only,
// never to the rest of the group.

// CreateHandle attaches (or reuses) the caller's handle for a group and
// replies with its id.
func (c *Coordinator) CreateHandle(ctx context.Context, conn core.ConnID, plugin string, gid domain.GroupID) {
	user, ok := c.Presence.UserOf(conn)
	if !ok {
		c.sendError(conn, "join a production before creating handles")
		return
	}
	go func(ctx context.Context) {
		h, err := c.Handles.GetOrCreate(ctx, app.HandleKey{User: user.ID, Group: gid}, plugin)
		if err != nil {
			log.Error().Err(err).Str("module", "coord").Str("conn", string(conn)).Msg("create handle failed")
			c.sendError(conn, err.Error())
			return
		}
		c.sendTo(conn, core.HandleCreated{Type: core.EvHandleCreated, HandleID: h.ID()})
	}(context.WithoutCancel(ctx))
}

// RelayMessage dispatches a validated join/configure/leave to the handle
// and replies with the gateway response.
func (c *Coordinator) RelayMessage(ctx context.Context, conn core.ConnID, id core.HandleID, body core.BridgeRequest, jsep *webrtc.SessionDescription) {
	go func(ctx context.Context) {
		reply, err := c.Handles.Relay(ctx, id, body, jsep)
		if err != nil {
			log.Error().Err(err).Str("module", "coord").Str("conn", string(conn)).
				Uint64("handle", uint64(id)).Str("request", string(body.Request)).Msg("relay message failed")
			c.sendError(conn, err.Error())
			return
		}
		c.sendTo(conn, core.MessageResponse{Type: core.EvMessageResponse, Data: reply.Data, Jsep: reply.Jsep})
	}(context.WithoutCancel(ctx))
}

// RelayTrickle forwards an ICE candidate, or end-of-candidates when nil.
func (c *Coordinator) RelayTrickle(ctx context.Context, conn core.ConnID, id core.HandleID, candidate *webrtc.ICECandidateInit) {
	go func(ctx context.Context) {
		if err := c.Handles.RelayTrickle(ctx, id, candidate); err != nil {
			log.Error().Err(err).Str("module", "coord").Str("conn", string(conn)).Uint64("handle", uint64(id)).Msg("relay trickle failed")
			c.sendError(conn, err.Error())
			return
		}
		c.sendTo(conn, core.TrickleResponse{Type: core.EvTrickleResponse})
	}(context.WithoutCancel(ctx))
}
