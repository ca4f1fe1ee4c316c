// Package coord routes inbound signaling events: it mutates presence state
// synchronously, drives the gateway asynchronously, and fans notifications
// out to the affected connections.
package coord

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/app"
	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

type Coordinator struct {
	Presence *app.Presence
	Handles  *app.Handles
	Groups   core.GroupLookup
}

// OnConnect binds the connection and hands the client an opaque user id it
// may adopt if it has none of its own.
func (c *Coordinator) OnConnect(conn core.ConnID, sig core.SignalConnection, cancel context.CancelFunc) {
	c.Presence.Bind(conn, sig, cancel)
	c.send(sig, core.UserAssigned{Type: core.EvUserID, UserID: domain.UserID(uuid.NewString())})
}

// OnDisconnect tears down everything the connection owned. Every step runs
// even if an earlier one failed; gateway cleanup is best-effort and never
// blocks the teardown of the registries.
func (c *Coordinator) OnDisconnect(ctx context.Context, conn core.ConnID) {
	dep := c.Presence.RemoveConn(conn)
	if dep.User == nil {
		log.Debug().Str("module", "coord").Str("conn", string(conn)).Msg("unknown connection disconnected")
		return
	}

	for _, pid := range dep.Productions {
		c.broadcastProduction(pid, conn, core.UserLeft{
			Type:         core.EvUserLeft,
			ProductionID: pid,
			UserID:       dep.User.ID,
			ConnID:       conn,
		})
	}

	for _, gid := range dep.PublisherGroups {
		c.broadcastGroup(gid, "", vacantPublisher(gid, false))
	}

	user := dep.User.ID
	go func(ctx context.Context) {
		res := c.Handles.CleanupAll(ctx, user)
		for _, err := range res.Errors {
			log.Warn().Err(err).Str("module", "coord").Str("user", string(user)).Msg("handle cleanup failure")
		}
	}(context.WithoutCancel(ctx))

	log.Info().Str("module", "coord").Str("conn", string(conn)).Str("user", string(user)).Msg("disconnected")
}

// -------------------------
// fan-out helpers
// -------------------------

func (c *Coordinator) send(sig core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "coord").Msg("marshal event")
		return
	}
	if err := sig.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "coord").Msg("send dropped")
	}
}

func (c *Coordinator) sendTo(conn core.ConnID, v any) {
	if sig, ok := c.Presence.SignalOf(conn); ok {
		c.send(sig, v)
	}
}

func (c *Coordinator) sendError(conn core.ConnID, msg string) {
	c.sendTo(conn, core.ErrorEvent{Type: core.EvError, Error: msg})
}

// broadcastProduction delivers to every member of the production except
// the given connection (pass "" to include everyone).
func (c *Coordinator) broadcastProduction(pid domain.ProductionID, except core.ConnID, v any) {
	for _, m := range c.Presence.ProductionMembers(pid) {
		if m.Conn == except || m.Signal == nil {
			continue
		}
		c.send(m.Signal, v)
	}
}

func (c *Coordinator) broadcastGroup(gid domain.GroupID, except core.ConnID, v any) {
	for _, m := range c.Presence.GroupMembers(gid) {
		if m.Conn == except || m.Signal == nil {
			continue
		}
		c.send(m.Signal, v)
	}
}

// BroadcastProductionUpdated lets the REST layer nudge connected clients
// after a production record changes.
func (c *Coordinator) BroadcastProductionUpdated(pid domain.ProductionID) {
	c.broadcastProduction(pid, "", core.ProductionUpdated{Type: core.EvProductionUpdated, ProductionID: pid})
}

func (c *Coordinator) BroadcastGroupUpdated(pid domain.ProductionID, gid domain.GroupID) {
	c.broadcastProduction(pid, "", core.GroupUpdated{Type: core.EvGroupUpdated, ProductionID: pid, GroupID: gid})
}

func vacantPublisher(gid domain.GroupID, replaced bool) core.PublisherChanged {
	return core.PublisherChanged{
		Type:     core.EvPublisherChanged,
		GroupID:  gid,
		Replaced: replaced,
	}
}

func currentPublisher(gid domain.GroupID, pub app.Publisher) core.PublisherChanged {
	return core.PublisherChanged{
		Type:        core.EvPublisherChanged,
		GroupID:     gid,
		UserID:      &pub.UserID,
		DisplayName: &pub.DisplayName,
		ConnID:      &pub.Conn,
	}
}
