package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

// RoomSync reconciles persisted groups against rooms that exist on the
// gateway. Handles can only join rooms that exist, so this runs once per
// successful gateway (re)connection, before clients are admitted to
// anything new.
type RoomSync struct {
	gw core.GatewayClient
}

func NewRoomSync(gw core.GatewayClient) *RoomSync {
	return &RoomSync{gw: gw}
}

// Reconcile creates every missing room. It never deletes rooms: deletion
// belongs to the group lifecycle in the persistence layer. A failure on one
// room is logged and the rest are still reconciled.
func (s *RoomSync) Reconcile(ctx context.Context, groups []domain.Group) {
	existing := make(map[domain.RoomID]struct{})
	rooms, err := s.gw.ListRooms(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "app.sync").Msg("list gateway rooms failed, assuming none")
	}
	for _, r := range rooms {
		existing[r.Room] = struct{}{}
	}

	created := 0
	for _, g := range groups {
		if _, ok := existing[g.RoomID]; ok {
			continue
		}
		if err := s.gw.CreateRoom(ctx, g.RoomID, g.RoomDescription()); err != nil {
			log.Error().Err(err).Str("module", "app.sync").
				Int64("group", int64(g.ID)).Int64("room", int64(g.RoomID)).Msg("create room failed")
			continue
		}
		created++
	}
	log.Info().Str("module", "app.sync").Int("groups", len(groups)).
		Int("existing", len(existing)).Int("created", created).Msg("rooms reconciled")
}
