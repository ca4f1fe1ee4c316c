package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/intercom/internal/adapters/gateway"
	"github.com/dkeye/intercom/internal/domain"
)

func TestRoomSync_CreatesMissingRooms(t *testing.T) {
	gw := gateway.NewMemory()
	require.NoError(t, gw.CreateRoom(context.Background(), 1001, "A"))

	s := NewRoomSync(gw)
	s.Reconcile(context.Background(), []domain.Group{
		{ID: 1, Name: "A", RoomID: 1001},
		{ID: 2, Name: "B", RoomID: 1002},
		{ID: 3, Name: "C", RoomID: 1003},
	})

	rooms, err := gw.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Len(t, rooms, 3)
}

func TestRoomSync_NeverDeletesExtraRooms(t *testing.T) {
	gw := gateway.NewMemory()
	require.NoError(t, gw.CreateRoom(context.Background(), 2000, "manual"))

	s := NewRoomSync(gw)
	s.Reconcile(context.Background(), []domain.Group{{ID: 1, Name: "A", RoomID: 1001}})

	rooms, err := gw.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Len(t, rooms, 2, "rooms unknown to the store are left alone")
}

func TestRoomSync_EnablesJoinsOnFreshGateway(t *testing.T) {
	gw := gateway.NewMemory()
	groups := []domain.Group{{ID: 1, Name: "Camera", RoomID: 1001}}

	s := NewRoomSync(gw)
	s.Reconcile(context.Background(), groups)

	r := NewHandles(gw, 0)
	_, err := r.JoinRoom(context.Background(), HandleKey{User: "alice", Group: 1}, 1001, "Alice", true)
	require.NoError(t, err, "persisted groups must be joinable after reconciliation")
}

func TestRoomSync_Idempotent(t *testing.T) {
	gw := gateway.NewMemory()
	s := NewRoomSync(gw)
	groups := []domain.Group{{ID: 1, Name: "A", RoomID: 1001}}

	s.Reconcile(context.Background(), groups)
	s.Reconcile(context.Background(), groups)

	rooms, err := gw.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}
