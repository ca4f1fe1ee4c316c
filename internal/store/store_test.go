package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/intercom/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ProductionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProduction(ctx, "Evening Show", "show42")
	require.NoError(t, err)
	assert.Equal(t, "Evening Show", p.Name)
	assert.Equal(t, "show42", p.AccessCode)
	assert.False(t, p.CreatedAt.IsZero())

	byCode, err := s.ProductionByCode(ctx, "show42")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byCode.ID)

	require.NoError(t, s.RenameProduction(ctx, p.ID, "Morning Show"))
	got, err := s.ProductionByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning Show", got.Name)

	all, err := s.ListProductions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteProduction(ctx, p.ID))
	_, err = s.ProductionByID(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.ProductionByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ProductionByCode(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GroupByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RenameProduction(ctx, 999, "x"), ErrNotFound)
	assert.ErrorIs(t, s.DeleteGroup(ctx, 999), ErrNotFound)
}

func TestStore_DuplicateAccessCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateProduction(ctx, "One", "code")
	require.NoError(t, err)
	_, err = s.CreateProduction(ctx, "Two", "code")
	assert.Error(t, err)
}

func TestStore_GroupRoomIDAllocation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProduction(ctx, "Show", "code")
	require.NoError(t, err)

	g1, err := s.CreateGroup(ctx, p.ID, "Camera", domain.GroupIntercom, domain.DefaultGroupSettings())
	require.NoError(t, err)
	g2, err := s.CreateGroup(ctx, p.ID, "Sound", domain.GroupIntercom, domain.DefaultGroupSettings())
	require.NoError(t, err)

	assert.EqualValues(t, 1001, g1.RoomID, "room ids start above the hand-provisioned range")
	assert.EqualValues(t, 1002, g2.RoomID)
}

func TestStore_GroupSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProduction(ctx, "Show", "code")
	require.NoError(t, err)

	settings := domain.GroupSettings{
		NoiseSuppression: false,
		EchoCancellation: true,
		MutedByDefault:   false,
	}
	g, err := s.CreateGroup(ctx, p.ID, "Program", domain.GroupProgram, settings)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupProgram, g.Type)
	assert.Equal(t, settings, g.Settings)

	settings.MutedByDefault = true
	require.NoError(t, s.UpdateGroup(ctx, g.ID, "Program Feed", settings))
	got, err := s.GroupByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Program Feed", got.Name)
	assert.True(t, got.Settings.MutedByDefault)
}

func TestStore_DeleteProductionCascadesGroups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProduction(ctx, "Show", "code")
	require.NoError(t, err)
	g, err := s.CreateGroup(ctx, p.ID, "Camera", domain.GroupIntercom, domain.DefaultGroupSettings())
	require.NoError(t, err)

	require.NoError(t, s.DeleteProduction(ctx, p.ID))
	_, err = s.GroupByID(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GroupsByProduction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p1, err := s.CreateProduction(ctx, "One", "c1")
	require.NoError(t, err)
	p2, err := s.CreateProduction(ctx, "Two", "c2")
	require.NoError(t, err)

	_, err = s.CreateGroup(ctx, p1.ID, "A", domain.GroupIntercom, domain.DefaultGroupSettings())
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, p1.ID, "B", domain.GroupIntercom, domain.DefaultGroupSettings())
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, p2.ID, "C", domain.GroupIntercom, domain.DefaultGroupSettings())
	require.NoError(t, err)

	got, err := s.GroupsByProduction(ctx, p1.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
