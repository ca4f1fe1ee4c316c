// Package store is the persistent record store for productions and groups.
// Presence state never touches it; the realtime core only reads group
// records through core.GroupLookup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/domain"
)

var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS productions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	access_code TEXT NOT NULL UNIQUE,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	changed_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS groups (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	production_id INTEGER NOT NULL REFERENCES productions(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	room_id       INTEGER NOT NULL UNIQUE,
	type          TEXT NOT NULL DEFAULT 'intercom',
	settings      TEXT NOT NULL DEFAULT '{}',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	changed_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	log.Info().Str("module", "store").Str("path", path).Msg("store opened")
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// -------------------------
// Productions
// -------------------------

func (s *Store) CreateProduction(ctx context.Context, name, accessCode string) (*domain.Production, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO productions (name, access_code) VALUES (?, ?)`, name, accessCode)
	if err != nil {
		return nil, fmt.Errorf("create production: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.ProductionByID(ctx, domain.ProductionID(id))
}

func (s *Store) ProductionByID(ctx context.Context, id domain.ProductionID) (*domain.Production, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, access_code, created_at, changed_at FROM productions WHERE id = ?`, id)
	return scanProduction(row)
}

func (s *Store) ProductionByCode(ctx context.Context, code string) (*domain.Production, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, access_code, created_at, changed_at FROM productions WHERE access_code = ?`, code)
	return scanProduction(row)
}

func (s *Store) ListProductions(ctx context.Context) ([]domain.Production, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, access_code, created_at, changed_at FROM productions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list productions: %w", err)
	}
	defer rows.Close()

	var out []domain.Production
	for rows.Next() {
		p, err := scanProduction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) RenameProduction(ctx context.Context, id domain.ProductionID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE productions SET name = ?, changed_at = CURRENT_TIMESTAMP WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename production: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) DeleteProduction(ctx context.Context, id domain.ProductionID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM productions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete production: %w", err)
	}
	return requireAffected(res)
}

// -------------------------
// Groups
// -------------------------

// CreateGroup allocates the gateway room id. Room ids start above 1000 so
// they never collide with rooms provisioned by hand on the gateway.
func (s *Store) CreateGroup(ctx context.Context, productionID domain.ProductionID, name string, typ domain.GroupType, settings domain.GroupSettings) (*domain.Group, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (production_id, name, room_id, type, settings)
		VALUES (?, ?, (SELECT COALESCE(MAX(room_id), 1000) + 1 FROM groups), ?, ?)`,
		productionID, name, typ, string(raw))
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GroupByID(ctx, domain.GroupID(id))
}

func (s *Store) GroupByID(ctx context.Context, id domain.GroupID) (*domain.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, production_id, name, room_id, type, settings, created_at, changed_at
		FROM groups WHERE id = ?`, id)
	return scanGroup(row)
}

func (s *Store) GroupsByProduction(ctx context.Context, id domain.ProductionID) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, production_id, name, room_id, type, settings, created_at, changed_at
		FROM groups WHERE production_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("groups by production: %w", err)
	}
	defer rows.Close()
	return collectGroups(rows)
}

func (s *Store) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, production_id, name, room_id, type, settings, created_at, changed_at
		FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	return collectGroups(rows)
}

func (s *Store) UpdateGroup(ctx context.Context, id domain.GroupID, name string, settings domain.GroupSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET name = ?, settings = ?, changed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		name, string(raw), id)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) DeleteGroup(ctx context.Context, id domain.GroupID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return requireAffected(res)
}

// -------------------------
// scan helpers
// -------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduction(row rowScanner) (*domain.Production, error) {
	var p domain.Production
	err := row.Scan(&p.ID, &p.Name, &p.AccessCode, &p.CreatedAt, &p.ChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan production: %w", err)
	}
	return &p, nil
}

func scanGroup(row rowScanner) (*domain.Group, error) {
	var (
		g   domain.Group
		raw string
	)
	err := row.Scan(&g.ID, &g.ProductionID, &g.Name, &g.RoomID, &g.Type, &raw, &g.CreatedAt, &g.ChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.Settings = domain.DefaultGroupSettings()
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &g.Settings); err != nil {
			log.Warn().Err(err).Str("module", "store").Int64("group", int64(g.ID)).Msg("bad settings json, using defaults")
			g.Settings = domain.DefaultGroupSettings()
		}
	}
	return &g, nil
}

func collectGroups(rows *sql.Rows) ([]domain.Group, error) {
	var out []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
