package migrations

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	db, err := sqlx.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newManager(t *testing.T, db *sqlx.DB, schema Schema, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(db, schema, nil, opts)
	require.NoError(t, err)
	return m
}

// schemaSnapshot maps every user table to its column list
func schemaSnapshot(t *testing.T, db *sqlx.DB) map[string][]string {
	t.Helper()
	var tables []string
	require.NoError(t, db.Select(&tables,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`))

	d := Dialect{name: "sqlite3"}
	out := make(map[string][]string, len(tables))
	for _, table := range tables {
		cols, err := d.Columns(context.Background(), db, table)
		require.NoError(t, err)
		out[table] = cols
	}
	return out
}

func TestRun_FreshSplitStore(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, SplitSchema(), Options{})

	res, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.FromVersion)
	assert.Equal(t, 8, res.ToVersion)
	assert.Len(t, res.Applied, 8)
	assert.Empty(t, res.Skipped)
	assert.False(t, res.Reset)
	assert.NoError(t, m.Validate(context.Background()))

	snap := schemaSnapshot(t, db)
	assert.NotContains(t, snap["ships"], "finished", "status columns moved out of ships")
	assert.Contains(t, snap["ship_status"], "item_versions")
	assert.Contains(t, snap["ship_status"], "elapsed_duration")
	assert.NotContains(t, snap, "ships_v4")
	assert.NotContains(t, snap, "ships_v5")
}

func TestRun_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := newManager(t, db, SplitSchema(), Options{}).Run(ctx)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO ships (name, owner) VALUES ('Aurora', 'Port Co')`)
	require.NoError(t, err)
	before := schemaSnapshot(t, db)

	res, err := newManager(t, db, SplitSchema(), Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 8, res.FromVersion)

	if diff := cmp.Diff(before, schemaSnapshot(t, db)); diff != "" {
		t.Errorf("schema changed on second run (-before +after):\n%s", diff)
	}
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM ships`))
	assert.Equal(t, 1, n)
}

func TestRun_UpgradesLegacyWideStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	legacy := SplitSchema()
	legacy.Steps = legacy.Steps[:3]
	legacy.Required = nil
	_, err := newManager(t, db, legacy, Options{}).Run(ctx)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO ships (name, owner, registration_marks, input_date, finished, preparation_items, completion_state, completion_dates)
		VALUES
			('Aurora', 'undefined', 'AB-1', 'undefined', 0, '["Hull","Sails"]', '{"Hull":true}', '{"Hull":"2024-03-01"}'),
			('Borealis', 'Port Co', 'undefined', '2024-01-05', 1, 'undefined', 'undefined', '{}'),
			('Doomed', 'x', 'y', NULL, 0, '[]', '{}', '{}')
	`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM ships WHERE name = 'Doomed'`)
	require.NoError(t, err)

	res, err := newManager(t, db, SplitSchema(), Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.FromVersion)
	assert.Equal(t, 8, res.ToVersion)

	type row struct {
		ID        int64          `db:"id"`
		Owner     string         `db:"owner"`
		Marks     string         `db:"registration_marks"`
		InputDate sql.NullString `db:"input_date"`
		Finished  bool           `db:"finished"`
		Items     string         `db:"preparation_items"`
		State     string         `db:"completion_state"`
		Versions  string         `db:"item_versions"`
	}
	var rows []row
	require.NoError(t, db.Select(&rows, `
		SELECT s.id, s.owner, s.registration_marks, s.input_date,
		       st.finished, st.preparation_items, st.completion_state, st.item_versions
		FROM ships s JOIN ship_status st ON st.ship_id = s.id
		ORDER BY s.id
	`))
	require.Len(t, rows, 2, "one status row per surviving ship")

	assert.Equal(t, int64(1), rows[0].ID)
	assert.Equal(t, "", rows[0].Owner)
	assert.False(t, rows[0].InputDate.Valid)
	assert.Equal(t, `["Hull","Sails"]`, rows[0].Items)
	assert.Equal(t, `{"Hull":true}`, rows[0].State)
	assert.Equal(t, `{}`, rows[0].Versions)

	assert.Equal(t, int64(2), rows[1].ID)
	assert.Equal(t, "", rows[1].Marks)
	assert.True(t, rows[1].Finished)
	assert.Equal(t, "2024-01-05", rows[1].InputDate.String)
	assert.Equal(t, `[]`, rows[1].Items)
	assert.Equal(t, `{}`, rows[1].State)

	// id 3 was deleted before the rebuilds and must not come back
	result, err := db.Exec(`INSERT INTO ships (name) VALUES ('Celeste')`)
	require.NoError(t, err)
	id, err := result.LastInsertId()
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
}

func TestRun_StatusRowsCascadeOnDelete(t *testing.T) {
	db := openTestDB(t)
	_, err := newManager(t, db, SplitSchema(), Options{}).Run(context.Background())
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO ships (id, name) VALUES (7, 'Aurora')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO ship_status (ship_id) VALUES (7)`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM ships WHERE id = 7`)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM ship_status`))
	assert.Zero(t, n)
}

func TestRun_FreshWideStore(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, WideSchema(), Options{})

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ToVersion)
	assert.Contains(t, schemaSnapshot(t, db)["ship_records"], "item_versions")
}

func TestRun_FailedAdditiveStepIsSkipped(t *testing.T) {
	db := openTestDB(t)
	schema := Schema{
		Name: "test",
		Steps: []Step{
			{From: 0, To: 1, Name: "create", Kind: KindAdditive, Up: func(ctx context.Context, tx *sqlx.Tx, _ Dialect) error {
				_, err := tx.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`)
				return err
			}},
			{From: 1, To: 2, Name: "broken", Kind: KindAdditive, Up: func(ctx context.Context, tx *sqlx.Tx, _ Dialect) error {
				return errors.New("boom")
			}},
			{From: 2, To: 3, Name: "after", Kind: KindSanitize, Up: func(ctx context.Context, tx *sqlx.Tx, _ Dialect) error {
				return nil
			}},
		},
		Tables: []string{"widgets"},
	}

	res, err := newManager(t, db, schema, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"create", "after"}, res.Applied)
	assert.Equal(t, []string{"broken"}, res.Skipped)
	assert.Equal(t, 3, res.ToVersion)
}

// rebuildSchema has a rebuild step that refuses to run while widgets holds rows
func rebuildSchema() Schema {
	return Schema{
		Name: "test",
		Steps: []Step{
			{From: 0, To: 1, Name: "create", Kind: KindAdditive, Up: func(ctx context.Context, tx *sqlx.Tx, _ Dialect) error {
				_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS widgets (id INTEGER PRIMARY KEY)`)
				return err
			}},
			{From: 1, To: 2, Name: "rebuild", Kind: KindRebuild, Up: func(ctx context.Context, tx *sqlx.Tx, _ Dialect) error {
				var n int
				if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM widgets`); err != nil {
					return err
				}
				if n > 0 {
					return errors.New("cannot rebuild a populated table")
				}
				return nil
			}},
		},
		Required: []Column{{"widgets", "id"}},
		Tables:   []string{"widgets"},
	}
}

func TestRun_FailedRebuildWithoutResetIsFatal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := rebuildSchema()
	first.Steps = first.Steps[:1]
	_, err := newManager(t, db, first, Options{}).Run(ctx)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO widgets (id) VALUES (1)`)
	require.NoError(t, err)

	m := newManager(t, db, rebuildSchema(), Options{})
	res, err := m.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrMigration))
	assert.False(t, res.Reset)

	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM widgets`))
	assert.Equal(t, 1, n, "data is untouched")
}

func TestRun_FailedRebuildWithResetRecreatesStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := rebuildSchema()
	first.Steps = first.Steps[:1]
	_, err := newManager(t, db, first, Options{}).Run(ctx)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO widgets (id) VALUES (1)`)
	require.NoError(t, err)

	m := newManager(t, db, rebuildSchema(), Options{AllowDestructiveReset: true})
	res, err := m.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Reset)
	assert.Equal(t, 2, res.ToVersion)

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM widgets`))
	assert.Zero(t, n)
	assert.NoError(t, m.Validate(ctx))
}

func TestNewManager_RejectsBrokenChain(t *testing.T) {
	db := openTestDB(t)
	noop := func(context.Context, *sqlx.Tx, Dialect) error { return nil }

	_, err := NewManager(db, Schema{Steps: []Step{{From: 1, To: 2, Name: "gap", Up: noop}}}, nil, Options{})
	assert.ErrorIs(t, err, common.ErrMigration)

	_, err = NewManager(db, Schema{Steps: []Step{
		{From: 0, To: 1, Name: "a", Up: noop},
		{From: 1, To: 1, Name: "stuck", Up: noop},
	}}, nil, Options{})
	assert.ErrorIs(t, err, common.ErrMigration)

	_, err = NewManager(db, Schema{Steps: []Step{{From: 0, To: 1, Name: "nil"}}}, nil, Options{})
	assert.ErrorIs(t, err, common.ErrMigration)
}

func TestCurrentVersion_LeavesNewStoreUntouched(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, SplitSchema(), Options{})

	v, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Empty(t, schemaSnapshot(t, db), "no table was created")
}
