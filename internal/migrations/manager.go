// Package migrations brings a ship store from whatever schema version it was
// left at to the current one. Steps run in order, each inside a transaction,
// and the reached version is recorded after every step so the manager can run
// on every startup.
package migrations

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// Kind classifies what a step may do to existing data
type Kind int

const (
	// KindAdditive only adds tables or columns
	KindAdditive Kind = iota
	// KindSanitize rewrites values in place
	KindSanitize
	// KindRebuild recreates a table and copies rows across
	KindRebuild
)

func (k Kind) String() string {
	switch k {
	case KindAdditive:
		return "additive"
	case KindSanitize:
		return "sanitize"
	case KindRebuild:
		return "rebuild"
	}
	return "unknown"
}

// Step moves the schema from version From to version To. Up must check its
// preconditions so that running it against an already migrated store is a
// no-op.
type Step struct {
	From int
	To   int
	Name string
	Kind Kind
	Up   func(ctx context.Context, tx *sqlx.Tx, d Dialect) error
}

// Column names a column the finished schema must have
type Column struct {
	Table  string
	Column string
}

// Schema is an ordered migration chain plus what its end state must look like
type Schema struct {
	Name     string
	Steps    []Step
	Required []Column
	// Tables lists every table the chain creates, in drop order
	Tables []string
}

// Latest returns the version reached by the last step
func (s Schema) Latest() int {
	if len(s.Steps) == 0 {
		return 0
	}
	return s.Steps[len(s.Steps)-1].To
}

// Options controls the manager's last-resort behaviour
type Options struct {
	// AllowDestructiveReset permits dropping every table and recreating an
	// empty store when the chain cannot reach a valid schema.
	AllowDestructiveReset bool
}

// Result summarises a Run
type Result struct {
	FromVersion int
	ToVersion   int
	Applied     []string
	Skipped     []string // steps that failed but were treated as applied
	Reset       bool     // the store was recreated empty
}

// Manager applies a Schema to a database
type Manager struct {
	db      *sqlx.DB
	dialect Dialect
	schema  Schema
	opts    Options
	logger  *utils.Logger
}

// NewManager validates the chain and returns a manager for db
func NewManager(db *sqlx.DB, schema Schema, logger *utils.Logger, opts Options) (*Manager, error) {
	d, err := DialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}

	expected := 0
	for _, step := range schema.Steps {
		if step.From != expected || step.To <= step.From {
			return nil, fmt.Errorf("%w: step %q goes %d->%d, expected to start at %d",
				common.ErrMigration, step.Name, step.From, step.To, expected)
		}
		if step.Up == nil {
			return nil, fmt.Errorf("%w: step %q has no Up function", common.ErrMigration, step.Name)
		}
		expected = step.To
	}

	if logger == nil {
		logger = utils.NopLogger()
	}

	return &Manager{
		db:      db,
		dialect: d,
		schema:  schema,
		opts:    opts,
		logger:  logger.With("schema", schema.Name),
	}, nil
}

// Dialect returns the dialect the manager writes DDL for
func (m *Manager) Dialect() Dialect {
	return m.dialect
}

// Latest returns the version a fully migrated store records
func (m *Manager) Latest() int {
	return m.schema.Latest()
}

func (m *Manager) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	return nil
}

// CurrentVersion returns the recorded schema version, 0 for a new store. It
// only reads: a store without a version table is left untouched.
func (m *Manager) CurrentVersion(ctx context.Context) (int, error) {
	exists, err := m.dialect.TableExists(ctx, m.db, "schema_version")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var v int
	if err := m.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}
	return v, nil
}

// Run applies every pending step. When the chain cannot reach a valid schema
// it fails with common.ErrMigration, unless destructive reset was allowed, in
// which case every table is dropped and the chain is replayed on an empty
// store.
func (m *Manager) Run(ctx context.Context) (*Result, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return nil, err
	}
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{FromVersion: current, ToVersion: current}

	runErr := m.applyPending(ctx, res)
	if runErr == nil {
		runErr = m.Validate(ctx)
	}
	if runErr == nil {
		return res, nil
	}

	if !m.opts.AllowDestructiveReset {
		m.logger.Error("schema migration failed", "version", res.ToVersion, "error", runErr)
		return res, fmt.Errorf("%w: %v (destructive reset not allowed)", common.ErrMigration, runErr)
	}

	m.logger.Error("DESTRUCTIVE RESET: dropping all ship data and recreating an empty store",
		"version", res.ToVersion, "cause", runErr)
	if err := m.reset(ctx); err != nil {
		return res, fmt.Errorf("%w: destructive reset failed: %v", common.ErrMigration, err)
	}

	res.Reset = true
	res.ToVersion = 0
	if err := m.applyPending(ctx, res); err != nil {
		return res, fmt.Errorf("%w: migrations failed after reset: %v", common.ErrMigration, err)
	}
	if err := m.Validate(ctx); err != nil {
		return res, fmt.Errorf("%w: schema invalid after reset: %v", common.ErrMigration, err)
	}
	m.logger.Error("DESTRUCTIVE RESET finished: store recreated empty", "version", res.ToVersion)
	return res, nil
}

func (m *Manager) applyPending(ctx context.Context, res *Result) error {
	for _, step := range m.schema.Steps {
		if step.From != res.ToVersion {
			continue
		}

		m.logger.Info("running migration", "from", step.From, "to", step.To, "name", step.Name, "kind", step.Kind.String())

		err := m.applyStep(ctx, step)
		if err != nil {
			if step.Kind == KindRebuild {
				return fmt.Errorf("migration %d->%d %s failed: %w", step.From, step.To, step.Name, err)
			}
			m.logger.Warn("migration step failed, treating as applied",
				"from", step.From, "to", step.To, "name", step.Name, "error", err)
			if err := m.recordVersion(ctx, m.db, step); err != nil {
				return err
			}
			res.Skipped = append(res.Skipped, step.Name)
		} else {
			res.Applied = append(res.Applied, step.Name)
		}

		res.ToVersion = step.To
	}
	return nil
}

func (m *Manager) applyStep(ctx context.Context, step Step) (err error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = step.Up(ctx, tx, m.dialect); err != nil {
		return err
	}
	if err = m.recordVersion(ctx, tx, step); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) recordVersion(ctx context.Context, e sqlx.ExtContext, step Step) error {
	query := e.Rebind(`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`)
	if _, err := e.ExecContext(ctx, query, step.To, step.Name, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", step.To, err)
	}
	return nil
}

// Validate checks that the store sits at the latest version and has every
// required column.
func (m *Manager) Validate(ctx context.Context) error {
	v, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if v != m.Latest() {
		return fmt.Errorf("schema at version %d, want %d", v, m.Latest())
	}
	for _, req := range m.schema.Required {
		ok, err := m.dialect.ColumnExists(ctx, m.db, req.Table, req.Column)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("missing column %s.%s", req.Table, req.Column)
		}
	}
	return nil
}

func (m *Manager) reset(ctx context.Context) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range m.schema.Tables {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("failed to clear schema_version: %w", err)
	}
	return tx.Commit()
}
