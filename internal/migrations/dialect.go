package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Dialect covers the few places where PostgreSQL and SQLite DDL differ
type Dialect struct {
	name string
}

// DialectFor returns the dialect for a database/sql driver name
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "postgres", "pgx":
		return Dialect{name: "postgres"}, nil
	case "sqlite3", "sqlite":
		return Dialect{name: "sqlite3"}, nil
	}
	return Dialect{}, fmt.Errorf("no migration dialect for driver %q", driverName)
}

func (d Dialect) Name() string {
	return d.name
}

func (d Dialect) isPostgres() bool {
	return d.name == "postgres"
}

// IDColumn is the column definition for a never-reused surrogate key
func (d Dialect) IDColumn() string {
	if d.isPostgres() {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// TableExists reports whether a table is present in the current schema
func (d Dialect) TableExists(ctx context.Context, q sqlx.QueryerContext, table string) (bool, error) {
	var n int
	var err error
	if d.isPostgres() {
		err = sqlx.GetContext(ctx, q, &n,
			`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`, table)
	} else {
		err = sqlx.GetContext(ctx, q, &n,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return n > 0, nil
}

// Columns lists the columns of a table in declaration order
func (d Dialect) Columns(ctx context.Context, q sqlx.QueryerContext, table string) ([]string, error) {
	var cols []string
	var err error
	if d.isPostgres() {
		err = sqlx.SelectContext(ctx, q, &cols,
			`SELECT column_name FROM information_schema.columns
			 WHERE table_schema = current_schema() AND table_name = $1
			 ORDER BY ordinal_position`, table)
	} else {
		err = sqlx.SelectContext(ctx, q, &cols, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	return cols, nil
}

// ColumnExists reports whether table has the named column
func (d Dialect) ColumnExists(ctx context.Context, q sqlx.QueryerContext, table, column string) (bool, error) {
	cols, err := d.Columns(ctx, q, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if c == column {
			return true, nil
		}
	}
	return false, nil
}

// CarrySequence makes the id sequence of a rebuilt table continue where the
// old table's left off, so ids of deleted rows are never handed out again.
func (d Dialect) CarrySequence(ctx context.Context, tx *sqlx.Tx, from, to string) error {
	if d.isPostgres() {
		return d.carryPostgresSequence(ctx, tx, from, to)
	}
	return d.carrySQLiteSequence(ctx, tx, from, to)
}

func (d Dialect) carryPostgresSequence(ctx context.Context, tx *sqlx.Tx, from, to string) error {
	var seqName sql.NullString
	if err := tx.GetContext(ctx, &seqName, `SELECT pg_get_serial_sequence($1, 'id')`, from); err != nil {
		return fmt.Errorf("failed to find id sequence of %s: %w", from, err)
	}
	if !seqName.Valid {
		return nil
	}

	var state struct {
		LastValue int64 `db:"last_value"`
		IsCalled  bool  `db:"is_called"`
	}
	// seqName comes from the catalog, not from user input
	if err := tx.GetContext(ctx, &state, `SELECT last_value, is_called FROM `+seqName.String); err != nil {
		return fmt.Errorf("failed to read sequence %s: %w", seqName.String, err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT setval(pg_get_serial_sequence($1, 'id'), $2, $3)`,
		to, state.LastValue, state.IsCalled); err != nil {
		return fmt.Errorf("failed to carry id sequence to %s: %w", to, err)
	}
	return nil
}

func (d Dialect) carrySQLiteSequence(ctx context.Context, tx *sqlx.Tx, from, to string) error {
	var seq int64
	err := tx.GetContext(ctx, &seq, `SELECT seq FROM sqlite_sequence WHERE name = ?`, from)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sequence of %s: %w", from, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = ?`, to); err != nil {
		return fmt.Errorf("failed to reset sequence of %s: %w", to, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sqlite_sequence (name, seq) VALUES (?, ?)`, to, seq); err != nil {
		return fmt.Errorf("failed to carry sequence to %s: %w", to, err)
	}
	return nil
}
