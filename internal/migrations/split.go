package migrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Sentinel is the literal an earlier client wrote instead of leaving a value
// empty.
const Sentinel = "undefined"

// SplitSchema is the chain for the two-table layout: ships holds identity,
// ship_status holds lifecycle and checklist state, one row per ship.
func SplitSchema() Schema {
	return Schema{
		Name: "split",
		Steps: []Step{
			{From: 0, To: 1, Name: "create_ships_table", Kind: KindAdditive, Up: createLegacyShipsTable},
			{From: 1, To: 2, Name: "add_checklist_columns", Kind: KindAdditive, Up: addChecklistColumns},
			{From: 2, To: 3, Name: "add_completion_dates", Kind: KindAdditive, Up: addCompletionDates},
			{From: 3, To: 4, Name: "relax_identity_constraints", Kind: KindRebuild, Up: relaxIdentityConstraints},
			{From: 4, To: 5, Name: "split_status_table", Kind: KindRebuild, Up: splitStatusTable},
			{From: 5, To: 6, Name: "sanitize_undefined_sentinels", Kind: KindSanitize, Up: sanitizeSplit},
			{From: 6, To: 7, Name: "add_item_versions", Kind: KindAdditive, Up: addItemVersions},
			{From: 7, To: 8, Name: "add_elapsed_duration", Kind: KindAdditive, Up: addElapsedDuration},
		},
		Required: []Column{
			{"ships", "id"}, {"ships", "name"}, {"ships", "owner"}, {"ships", "registration_marks"},
			{"ships", "engine_specs"}, {"ships", "input_date"}, {"ships", "planned_departure"},
			{"ships", "actual_return_date"}, {"ships", "estimated_prep_days"},
			{"ship_status", "ship_id"}, {"ship_status", "finished"}, {"ship_status", "estimated_departure"},
			{"ship_status", "preparation_duration"}, {"ship_status", "elapsed_duration"},
			{"ship_status", "preparation_items"}, {"ship_status", "completion_state"},
			{"ship_status", "completion_dates"}, {"ship_status", "item_versions"},
		},
		Tables: []string{"ship_status", "ships_v5", "ships_v4", "ships"},
	}
}

// addColumnIfMissing is ALTER TABLE ADD COLUMN guarded by a catalog lookup
func addColumnIfMissing(ctx context.Context, tx *sqlx.Tx, d Dialect, table, column, definition string) error {
	ok, err := d.ColumnExists(ctx, tx, table, column)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// createLegacyShipsTable creates the original single-table layout
func createLegacyShipsTable(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS ships (
			id %s,
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			registration_marks TEXT,
			engine_specs TEXT,
			input_date TEXT,
			planned_departure TEXT,
			actual_return_date TEXT,
			estimated_prep_days INTEGER,
			finished BOOLEAN NOT NULL DEFAULT FALSE,
			estimated_departure TEXT,
			preparation_duration TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, d.IDColumn()))
	if err != nil {
		return fmt.Errorf("failed to create ships table: %w", err)
	}
	return nil
}

func addChecklistColumns(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	if err := addColumnIfMissing(ctx, tx, d, "ships", "preparation_items", `TEXT NOT NULL DEFAULT '[]'`); err != nil {
		return err
	}
	return addColumnIfMissing(ctx, tx, d, "ships", "completion_state", `TEXT NOT NULL DEFAULT '{}'`)
}

func addCompletionDates(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	return addColumnIfMissing(ctx, tx, d, "ships", "completion_dates", `TEXT NOT NULL DEFAULT '{}'`)
}

// relaxIdentityConstraints rebuilds ships so that every identity text column
// is NOT NULL DEFAULT '' instead of required or nullable.
func relaxIdentityConstraints(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	// Already split: the status columns moved out of ships in a later step
	wide, err := d.ColumnExists(ctx, tx, "ships", "finished")
	if err != nil {
		return err
	}
	if !wide {
		return nil
	}

	// Step 1: Create the rebuilt table
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE ships_v4 (
			id %s,
			name TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			registration_marks TEXT NOT NULL DEFAULT '',
			engine_specs TEXT NOT NULL DEFAULT '',
			input_date TEXT,
			planned_departure TEXT,
			actual_return_date TEXT,
			estimated_prep_days INTEGER,
			finished BOOLEAN NOT NULL DEFAULT FALSE,
			estimated_departure TEXT,
			preparation_duration TEXT,
			preparation_items TEXT NOT NULL DEFAULT '[]',
			completion_state TEXT NOT NULL DEFAULT '{}',
			completion_dates TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, d.IDColumn()))
	if err != nil {
		return fmt.Errorf("failed to create ships_v4: %w", err)
	}

	// Step 2: Copy rows, filling the relaxed columns
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ships_v4 (
			id, name, owner, registration_marks, engine_specs,
			input_date, planned_departure, actual_return_date, estimated_prep_days,
			finished, estimated_departure, preparation_duration,
			preparation_items, completion_state, completion_dates,
			created_at, updated_at
		)
		SELECT
			id, COALESCE(name, ''), COALESCE(owner, ''), COALESCE(registration_marks, ''), COALESCE(engine_specs, ''),
			input_date, planned_departure, actual_return_date, estimated_prep_days,
			finished, estimated_departure, preparation_duration,
			COALESCE(preparation_items, '[]'), COALESCE(completion_state, '{}'), COALESCE(completion_dates, '{}'),
			created_at, updated_at
		FROM ships
	`)
	if err != nil {
		return fmt.Errorf("failed to copy ships into ships_v4: %w", err)
	}

	if err := d.CarrySequence(ctx, tx, "ships", "ships_v4"); err != nil {
		return err
	}

	// Step 3: Drop the old table and move the new one into place
	if _, err := tx.ExecContext(ctx, `DROP TABLE ships`); err != nil {
		return fmt.Errorf("failed to drop old ships table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE ships_v4 RENAME TO ships`); err != nil {
		return fmt.Errorf("failed to rename ships_v4 to ships: %w", err)
	}
	return nil
}

// splitStatusTable moves lifecycle and checklist columns out of ships into
// ship_status, keyed by a unique ship_id that cascades on delete.
func splitStatusTable(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	wide, err := d.ColumnExists(ctx, tx, "ships", "finished")
	if err != nil {
		return err
	}
	hasStatus, err := d.TableExists(ctx, tx, "ship_status")
	if err != nil {
		return err
	}
	if !wide {
		if !hasStatus {
			return fmt.Errorf("ships has no status columns and ship_status is missing")
		}
		return nil
	}
	if hasStatus {
		return fmt.Errorf("ship_status already exists while ships still carries status columns")
	}

	// Step 1: Identity-only table
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE ships_v5 (
			id %s,
			name TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			registration_marks TEXT NOT NULL DEFAULT '',
			engine_specs TEXT NOT NULL DEFAULT '',
			input_date TEXT,
			planned_departure TEXT,
			actual_return_date TEXT,
			estimated_prep_days INTEGER,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, d.IDColumn()))
	if err != nil {
		return fmt.Errorf("failed to create ships_v5: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ships_v5 (
			id, name, owner, registration_marks, engine_specs,
			input_date, planned_departure, actual_return_date, estimated_prep_days,
			created_at, updated_at
		)
		SELECT
			id, name, owner, registration_marks, engine_specs,
			input_date, planned_departure, actual_return_date, estimated_prep_days,
			created_at, updated_at
		FROM ships
	`)
	if err != nil {
		return fmt.Errorf("failed to copy identity rows: %w", err)
	}

	if err := d.CarrySequence(ctx, tx, "ships", "ships_v5"); err != nil {
		return err
	}

	// Step 2: Status table referencing the new identity table. The reference
	// follows the rename below.
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE ship_status (
			id %s,
			ship_id BIGINT NOT NULL UNIQUE REFERENCES ships_v5(id) ON DELETE CASCADE,
			finished BOOLEAN NOT NULL DEFAULT FALSE,
			estimated_departure TEXT,
			preparation_duration TEXT,
			preparation_items TEXT NOT NULL DEFAULT '[]',
			completion_state TEXT NOT NULL DEFAULT '{}',
			completion_dates TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, d.IDColumn()))
	if err != nil {
		return fmt.Errorf("failed to create ship_status: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ship_status (
			ship_id, finished, estimated_departure, preparation_duration,
			preparation_items, completion_state, completion_dates, updated_at
		)
		SELECT
			id, finished, estimated_departure, preparation_duration,
			preparation_items, completion_state, completion_dates, updated_at
		FROM ships
	`)
	if err != nil {
		return fmt.Errorf("failed to copy status rows: %w", err)
	}

	// Step 3: Swap the identity table into place
	if _, err := tx.ExecContext(ctx, `DROP TABLE ships`); err != nil {
		return fmt.Errorf("failed to drop old ships table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE ships_v5 RENAME TO ships`); err != nil {
		return fmt.Errorf("failed to rename ships_v5 to ships: %w", err)
	}
	return nil
}

// sentinelColumns lists, per table, the nullable columns that go back to
// NULL, the text columns that go back to '' and the serialized columns that go
// back to their empty container.
type sentinelColumns struct {
	table      string
	nullable   []string
	text       []string
	containers map[string]string
}

func sanitizeSentinels(ctx context.Context, tx *sqlx.Tx, d Dialect, targets []sentinelColumns) error {
	for _, t := range targets {
		cols, err := d.Columns(ctx, tx, t.table)
		if err != nil {
			return err
		}
		present := make(map[string]bool, len(cols))
		for _, c := range cols {
			present[c] = true
		}

		var stmts []string
		for _, c := range t.nullable {
			if present[c] {
				stmts = append(stmts, fmt.Sprintf(`UPDATE %s SET %s = NULL WHERE %s = '%s'`, t.table, c, c, Sentinel))
			}
		}
		for _, c := range t.text {
			if present[c] {
				stmts = append(stmts, fmt.Sprintf(`UPDATE %s SET %s = '' WHERE %s = '%s'`, t.table, c, c, Sentinel))
			}
		}
		for c, empty := range t.containers {
			if present[c] {
				stmts = append(stmts, fmt.Sprintf(`UPDATE %s SET %s = '%s' WHERE TRIM(%s) IN ('%s', '')`, t.table, c, empty, c, Sentinel))
			}
		}

		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to sanitize %s: %w", strings.TrimSpace(stmt), err)
			}
		}
	}
	return nil
}

func sanitizeSplit(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	return sanitizeSentinels(ctx, tx, d, []sentinelColumns{
		{
			table:    "ships",
			nullable: []string{"input_date", "planned_departure", "actual_return_date"},
			text:     []string{"name", "owner", "registration_marks", "engine_specs"},
		},
		{
			table:    "ship_status",
			nullable: []string{"estimated_departure", "preparation_duration"},
			containers: map[string]string{
				"preparation_items": "[]",
				"completion_state":  "{}",
				"completion_dates":  "{}",
			},
		},
	})
}

func addItemVersions(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	return addColumnIfMissing(ctx, tx, d, "ship_status", "item_versions", `TEXT NOT NULL DEFAULT '{}'`)
}

func addElapsedDuration(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	return addColumnIfMissing(ctx, tx, d, "ship_status", "elapsed_duration", `TEXT`)
}
