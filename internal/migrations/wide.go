package migrations

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WideSchema is the chain for the single-table layout used with SQLite
func WideSchema() Schema {
	return Schema{
		Name: "wide",
		Steps: []Step{
			{From: 0, To: 1, Name: "create_ship_records_table", Kind: KindAdditive, Up: createShipRecordsTable},
			{From: 1, To: 2, Name: "sanitize_undefined_sentinels", Kind: KindSanitize, Up: sanitizeWide},
			{From: 2, To: 3, Name: "add_item_versions", Kind: KindAdditive, Up: addRecordItemVersions},
		},
		Required: []Column{
			{"ship_records", "id"}, {"ship_records", "name"}, {"ship_records", "owner"},
			{"ship_records", "registration_marks"}, {"ship_records", "engine_specs"},
			{"ship_records", "input_date"}, {"ship_records", "planned_departure"},
			{"ship_records", "actual_return_date"}, {"ship_records", "estimated_prep_days"},
			{"ship_records", "finished"}, {"ship_records", "estimated_departure"},
			{"ship_records", "preparation_duration"}, {"ship_records", "elapsed_duration"},
			{"ship_records", "preparation_items"}, {"ship_records", "completion_state"},
			{"ship_records", "completion_dates"}, {"ship_records", "item_versions"},
		},
		Tables: []string{"ship_records"},
	}
}

func createShipRecordsTable(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS ship_records (
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
			elapsed_duration TEXT,
			preparation_items TEXT NOT NULL DEFAULT '[]',
			completion_state TEXT NOT NULL DEFAULT '{}',
			completion_dates TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, d.IDColumn()))
	if err != nil {
		return fmt.Errorf("failed to create ship_records table: %w", err)
	}
	return nil
}

func sanitizeWide(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	return sanitizeSentinels(ctx, tx, d, []sentinelColumns{{
		table: "ship_records",
		nullable: []string{
			"input_date", "planned_departure", "actual_return_date",
			"estimated_departure", "preparation_duration", "elapsed_duration",
		},
		text: []string{"name", "owner", "registration_marks", "engine_specs"},
		containers: map[string]string{
			"preparation_items": "[]",
			"completion_state":  "{}",
			"completion_dates":  "{}",
		},
	}})
}

func addRecordItemVersions(ctx context.Context, tx *sqlx.Tx, d Dialect) error {
	return addColumnIfMissing(ctx, tx, d, "ship_records", "item_versions", `TEXT NOT NULL DEFAULT '{}'`)
}
