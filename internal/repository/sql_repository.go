package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// SQLRepository implements the Repository interface on the split layout:
// identity in ships, lifecycle and checklist in ship_status. It runs on
// PostgreSQL and SQLite.
type SQLRepository struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *utils.Logger
}

// NewSQLRepository creates a new split-layout repository
func NewSQLRepository(db *sqlx.DB, timeout time.Duration, logger *utils.Logger) *SQLRepository {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &SQLRepository{
		db:      db,
		timeout: timeout,
		logger:  logger,
	}
}

// GetDB returns the underlying database connection
func (r *SQLRepository) GetDB() *sqlx.DB {
	return r.db
}

// shipRow is one row of the ships/ship_status outer join. Status columns are
// nullable because the status row may not exist yet.
type shipRow struct {
	ID                int64          `db:"id"`
	Name              string         `db:"name"`
	Owner             string         `db:"owner"`
	RegistrationMarks string         `db:"registration_marks"`
	EngineSpecs       string         `db:"engine_specs"`
	InputDate         sql.NullString `db:"input_date"`
	PlannedDeparture  sql.NullString `db:"planned_departure"`
	ActualReturnDate  sql.NullString `db:"actual_return_date"`
	EstimatedPrepDays sql.NullInt64  `db:"estimated_prep_days"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`

	Finished            sql.NullBool   `db:"finished"`
	EstimatedDeparture  sql.NullString `db:"estimated_departure"`
	PreparationDuration sql.NullString `db:"preparation_duration"`
	ElapsedDuration     sql.NullString `db:"elapsed_duration"`
	PreparationItems    sql.NullString `db:"preparation_items"`
	CompletionState     sql.NullString `db:"completion_state"`
	CompletionDates     sql.NullString `db:"completion_dates"`
	ItemVersions        sql.NullString `db:"item_versions"`
}

const selectShips = `
	SELECT
		s.id, s.name, s.owner, s.registration_marks, s.engine_specs,
		s.input_date, s.planned_departure, s.actual_return_date, s.estimated_prep_days,
		s.created_at, s.updated_at,
		st.finished, st.estimated_departure, st.preparation_duration, st.elapsed_duration,
		st.preparation_items, st.completion_state, st.completion_dates, st.item_versions
	FROM ships s
	LEFT JOIN ship_status st ON st.ship_id = s.id
`

func (r *SQLRepository) toShip(row shipRow) *models.Ship {
	s := &models.Ship{
		ID:                  row.ID,
		Name:                row.Name,
		Owner:               row.Owner,
		RegistrationMarks:   row.RegistrationMarks,
		EngineSpecs:         row.EngineSpecs,
		InputDate:           nullString(row.InputDate),
		PlannedDeparture:    nullString(row.PlannedDeparture),
		ActualReturnDate:    nullString(row.ActualReturnDate),
		Finished:            row.Finished.Valid && row.Finished.Bool,
		EstimatedDeparture:  nullString(row.EstimatedDeparture),
		PreparationDuration: nullString(row.PreparationDuration),
		ElapsedDuration:     nullString(row.ElapsedDuration),
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}
	if row.EstimatedPrepDays.Valid {
		days := row.EstimatedPrepDays.Int64
		s.EstimatedPrepDays = &days
	}
	decodeChecklist(r.logger, s, encodedChecklist{
		Items:    row.PreparationItems.String,
		State:    row.CompletionState.String,
		Dates:    row.CompletionDates.String,
		Versions: row.ItemVersions.String,
	})
	return s
}

func (r *SQLRepository) Get(ctx context.Context, id int64) (*models.Ship, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var row shipRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(selectShips+` WHERE s.id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ship %d: %w", id, common.ErrNotFound)
		}
		return nil, persistenceErr("get", id, err)
	}

	return r.toShip(row), nil
}

func (r *SQLRepository) List(ctx context.Context) ([]*models.Ship, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var rows []shipRow
	if err := r.db.SelectContext(ctx, &rows, selectShips+` ORDER BY s.id`); err != nil {
		return nil, fmt.Errorf("%w: list ships: %v", common.ErrPersistence, err)
	}

	ships := make([]*models.Ship, 0, len(rows))
	for _, row := range rows {
		ships = append(ships, r.toShip(row))
	}
	return ships, nil
}

func (r *SQLRepository) Create(ctx context.Context, ship *models.Ship) (err error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistenceErr("create", 0, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	ship.CreatedAt = now
	ship.UpdatedAt = now

	query := tx.Rebind(`
		INSERT INTO ships (
			name, owner, registration_marks, engine_specs,
			input_date, planned_departure, actual_return_date, estimated_prep_days,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err = tx.QueryRowxContext(ctx, query,
		ship.Name, ship.Owner, ship.RegistrationMarks, ship.EngineSpecs,
		ship.InputDate, ship.PlannedDeparture, ship.ActualReturnDate, ship.EstimatedPrepDays,
		ship.CreatedAt, ship.UpdatedAt,
	).Scan(&ship.ID)
	if err != nil {
		return persistenceErr("create", 0, err)
	}

	if err = r.upsertStatusTx(ctx, tx, ship); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return persistenceErr("create", ship.ID, err)
	}
	return nil
}

func (r *SQLRepository) Upsert(ctx context.Context, ship *models.Ship) (err error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistenceErr("upsert", ship.ID, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ship.UpdatedAt = time.Now().UTC()

	query := tx.Rebind(`
		UPDATE ships SET
			name = ?, owner = ?, registration_marks = ?, engine_specs = ?,
			input_date = ?, planned_departure = ?, actual_return_date = ?, estimated_prep_days = ?,
			updated_at = ?
		WHERE id = ?
	`)
	res, err := tx.ExecContext(ctx, query,
		ship.Name, ship.Owner, ship.RegistrationMarks, ship.EngineSpecs,
		ship.InputDate, ship.PlannedDeparture, ship.ActualReturnDate, ship.EstimatedPrepDays,
		ship.UpdatedAt, ship.ID,
	)
	if err != nil {
		return persistenceErr("upsert", ship.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("upsert", ship.ID, err)
	}
	if n == 0 {
		err = fmt.Errorf("ship %d: %w", ship.ID, common.ErrNotFound)
		return err
	}

	if err = r.upsertStatusTx(ctx, tx, ship); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return persistenceErr("upsert", ship.ID, err)
	}
	return nil
}

// upsertStatusTx writes the status row inside an existing transaction,
// creating it on first write.
func (r *SQLRepository) upsertStatusTx(ctx context.Context, tx *sqlx.Tx, ship *models.Ship) error {
	enc, err := encodeChecklist(ship)
	if err != nil {
		return err
	}

	query := tx.Rebind(`
		INSERT INTO ship_status (
			ship_id, finished, estimated_departure, preparation_duration, elapsed_duration,
			preparation_items, completion_state, completion_dates, item_versions, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ship_id) DO UPDATE SET
			finished = excluded.finished,
			estimated_departure = excluded.estimated_departure,
			preparation_duration = excluded.preparation_duration,
			elapsed_duration = excluded.elapsed_duration,
			preparation_items = excluded.preparation_items,
			completion_state = excluded.completion_state,
			completion_dates = excluded.completion_dates,
			item_versions = excluded.item_versions,
			updated_at = excluded.updated_at
	`)
	_, err = tx.ExecContext(ctx, query,
		ship.ID, ship.Finished, ship.EstimatedDeparture, ship.PreparationDuration, ship.ElapsedDuration,
		enc.Items, enc.State, enc.Dates, enc.Versions, ship.UpdatedAt,
	)
	if err != nil {
		return persistenceErr("write status of", ship.ID, err)
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, id int64) (err error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistenceErr("delete", id, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Delete the status row first; the foreign key cascades too, but not every
	// SQLite connection has foreign keys switched on
	if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM ship_status WHERE ship_id = ?`), id); err != nil {
		return persistenceErr("delete status of", id, err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM ships WHERE id = ?`), id)
	if err != nil {
		return persistenceErr("delete", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("delete", id, err)
	}
	if n == 0 {
		err = fmt.Errorf("ship %d: %w", id, common.ErrNotFound)
		return err
	}

	if err = tx.Commit(); err != nil {
		return persistenceErr("delete", id, err)
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
