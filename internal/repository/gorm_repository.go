package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// GormRepository implements the Repository interface on the wide layout: one
// ship_records row per ship.
type GormRepository struct {
	db      *gorm.DB
	timeout time.Duration
	logger  *utils.Logger
}

// Verify interface compliance at compile time
var (
	_ Repository = (*GormRepository)(nil)
	_ Repository = (*SQLRepository)(nil)
)

// shipRecord is the gorm model of ship_records
type shipRecord struct {
	ID                  int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Name                string  `gorm:"column:name"`
	Owner               string  `gorm:"column:owner"`
	RegistrationMarks   string  `gorm:"column:registration_marks"`
	EngineSpecs         string  `gorm:"column:engine_specs"`
	InputDate           *string `gorm:"column:input_date"`
	PlannedDeparture    *string `gorm:"column:planned_departure"`
	ActualReturnDate    *string `gorm:"column:actual_return_date"`
	EstimatedPrepDays   *int64  `gorm:"column:estimated_prep_days"`
	Finished            bool    `gorm:"column:finished"`
	EstimatedDeparture  *string `gorm:"column:estimated_departure"`
	PreparationDuration *string `gorm:"column:preparation_duration"`
	ElapsedDuration     *string `gorm:"column:elapsed_duration"`
	PreparationItems    string  `gorm:"column:preparation_items"`
	CompletionState     string  `gorm:"column:completion_state"`
	CompletionDates     string  `gorm:"column:completion_dates"`
	ItemVersions        string  `gorm:"column:item_versions"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (shipRecord) TableName() string {
	return "ship_records"
}

// gormLogger routes gorm's query log onto the server logger
type gormLogger struct {
	level  logger.LogLevel
	logger *utils.Logger
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{level: level, logger: l.logger}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.logger.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.logger.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.logger.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.logger.Error("gorm query error",
			"error", err,
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	case elapsed > 200*time.Millisecond && l.level >= logger.Warn:
		sql, rows := fc()
		l.logger.Warn("slow query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	case l.level >= logger.Info:
		sql, rows := fc()
		l.logger.Debug("gorm query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	}
}

// NewGormRepository opens gorm on an already configured SQLite pool so the
// migration manager and the repository share connections and settings.
func NewGormRepository(sqlDB *sql.DB, timeout time.Duration, log *utils.Logger) (*GormRepository, error) {
	if log == nil {
		log = utils.NopLogger()
	}

	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite3", Conn: sqlDB}), &gorm.Config{
		PrepareStmt: false,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      (&gormLogger{logger: log}).LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm on ship store: %w", err)
	}

	return &GormRepository{
		db:      db,
		timeout: timeout,
		logger:  log,
	}, nil
}

func (r *GormRepository) toRecord(s *models.Ship) (*shipRecord, error) {
	enc, err := encodeChecklist(s)
	if err != nil {
		return nil, err
	}
	return &shipRecord{
		ID:                  s.ID,
		Name:                s.Name,
		Owner:               s.Owner,
		RegistrationMarks:   s.RegistrationMarks,
		EngineSpecs:         s.EngineSpecs,
		InputDate:           s.InputDate,
		PlannedDeparture:    s.PlannedDeparture,
		ActualReturnDate:    s.ActualReturnDate,
		EstimatedPrepDays:   s.EstimatedPrepDays,
		Finished:            s.Finished,
		EstimatedDeparture:  s.EstimatedDeparture,
		PreparationDuration: s.PreparationDuration,
		ElapsedDuration:     s.ElapsedDuration,
		PreparationItems:    enc.Items,
		CompletionState:     enc.State,
		CompletionDates:     enc.Dates,
		ItemVersions:        enc.Versions,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}, nil
}

func (r *GormRepository) toShip(rec *shipRecord) *models.Ship {
	s := &models.Ship{
		ID:                  rec.ID,
		Name:                rec.Name,
		Owner:               rec.Owner,
		RegistrationMarks:   rec.RegistrationMarks,
		EngineSpecs:         rec.EngineSpecs,
		InputDate:           rec.InputDate,
		PlannedDeparture:    rec.PlannedDeparture,
		ActualReturnDate:    rec.ActualReturnDate,
		EstimatedPrepDays:   rec.EstimatedPrepDays,
		Finished:            rec.Finished,
		EstimatedDeparture:  rec.EstimatedDeparture,
		PreparationDuration: rec.PreparationDuration,
		ElapsedDuration:     rec.ElapsedDuration,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
	decodeChecklist(r.logger, s, encodedChecklist{
		Items:    rec.PreparationItems,
		State:    rec.CompletionState,
		Dates:    rec.CompletionDates,
		Versions: rec.ItemVersions,
	})
	return s
}

func (r *GormRepository) Get(ctx context.Context, id int64) (*models.Ship, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var rec shipRecord
	if err := r.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ship %d: %w", id, common.ErrNotFound)
		}
		return nil, persistenceErr("get", id, err)
	}
	return r.toShip(&rec), nil
}

func (r *GormRepository) List(ctx context.Context) ([]*models.Ship, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var recs []shipRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: list ships: %v", common.ErrPersistence, err)
	}

	ships := make([]*models.Ship, 0, len(recs))
	for i := range recs {
		ships = append(ships, r.toShip(&recs[i]))
	}
	return ships, nil
}

func (r *GormRepository) Create(ctx context.Context, ship *models.Ship) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := r.toRecord(ship)
	if err != nil {
		return err
	}
	rec.ID = 0
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return persistenceErr("create", 0, err)
	}

	ship.ID = rec.ID
	ship.CreatedAt = rec.CreatedAt
	ship.UpdatedAt = rec.UpdatedAt
	return nil
}

func (r *GormRepository) Upsert(ctx context.Context, ship *models.Ship) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := r.toRecord(ship)
	if err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	// Select("*") writes zero values too, so unchecking and unfinishing persist
	res := r.db.WithContext(ctx).Model(rec).Select("*").Omit("id", "created_at").Updates(rec)
	if res.Error != nil {
		return persistenceErr("upsert", ship.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ship %d: %w", ship.ID, common.ErrNotFound)
	}

	ship.UpdatedAt = rec.UpdatedAt
	return nil
}

func (r *GormRepository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	res := r.db.WithContext(ctx).Delete(&shipRecord{}, id)
	if res.Error != nil {
		return persistenceErr("delete", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ship %d: %w", id, common.ErrNotFound)
	}
	return nil
}
