package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rongwang/shipprep-server/internal/checklist"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/repository"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// Service defines all the business logic operations
type Service interface {
	// Ship records
	CreateShip(ctx context.Context, req models.CreateShipRequest) (*models.Ship, error)
	GetShip(ctx context.Context, shipID int64) (*models.Ship, error)
	ListShips(ctx context.Context) ([]*models.Ship, error)
	ReplaceShip(ctx context.Context, shipID int64, req models.UpdateShipRequest, onCommit ...CommitHook) (*models.Ship, error)
	DeleteShip(ctx context.Context, shipID int64) error

	// Checklist. Every mutation returns the ship as stored afterwards; on a
	// checklist rule violation it returns the unchanged ship with the error.
	// onCommit hooks run after a change is persisted, before the next write to
	// the same ship can start.
	UpdateChecklist(ctx context.Context, shipID int64, u checklist.Update, onCommit ...CommitHook) (*models.Ship, bool, error)
	AddItem(ctx context.Context, shipID int64, item string, onCommit ...CommitHook) (*models.Ship, error)
	Finish(ctx context.Context, shipID int64, estimatedDeparture string, onCommit ...CommitHook) (*models.Ship, error)
	Unfinish(ctx context.Context, who models.Identity, shipID int64, onCommit ...CommitHook) (*models.Ship, error)

	// RefreshDerivedDurations recomputes the elapsed preparation time of
	// every unfinished ship and returns how many records changed.
	RefreshDerivedDurations(ctx context.Context, now time.Time) (int, error)
}

// CommitHook observes a persisted change while the ship is still locked. It
// must not block or call back into the service for the same ship.
type CommitHook func(ship *models.Ship)

// DefaultService implements the Service interface
type DefaultService struct {
	repo   repository.Repository
	locks  *shipLocks
	logger *utils.Logger
	now    func() time.Time
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(repo repository.Repository, logger *utils.Logger) *DefaultService {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &DefaultService{
		repo:   repo,
		locks:  newShipLocks(),
		logger: logger,
		now:    time.Now,
	}
}

// mutate runs fn against the stored ship while holding the ship's lock and
// persists the result when fn reports a change. Updates to different items of
// one ship therefore never overwrite each other, and onCommit hooks see the
// writes to one ship in commit order.
func (s *DefaultService) mutate(ctx context.Context, shipID int64, fn func(ship *models.Ship) (bool, error), onCommit []CommitHook) (*models.Ship, bool, error) {
	unlock := s.locks.lock(shipID)
	defer unlock()

	ship, err := s.repo.Get(ctx, shipID)
	if err != nil {
		return nil, false, err
	}

	changed, err := fn(ship)
	if err != nil {
		return ship, false, err
	}
	if !changed {
		return ship, false, nil
	}

	if err := s.repo.Upsert(ctx, ship); err != nil {
		s.logger.Error("failed to persist ship", "ship_id", shipID, "error", err)
		// drop the unsaved state
		return nil, false, err
	}

	for _, hook := range onCommit {
		if hook != nil {
			hook(ship)
		}
	}
	return ship, true, nil
}

// Ship record methods
func (s *DefaultService) CreateShip(ctx context.Context, req models.CreateShipRequest) (*models.Ship, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", common.ErrValidation)
	}

	ship := models.NewShip()
	ship.Name = name
	ship.Owner = req.Owner
	ship.RegistrationMarks = req.RegistrationMarks
	ship.EngineSpecs = req.EngineSpecs
	ship.InputDate = cleanDate(req.InputDate)
	ship.PlannedDeparture = cleanDate(req.PlannedDeparture)
	ship.ActualReturnDate = cleanDate(req.ActualReturnDate)
	ship.EstimatedPrepDays = req.EstimatedPrepDays

	if err := checklist.ReplaceItems(ship, req.PreparationItems); err != nil {
		return nil, err
	}
	checklist.RefreshElapsed(ship, s.now())

	if err := s.repo.Create(ctx, ship); err != nil {
		return nil, err
	}

	s.logger.Info("ship created", "ship_id", ship.ID, "items", len(ship.PreparationItems))
	return ship, nil
}

func (s *DefaultService) GetShip(ctx context.Context, shipID int64) (*models.Ship, error) {
	return s.repo.Get(ctx, shipID)
}

func (s *DefaultService) ListShips(ctx context.Context) ([]*models.Ship, error) {
	return s.repo.List(ctx)
}

// ReplaceShip applies a full-record write. Fields absent from req keep their
// stored values. The finished flag and its derived fields are only changed
// through Finish and Unfinish.
func (s *DefaultService) ReplaceShip(ctx context.Context, shipID int64, req models.UpdateShipRequest, onCommit ...CommitHook) (*models.Ship, error) {
	ship, _, err := s.mutate(ctx, shipID, func(ship *models.Ship) (bool, error) {
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return false, fmt.Errorf("%w: name must not be empty", common.ErrValidation)
			}
			ship.Name = name
		}
		setString(&ship.Owner, req.Owner)
		setString(&ship.RegistrationMarks, req.RegistrationMarks)
		setString(&ship.EngineSpecs, req.EngineSpecs)
		if req.InputDate != nil {
			ship.InputDate = cleanDate(req.InputDate)
			ship.ElapsedDuration = nil
		}
		if req.PlannedDeparture != nil {
			ship.PlannedDeparture = cleanDate(req.PlannedDeparture)
		}
		if req.ActualReturnDate != nil {
			ship.ActualReturnDate = cleanDate(req.ActualReturnDate)
		}
		if req.EstimatedPrepDays != nil {
			ship.EstimatedPrepDays = req.EstimatedPrepDays
		}

		previous := ship.Snapshot()
		if req.PreparationItems != nil {
			if err := checklist.ReplaceItems(ship, *req.PreparationItems); err != nil {
				return false, err
			}
		}
		if req.CompletionState != nil {
			for _, item := range ship.PreparationItems {
				ship.CompletionState[item] = (*req.CompletionState)[item]
			}
		}
		if req.CompletionDates != nil {
			ship.CompletionDates = map[string]string{}
			for item, date := range *req.CompletionDates {
				if checklist.HasItem(ship, item) {
					ship.CompletionDates[item] = date
				}
			}
		}
		checklist.Normalize(ship)

		// Bump items whose state moved so clients holding the old version conflict
		for _, item := range ship.PreparationItems {
			if previous.CompletionState[item] != ship.CompletionState[item] ||
				previous.CompletionDates[item] != ship.CompletionDates[item] {
				ship.ItemVersions[item] = previous.ItemVersions[item] + 1
			}
		}

		checklist.RefreshElapsed(ship, s.now())
		return true, nil
	}, onCommit)
	if err != nil {
		return nil, err
	}
	return ship, nil
}

func (s *DefaultService) DeleteShip(ctx context.Context, shipID int64) error {
	unlock := s.locks.lock(shipID)
	defer unlock()

	if err := s.repo.Delete(ctx, shipID); err != nil {
		return err
	}
	s.logger.Info("ship deleted", "ship_id", shipID)
	return nil
}

// Checklist methods
func (s *DefaultService) UpdateChecklist(ctx context.Context, shipID int64, u checklist.Update, onCommit ...CommitHook) (*models.Ship, bool, error) {
	return s.mutate(ctx, shipID, func(ship *models.Ship) (bool, error) {
		return checklist.Apply(ship, u)
	}, onCommit)
}

func (s *DefaultService) AddItem(ctx context.Context, shipID int64, item string, onCommit ...CommitHook) (*models.Ship, error) {
	ship, _, err := s.mutate(ctx, shipID, func(ship *models.Ship) (bool, error) {
		if err := checklist.AddItem(ship, item); err != nil {
			return false, err
		}
		return true, nil
	}, onCommit)
	return ship, err
}

func (s *DefaultService) Finish(ctx context.Context, shipID int64, estimatedDeparture string, onCommit ...CommitHook) (*models.Ship, error) {
	ship, _, err := s.mutate(ctx, shipID, func(ship *models.Ship) (bool, error) {
		if err := checklist.Finish(ship, estimatedDeparture); err != nil {
			return false, err
		}
		return true, nil
	}, onCommit)
	if err == nil {
		s.logger.Info("ship finished", "ship_id", shipID, "estimated_departure", estimatedDeparture)
	}
	return ship, err
}

func (s *DefaultService) Unfinish(ctx context.Context, who models.Identity, shipID int64, onCommit ...CommitHook) (*models.Ship, error) {
	if !who.Elevated() {
		return nil, fmt.Errorf("%w: role %q may not reopen a ship", common.ErrForbidden, who.Role)
	}

	ship, _, err := s.mutate(ctx, shipID, func(ship *models.Ship) (bool, error) {
		if err := checklist.Unfinish(ship); err != nil {
			return false, err
		}
		checklist.RefreshElapsed(ship, s.now())
		return true, nil
	}, onCommit)
	if err == nil {
		s.logger.Info("ship reopened", "ship_id", shipID, "user_id", who.UserID)
	}
	return ship, err
}

func (s *DefaultService) RefreshDerivedDurations(ctx context.Context, now time.Time) (int, error) {
	ships, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, candidate := range ships {
		if candidate.Finished || candidate.InputDate == nil {
			continue
		}
		_, changed, err := s.mutate(ctx, candidate.ID, func(ship *models.Ship) (bool, error) {
			return checklist.RefreshElapsed(ship, now), nil
		}, nil)
		if errors.Is(err, common.ErrNotFound) {
			// deleted since the listing
			continue
		}
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// cleanDate maps blank and "undefined" values to nil
func cleanDate(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" || trimmed == "undefined" {
		return nil
	}
	return &trimmed
}
