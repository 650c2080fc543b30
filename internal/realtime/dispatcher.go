package realtime

import (
	"context"
	"errors"

	"github.com/rongwang/shipprep-server/internal/checklist"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/service"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// ChecklistUpdater is the slice of the service the dispatcher drives
type ChecklistUpdater interface {
	UpdateChecklist(ctx context.Context, shipID int64, u checklist.Update, onCommit ...service.CommitHook) (*models.Ship, bool, error)
}

// Dispatcher applies checklist updates and fans the result out to the room.
// Errors go to the originating member only.
type Dispatcher struct {
	updater  ChecklistUpdater
	registry *Registry
	logger   *utils.Logger
}

func NewDispatcher(updater ChecklistUpdater, registry *Registry, logger *utils.Logger) *Dispatcher {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Dispatcher{
		updater:  updater,
		registry: registry,
		logger:   logger,
	}
}

// HandleUpdate runs one update-checklist request from origin. A successful
// change is broadcast to every other member of the ship's room from inside the
// commit, so viewers receive snapshots in the order they were stored. A
// replayed update that changes nothing is not broadcast.
func (d *Dispatcher) HandleUpdate(ctx context.Context, origin Member, p UpdateChecklistPayload) {
	shipID := int64(p.ShipID)

	ship, _, err := d.updater.UpdateChecklist(ctx, shipID, checklist.Update{
		Item:        p.Item,
		Checked:     p.Checked,
		Date:        p.Date,
		BaseVersion: p.BaseVersion,
	}, func(committed *models.Ship) {
		d.broadcast(committed.Snapshot(), origin)
	})
	if err != nil {
		d.reject(origin, shipID, p.Item, ship, err)
	}
}

// Publish fans out a change that did not come from a room member, such as a
// REST write. Every member receives it. Callers run it as a commit hook.
func (d *Dispatcher) Publish(snap models.ChecklistSnapshot) {
	d.broadcast(snap, nil)
}

func (d *Dispatcher) broadcast(snap models.ChecklistSnapshot, exclude Member) {
	msg, err := encode(EventChecklistUpdated, ChecklistUpdatedPayload{
		ShipID:          snap.ShipID,
		CompletionState: snap.CompletionState,
		CompletionDates: snap.CompletionDates,
		ItemVersions:    snap.ItemVersions,
	})
	if err != nil {
		d.logger.Error("failed to encode broadcast", "ship_id", snap.ShipID, "error", err)
		return
	}

	delivered := 0
	for _, m := range d.registry.Members(snap.ShipID) {
		if exclude != nil && m.ID() == exclude.ID() {
			continue
		}
		if m.Send(msg) {
			delivered++
		}
	}
	d.logger.Debug("checklist broadcast", "ship_id", snap.ShipID, "delivered", delivered)
}

func (d *Dispatcher) reject(origin Member, shipID int64, item string, current *models.Ship, err error) {
	payload := UpdateErrorPayload{
		Message: err.Error(),
		Code:    common.Code(err),
		ShipID:  shipID,
		Item:    item,
	}
	if errors.Is(err, common.ErrConflict) && current != nil {
		snap := current.Snapshot()
		payload.CompletionState = snap.CompletionState
		payload.CompletionDates = snap.CompletionDates
		payload.ItemVersions = snap.ItemVersions
	}

	if errors.Is(err, common.ErrPersistence) {
		d.logger.Error("checklist update failed", "ship_id", shipID, "item", item, "member", origin.ID(), "error", err)
	} else {
		d.logger.Warn("checklist update rejected", "ship_id", shipID, "item", item, "member", origin.ID(), "error", err)
	}

	msg, encErr := encode(EventChecklistUpdateError, payload)
	if encErr != nil {
		d.logger.Error("failed to encode error event", "error", encErr)
		return
	}
	origin.Send(msg)
}
