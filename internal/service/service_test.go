package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rongwang/shipprep-server/internal/checklist"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/migrations"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*DefaultService, repository.Repository) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.db")
	db, err := sqlx.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	m, err := migrations.NewManager(db, migrations.SplitSchema(), nil, migrations.Options{})
	require.NoError(t, err)
	_, err = m.Run(context.Background())
	require.NoError(t, err)

	repo := repository.NewSQLRepository(db, 5*time.Second, nil)
	svc := NewDefaultService(repo, nil)
	svc.now = func() time.Time { return time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC) }
	return svc, repo
}

func strPtr(s string) *string { return &s }

func createShip(t *testing.T, svc *DefaultService, items ...string) *models.Ship {
	t.Helper()
	ship, err := svc.CreateShip(context.Background(), models.CreateShipRequest{
		Name:             "Aurora",
		Owner:            "Port Co",
		InputDate:        strPtr("2024-03-01"),
		ActualReturnDate: strPtr("2024-03-01"),
		PreparationItems: items,
	})
	require.NoError(t, err)
	return ship
}

func TestCreateShip(t *testing.T) {
	svc, _ := newTestService(t)

	ship := createShip(t, svc, "Hull", "Sails")
	assert.NotZero(t, ship.ID)
	assert.Equal(t, map[string]bool{"Hull": false, "Sails": false}, ship.CompletionState)
	require.NotNil(t, ship.ElapsedDuration)
	assert.Equal(t, "10 days", *ship.ElapsedDuration)

	_, err := svc.CreateShip(context.Background(), models.CreateShipRequest{Name: "  "})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = svc.CreateShip(context.Background(), models.CreateShipRequest{Name: "Dup", PreparationItems: []string{"A", "A"}})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestUpdateChecklist_ConcurrentItemsAreAllKept(t *testing.T) {
	svc, _ := newTestService(t)

	items := make([]string, 20)
	for i := range items {
		items[i] = fmt.Sprintf("item-%02d", i)
	}
	ship := createShip(t, svc, items...)

	var wg sync.WaitGroup
	errs := make(chan error, len(items))
	for _, item := range items {
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			_, _, err := svc.UpdateChecklist(context.Background(), ship.ID, checklist.Update{
				Item: item, Checked: true, Date: strPtr("2024-03-05"),
			})
			errs <- err
		}(item)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := svc.GetShip(context.Background(), ship.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.True(t, got.CompletionState[item], item)
		assert.Equal(t, "2024-03-05", got.CompletionDates[item], item)
		assert.Equal(t, int64(1), got.ItemVersions[item], item)
	}
	assert.Zero(t, svc.locks.size(), "locks are released")
}

func TestUpdateChecklist_Conflict(t *testing.T) {
	svc, _ := newTestService(t)
	ship := createShip(t, svc, "Hull")
	ctx := context.Background()

	_, changed, err := svc.UpdateChecklist(ctx, ship.ID, checklist.Update{Item: "Hull", Checked: true, BaseVersion: new(int64)})
	require.NoError(t, err)
	assert.True(t, changed)

	stale := int64(0)
	current, changed, err := svc.UpdateChecklist(ctx, ship.ID, checklist.Update{Item: "Hull", Checked: false, BaseVersion: &stale})
	assert.ErrorIs(t, err, common.ErrConflict)
	assert.False(t, changed)
	require.NotNil(t, current, "conflicts carry the current state")
	assert.True(t, current.CompletionState["Hull"])

	_, _, err = svc.UpdateChecklist(ctx, 404, checklist.Update{Item: "Hull", Checked: true})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestFinishAndUnfinish(t *testing.T) {
	svc, _ := newTestService(t)
	ship := createShip(t, svc, "A", "B")
	ctx := context.Background()

	_, err := svc.Finish(ctx, ship.ID, "2024-03-15")
	assert.ErrorIs(t, err, common.ErrNotReady)

	for _, item := range []string{"A", "B"} {
		_, _, err := svc.UpdateChecklist(ctx, ship.ID, checklist.Update{Item: item, Checked: true, Date: strPtr("2024-03-10")})
		require.NoError(t, err)
	}

	finished, err := svc.Finish(ctx, ship.ID, "2024-03-15")
	require.NoError(t, err)
	assert.True(t, finished.Finished)
	require.NotNil(t, finished.PreparationDuration)
	assert.Equal(t, "14 days", *finished.PreparationDuration)

	_, err = svc.Unfinish(ctx, models.Identity{UserID: "u1", Role: "staff"}, ship.ID)
	assert.ErrorIs(t, err, common.ErrForbidden)

	reopened, err := svc.Unfinish(ctx, models.Identity{UserID: "u2", Role: "manager"}, ship.ID)
	require.NoError(t, err)
	assert.False(t, reopened.Finished)
	assert.Nil(t, reopened.EstimatedDeparture)
	assert.Nil(t, reopened.PreparationDuration)
	assert.Equal(t, []string{"A", "B"}, reopened.PreparationItems)
	assert.Equal(t, map[string]bool{"A": false, "B": false}, reopened.CompletionState)
	assert.Empty(t, reopened.CompletionDates)

	_, err = svc.Unfinish(ctx, models.Identity{UserID: "u2", Role: "admin"}, ship.ID)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestAddItem_AfterFinish(t *testing.T) {
	svc, _ := newTestService(t)
	ship := createShip(t, svc)
	ctx := context.Background()

	_, err := svc.Finish(ctx, ship.ID, "2024-03-15")
	require.NoError(t, err)

	got, err := svc.AddItem(ctx, ship.ID, "Late check")
	require.NoError(t, err)
	assert.True(t, got.Finished)
	assert.False(t, checklist.Ready(got))
	assert.Equal(t, models.PhaseFinished, checklist.PhaseOf(got))

	_, err = svc.AddItem(ctx, ship.ID, "Late check")
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestReplaceShip_KeepsAbsentFields(t *testing.T) {
	svc, _ := newTestService(t)
	ship := createShip(t, svc, "Hull", "Sails")
	ctx := context.Background()

	_, _, err := svc.UpdateChecklist(ctx, ship.ID, checklist.Update{Item: "Hull", Checked: true, Date: strPtr("2024-03-02")})
	require.NoError(t, err)

	state := map[string]bool{"Hull": true, "Sails": true}
	got, err := svc.ReplaceShip(ctx, ship.ID, models.UpdateShipRequest{
		EngineSpecs:     strPtr("2x diesel"),
		CompletionState: &state,
	})
	require.NoError(t, err)

	assert.Equal(t, "Aurora", got.Name)
	assert.Equal(t, "Port Co", got.Owner)
	assert.Equal(t, "2x diesel", got.EngineSpecs)
	assert.Equal(t, []string{"Hull", "Sails"}, got.PreparationItems)
	assert.Equal(t, "2024-03-02", got.CompletionDates["Hull"], "dates survive when absent")
	assert.Equal(t, int64(1), got.ItemVersions["Hull"], "unchanged item keeps its version")
	assert.Equal(t, int64(1), got.ItemVersions["Sails"], "changed item is bumped")

	items := []string{"Sails", "Mast"}
	got, err = svc.ReplaceShip(ctx, ship.ID, models.UpdateShipRequest{PreparationItems: &items})
	require.NoError(t, err)
	assert.Equal(t, items, got.PreparationItems)
	assert.NotContains(t, got.CompletionState, "Hull")
	assert.NotContains(t, got.CompletionDates, "Hull")

	_, err = svc.ReplaceShip(ctx, ship.ID, models.UpdateShipRequest{Name: strPtr("")})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = svc.ReplaceShip(ctx, 404, models.UpdateShipRequest{})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRefreshDerivedDurations(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	open := createShip(t, svc, "A")
	done := createShip(t, svc)
	_, err := svc.Finish(ctx, done.ID, "2024-03-12")
	require.NoError(t, err)

	n, err := svc.RefreshDerivedDurations(ctx, time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, "20 days", *got.ElapsedDuration)

	n, err = svc.RefreshDerivedDurations(ctx, time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n, "second run on the same day changes nothing")
}

func TestDeleteShip(t *testing.T) {
	svc, _ := newTestService(t)
	ship := createShip(t, svc, "A")
	ctx := context.Background()

	require.NoError(t, svc.DeleteShip(ctx, ship.ID))
	_, err := svc.GetShip(ctx, ship.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteShip(ctx, ship.ID), common.ErrNotFound)
}

// failingRepo serves reads from memory and fails every write
type failingRepo struct {
	repository.Repository
	ship *models.Ship
}

func (f *failingRepo) Get(ctx context.Context, id int64) (*models.Ship, error) {
	if f.ship == nil || f.ship.ID != id {
		return nil, common.ErrNotFound
	}
	cp := *f.ship
	cp.CompletionState = map[string]bool{}
	for k, v := range f.ship.CompletionState {
		cp.CompletionState[k] = v
	}
	return &cp, nil
}

func (f *failingRepo) Upsert(ctx context.Context, ship *models.Ship) error {
	return fmt.Errorf("%w: disk full", common.ErrPersistence)
}

func TestUpdateChecklist_PersistenceFailure(t *testing.T) {
	ship := models.NewShip()
	ship.ID = 3
	ship.PreparationItems = []string{"Hull"}
	svc := NewDefaultService(&failingRepo{ship: ship}, nil)

	got, changed, err := svc.UpdateChecklist(context.Background(), 3, checklist.Update{Item: "Hull", Checked: true})
	assert.True(t, errors.Is(err, common.ErrPersistence))
	assert.False(t, changed)
	assert.Nil(t, got)
}

func TestCommitHooks_RunOnlyForPersistedChanges(t *testing.T) {
	svc, _ := newTestService(t)
	ship := createShip(t, svc, "Hull")
	ctx := context.Background()

	var seen []map[string]bool
	hook := func(committed *models.Ship) {
		seen = append(seen, committed.Snapshot().CompletionState)
	}

	_, _, err := svc.UpdateChecklist(ctx, ship.ID, checklist.Update{Item: "Hull", Checked: true}, hook)
	require.NoError(t, err)
	_, _, err = svc.UpdateChecklist(ctx, ship.ID, checklist.Update{Item: "Hull", Checked: true}, hook)
	require.NoError(t, err, "replay")
	_, _, err = svc.UpdateChecklist(ctx, ship.ID, checklist.Update{Item: "Mast", Checked: true}, hook)
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = svc.AddItem(ctx, ship.ID, "Hull", hook)
	assert.ErrorIs(t, err, common.ErrConflict)

	_, err = svc.AddItem(ctx, ship.ID, "Radio", hook)
	require.NoError(t, err)

	assert.Equal(t, []map[string]bool{
		{"Hull": true},
		{"Hull": true, "Radio": false},
	}, seen)
}
