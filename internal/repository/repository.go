// Package repository persists composite ship records. Callers read and write a
// whole models.Ship; whether it lives in one table or is split across an
// identity table and a status table is decided by the implementation.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// Repository interface defines the methods that any repository implementation must satisfy
type Repository interface {
	// Get returns the composite record, common.ErrNotFound when the ship
	// does not exist.
	Get(ctx context.Context, id int64) (*models.Ship, error)
	// Upsert writes every field of the record. The identity row must exist;
	// a missing status row is created.
	Upsert(ctx context.Context, ship *models.Ship) error

	Create(ctx context.Context, ship *models.Ship) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]*models.Ship, error)
}

// withTimeout bounds a single persistence call: waiting for a pooled
// connection and running the query share the same deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func persistenceErr(op string, id int64, err error) error {
	return fmt.Errorf("%w: %s ship %d: %v", common.ErrPersistence, op, id, err)
}

// encodedChecklist is the JSON text form of the checklist fields
type encodedChecklist struct {
	Items    string
	State    string
	Dates    string
	Versions string
}

func encodeChecklist(s *models.Ship) (encodedChecklist, error) {
	var out encodedChecklist
	fields := []struct {
		dst *string
		v   any
	}{
		{&out.Items, nonNilSlice(s.PreparationItems)},
		{&out.State, nonNilMap(s.CompletionState)},
		{&out.Dates, nonNilMap(s.CompletionDates)},
		{&out.Versions, nonNilMap(s.ItemVersions)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return encodedChecklist{}, fmt.Errorf("failed to encode checklist of ship %d: %w", s.ID, err)
		}
		*f.dst = string(b)
	}
	return out, nil
}

// decodeChecklist fills the checklist fields of s. A column that does not
// decode is replaced by an empty container and logged; the rest of the record
// is still returned. A lost item list is rebuilt from the item keys of the
// other columns so the ship does not look ready with its checklist gone.
func decodeChecklist(logger *utils.Logger, s *models.Ship, enc encodedChecklist) {
	s.PreparationItems = []string{}
	s.CompletionState = map[string]bool{}
	s.CompletionDates = map[string]string{}
	s.ItemVersions = map[string]int64{}

	itemsOK := decodeField(logger, s.ID, "preparation_items", enc.Items, &s.PreparationItems)
	decodeField(logger, s.ID, "completion_state", enc.State, &s.CompletionState)
	decodeField(logger, s.ID, "completion_dates", enc.Dates, &s.CompletionDates)
	decodeField(logger, s.ID, "item_versions", enc.Versions, &s.ItemVersions)

	if !itemsOK {
		s.PreparationItems = recoverItems(s)
		logger.Warn("rebuilt checklist items from completion state",
			"ship_id", s.ID,
			"items", len(s.PreparationItems),
		)
	}

	// JSON null decodes to a nil container
	if s.PreparationItems == nil {
		s.PreparationItems = []string{}
	}
	if s.CompletionState == nil {
		s.CompletionState = map[string]bool{}
	}
	if s.CompletionDates == nil {
		s.CompletionDates = map[string]string{}
	}
	if s.ItemVersions == nil {
		s.ItemVersions = map[string]int64{}
	}
}

// decodeField reports false only when raw is present but does not decode
func decodeField[T any](logger *utils.Logger, shipID int64, column, raw string, dst *T) bool {
	if strings.TrimSpace(raw) == "" {
		return true
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		logger.Warn("degrading field to empty value",
			"error", fmt.Errorf("%w: %v", common.ErrMalformedStoredData, err),
			"ship_id", shipID,
			"column", column,
		)
		return false
	}
	*dst = v
	return true
}

// recoverItems lists every item named by the state, dates or versions
// columns. The original order is lost, so the result is sorted.
func recoverItems(s *models.Ship) []string {
	seen := map[string]bool{}
	for item := range s.CompletionState {
		seen[item] = true
	}
	for item := range s.CompletionDates {
		seen[item] = true
	}
	for item := range s.ItemVersions {
		seen[item] = true
	}

	items := make([]string, 0, len(seen))
	for item := range seen {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
