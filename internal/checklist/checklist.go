// Package checklist owns the rules for a ship's preparation checklist: item
// toggles, per-item versions, readiness and the finish/unfinish state machine.
//
// Functions here mutate a *models.Ship in memory only. Serialising concurrent
// writers and persisting the result is the caller's job.
package checklist

import (
	"fmt"
	"strings"

	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
)

// Update is a single item toggle as sent by a client
type Update struct {
	Item    string
	Checked bool
	Date    *string
	// BaseVersion is the item version the client last saw. Nil means the
	// client does not track versions and the update is last-write-wins.
	BaseVersion *int64
}

// ConflictError reports an update made against a stale item version
type ConflictError struct {
	Item    string
	Base    int64
	Current int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("item %q changed since version %d (now %d)", e.Item, e.Base, e.Current)
}

func (e *ConflictError) Unwrap() error {
	return common.ErrConflict
}

// Normalize makes sure every container is non-nil and drops completion dates
// of items that are not checked.
func Normalize(s *models.Ship) {
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
	for item := range s.CompletionDates {
		if !s.CompletionState[item] {
			delete(s.CompletionDates, item)
		}
	}
}

// HasItem reports whether item is on the ship's checklist
func HasItem(s *models.Ship, item string) bool {
	for _, it := range s.PreparationItems {
		if it == item {
			return true
		}
	}
	return false
}

// Ready reports whether every checklist item is checked. An empty checklist
// is ready.
func Ready(s *models.Ship) bool {
	for _, item := range s.PreparationItems {
		if !s.CompletionState[item] {
			return false
		}
	}
	return true
}

// PhaseOf computes the workflow phase. A finished ship stays finished even
// when items appended afterwards make it not ready.
func PhaseOf(s *models.Ship) models.Phase {
	switch {
	case s.Finished:
		return models.PhaseFinished
	case Ready(s):
		return models.PhaseReadyToFinish
	default:
		return models.PhaseInPreparation
	}
}

// Apply toggles one item. It returns false without touching the ship when the
// update matches the current state, so replaying an update is harmless.
func Apply(s *models.Ship, u Update) (bool, error) {
	Normalize(s)

	item := strings.TrimSpace(u.Item)
	if item == "" {
		return false, fmt.Errorf("%w: item is required", common.ErrValidation)
	}
	if !HasItem(s, item) {
		return false, fmt.Errorf("%w: item %q is not on the checklist", common.ErrValidation, item)
	}

	date := ""
	if u.Date != nil {
		date = strings.TrimSpace(*u.Date)
	}

	if isNoop(s, item, u.Checked, date) {
		return false, nil
	}

	current := s.ItemVersions[item]
	if u.BaseVersion != nil && *u.BaseVersion != current {
		return false, &ConflictError{Item: item, Base: *u.BaseVersion, Current: current}
	}

	if u.Checked {
		s.CompletionState[item] = true
		if date != "" {
			s.CompletionDates[item] = date
		} else {
			delete(s.CompletionDates, item)
		}
	} else {
		s.CompletionState[item] = false
		delete(s.CompletionDates, item)
	}
	s.ItemVersions[item] = current + 1

	return true, nil
}

func isNoop(s *models.Ship, item string, checked bool, date string) bool {
	if s.CompletionState[item] != checked {
		return false
	}
	stored, ok := s.CompletionDates[item]
	if !checked {
		return !ok
	}
	if date == "" {
		return !ok
	}
	return ok && stored == date
}

// AddItem appends a new unchecked item. Finished ships accept new items too.
func AddItem(s *models.Ship, item string) error {
	Normalize(s)

	item = strings.TrimSpace(item)
	if item == "" {
		return fmt.Errorf("%w: item is required", common.ErrValidation)
	}
	if HasItem(s, item) {
		return fmt.Errorf("%w: item %q already exists", common.ErrConflict, item)
	}

	s.PreparationItems = append(s.PreparationItems, item)
	s.CompletionState[item] = false
	delete(s.CompletionDates, item)
	s.ItemVersions[item]++
	return nil
}

// Finish marks the ship as departed. Every item must be checked.
func Finish(s *models.Ship, estimatedDeparture string) error {
	Normalize(s)

	estimatedDeparture = strings.TrimSpace(estimatedDeparture)
	if estimatedDeparture == "" {
		return fmt.Errorf("%w: estimated departure date is required", common.ErrValidation)
	}
	if _, err := ParseDate(estimatedDeparture); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if !Ready(s) {
		return common.ErrNotReady
	}

	s.Finished = true
	s.EstimatedDeparture = &estimatedDeparture
	s.PreparationDuration = nil
	if s.ActualReturnDate != nil {
		if d, ok := Duration(*s.ActualReturnDate, estimatedDeparture); ok {
			s.PreparationDuration = &d
		}
	}
	return nil
}

// Unfinish reopens a finished ship. Besides clearing the finish fields it
// restarts the checklist: every item goes back to unchecked and all dates are
// dropped. The item list itself is kept.
func Unfinish(s *models.Ship) error {
	Normalize(s)

	if !s.Finished {
		return fmt.Errorf("%w: ship is not finished", common.ErrInvalidTransition)
	}

	s.Finished = false
	s.EstimatedDeparture = nil
	s.PreparationDuration = nil

	for item := range s.CompletionState {
		s.CompletionState[item] = false
	}
	for _, item := range s.PreparationItems {
		s.CompletionState[item] = false
		s.ItemVersions[item]++
	}
	s.CompletionDates = map[string]string{}
	return nil
}

// ReplaceItems swaps the checklist for a caller-supplied one, as done by a
// full-record write. Items keep their versions; removed items lose all state.
func ReplaceItems(s *models.Ship, items []string) error {
	Normalize(s)

	seen := make(map[string]bool, len(items))
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			return fmt.Errorf("%w: empty checklist item", common.ErrValidation)
		}
		if seen[item] {
			return fmt.Errorf("%w: duplicate checklist item %q", common.ErrValidation, item)
		}
		seen[item] = true
		cleaned = append(cleaned, item)
	}

	for item := range s.CompletionState {
		if !seen[item] {
			delete(s.CompletionState, item)
		}
	}
	for item := range s.CompletionDates {
		if !seen[item] {
			delete(s.CompletionDates, item)
		}
	}
	for item := range s.ItemVersions {
		if !seen[item] {
			delete(s.ItemVersions, item)
		}
	}
	for _, item := range cleaned {
		if _, ok := s.CompletionState[item]; !ok {
			s.CompletionState[item] = false
		}
	}
	s.PreparationItems = cleaned
	return nil
}
