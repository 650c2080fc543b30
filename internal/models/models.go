package models

import (
	"time"
)

// Phase is the computed position of a ship in the preparation workflow
type Phase string

const (
	PhaseInPreparation Phase = "in_preparation"
	PhaseReadyToFinish Phase = "ready_to_finish"
	PhaseFinished      Phase = "finished"
)

// Ship is the composite ship status record: identity, lifecycle and checklist.
// Storage may split it across two tables; callers always see one value.
type Ship struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Owner             string `json:"owner"`
	RegistrationMarks string `json:"registrationMarks"`
	EngineSpecs       string `json:"engineSpecs"`

	InputDate           *string `json:"inputDate"`
	PlannedDeparture    *string `json:"plannedDeparture"`
	ActualReturnDate    *string `json:"actualReturnDate"`
	EstimatedPrepDays   *int64  `json:"estimatedPrepDays"`
	Finished            bool    `json:"finished"`
	EstimatedDeparture  *string `json:"estimatedDeparture"`
	PreparationDuration *string `json:"preparationDuration"`
	ElapsedDuration     *string `json:"elapsedDuration"`

	PreparationItems []string          `json:"preparationItems"`
	CompletionState  map[string]bool   `json:"completionState"`
	CompletionDates  map[string]string `json:"completionDates"`
	ItemVersions     map[string]int64  `json:"itemVersions"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewShip returns a ship with empty, non-nil checklist containers
func NewShip() *Ship {
	return &Ship{
		PreparationItems: []string{},
		CompletionState:  map[string]bool{},
		CompletionDates:  map[string]string{},
		ItemVersions:     map[string]int64{},
	}
}

// ChecklistSnapshot is the part of a ship that is fanned out to viewers
type ChecklistSnapshot struct {
	ShipID          int64             `json:"shipId"`
	CompletionState map[string]bool   `json:"completionState"`
	CompletionDates map[string]string `json:"completionDates"`
	ItemVersions    map[string]int64  `json:"itemVersions"`
}

// Snapshot copies the checklist maps so the result can be shared across
// goroutines after the ship is mutated again.
func (s *Ship) Snapshot() ChecklistSnapshot {
	snap := ChecklistSnapshot{
		ShipID:          s.ID,
		CompletionState: make(map[string]bool, len(s.CompletionState)),
		CompletionDates: make(map[string]string, len(s.CompletionDates)),
		ItemVersions:    make(map[string]int64, len(s.ItemVersions)),
	}
	for k, v := range s.CompletionState {
		snap.CompletionState[k] = v
	}
	for k, v := range s.CompletionDates {
		snap.CompletionDates[k] = v
	}
	for k, v := range s.ItemVersions {
		snap.ItemVersions[k] = v
	}
	return snap
}

// Identity is the verified caller attached to a request or connection
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Elevated reports whether the identity may reopen a finished ship
func (i Identity) Elevated() bool {
	return i.Role == "admin" || i.Role == "manager"
}
