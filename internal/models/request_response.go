package models

// Request models
type CreateShipRequest struct {
	Name              string   `json:"name" binding:"required"`
	Owner             string   `json:"owner"`
	RegistrationMarks string   `json:"registrationMarks"`
	EngineSpecs       string   `json:"engineSpecs"`
	InputDate         *string  `json:"inputDate"`
	PlannedDeparture  *string  `json:"plannedDeparture"`
	ActualReturnDate  *string  `json:"actualReturnDate"`
	EstimatedPrepDays *int64   `json:"estimatedPrepDays"`
	PreparationItems  []string `json:"preparationItems"`
}

// UpdateShipRequest replaces a ship record. Every field is optional: a field
// missing from the payload keeps its stored value.
type UpdateShipRequest struct {
	Name              *string `json:"name"`
	Owner             *string `json:"owner"`
	RegistrationMarks *string `json:"registrationMarks"`
	EngineSpecs       *string `json:"engineSpecs"`
	InputDate         *string `json:"inputDate"`
	PlannedDeparture  *string `json:"plannedDeparture"`
	ActualReturnDate  *string `json:"actualReturnDate"`
	EstimatedPrepDays *int64  `json:"estimatedPrepDays"`

	PreparationItems *[]string          `json:"preparationItems"`
	CompletionState  *map[string]bool   `json:"completionState"`
	CompletionDates  *map[string]string `json:"completionDates"`
}

type ChecklistUpdateRequest struct {
	Item        string  `json:"item" binding:"required"`
	Checked     *bool   `json:"checked" binding:"required"`
	Date        *string `json:"date"`
	BaseVersion *int64  `json:"baseVersion"`
}

type AddItemRequest struct {
	Item string `json:"item" binding:"required"`
}

type FinishRequest struct {
	EstimatedDeparture string `json:"estimatedDeparture" binding:"required"`
}

// Response models
type ShipResponse struct {
	Status string `json:"status"`
	Ship   *Ship  `json:"ship"`
	Phase  Phase  `json:"phase"`
	Ready  bool   `json:"ready"`
}

type ShipListResponse struct {
	Status string         `json:"status"`
	Ships  []ShipResponse `json:"ships"`
}

type DeleteResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
