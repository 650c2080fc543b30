package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Event names on the wire
const (
	EventJoinRoom             = "join-room"
	EventUpdateChecklist      = "update-checklist"
	EventChecklistUpdated     = "checklist-updated"
	EventChecklistUpdateError = "checklist-update-error"
)

// Envelope frames every message in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

// ShipID accepts both 7 and "7", older clients send ids as strings
type ShipID int64

func (id *ShipID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid ship id %s", b)
	}
	*id = ShipID(v)
	return nil
}

type JoinRoomPayload struct {
	ShipID ShipID `json:"shipId"`
}

type UpdateChecklistPayload struct {
	ShipID      ShipID  `json:"shipId"`
	Item        string  `json:"item"`
	Checked     bool    `json:"checked"`
	Date        *string `json:"date"`
	BaseVersion *int64  `json:"baseVersion,omitempty"`
}

type ChecklistUpdatedPayload struct {
	ShipID          int64             `json:"shipId"`
	CompletionState map[string]bool   `json:"completionState"`
	CompletionDates map[string]string `json:"completionDates"`
	ItemVersions    map[string]int64  `json:"itemVersions"`
}

// UpdateErrorPayload goes to the originator only. On a conflict it carries
// the current checklist so the client can reconcile.
type UpdateErrorPayload struct {
	Message         string            `json:"message"`
	Code            string            `json:"code"`
	ShipID          int64             `json:"shipId,omitempty"`
	Item            string            `json:"item,omitempty"`
	CompletionState map[string]bool   `json:"completionState,omitempty"`
	CompletionDates map[string]string `json:"completionDates,omitempty"`
	ItemVersions    map[string]int64  `json:"itemVersions,omitempty"`
}
