package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rongwang/shipprep-server/internal/api/testutils"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkItem(item string, checked bool, date string) models.ChecklistUpdateRequest {
	req := models.ChecklistUpdateRequest{Item: item, Checked: &checked}
	if date != "" {
		req.Date = &date
	}
	return req
}

func TestUpdateChecklist(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)
	headers := testutils.AuthHeaders(testCtx.StaffJWT)
	ship := testutils.CreateShip(t, testCtx, "Aurora", "Hull", "Sails")
	path := testutils.ShipPath(ship.ID, "/checklist")

	// Test case 1: Check an item with a date
	w := testutils.PerformRequest(testCtx.Router, http.MethodPatch, path, checkItem("Hull", true, "2024-03-05"), headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := testutils.DecodeShip(t, w).Ship
	assert.True(t, got.CompletionState["Hull"])
	assert.Equal(t, "2024-03-05", got.CompletionDates["Hull"])
	assert.Equal(t, int64(1), got.ItemVersions["Hull"])

	// Test case 2: Stale base version
	stale := int64(0)
	req := checkItem("Hull", false, "")
	req.BaseVersion = &stale
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path, req, headers)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", testutils.DecodeError(t, w).Code)

	// Test case 3: Unknown item
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path, checkItem("Mast", true, ""), headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 4: Missing checked flag
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path, map[string]any{"item": "Hull"}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 5: Unknown ship
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, testutils.ShipPath(404, "/checklist"),
		checkItem("Hull", true, ""), headers)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Test case 6: Uncheck clears the date
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path, checkItem("Hull", false, ""), headers)
	require.Equal(t, http.StatusOK, w.Code)
	got = testutils.DecodeShip(t, w).Ship
	assert.False(t, got.CompletionState["Hull"])
	assert.NotContains(t, got.CompletionDates, "Hull")
}

func TestAddItem(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)
	headers := testutils.AuthHeaders(testCtx.StaffJWT)
	ship := testutils.CreateShip(t, testCtx, "Aurora", "Hull")
	path := testutils.ShipPath(ship.ID, "/items")

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, path, models.AddItemRequest{Item: "Radio"}, headers)
	require.Equal(t, http.StatusCreated, w.Code)
	got := testutils.DecodeShip(t, w).Ship
	assert.Equal(t, []string{"Hull", "Radio"}, got.PreparationItems)
	assert.False(t, got.CompletionState["Radio"])

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, path, models.AddItemRequest{Item: "Radio"}, headers)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFinishAndUnfinish(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)
	staff := testutils.AuthHeaders(testCtx.StaffJWT)
	manager := testutils.AuthHeaders(testCtx.ManagerJWT)
	ship := testutils.CreateShip(t, testCtx, "Aurora", "Hull")
	finish := models.FinishRequest{EstimatedDeparture: "2024-03-15"}

	// Test case 1: Not ready
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, testutils.ShipPath(ship.ID, "/finish"), finish, staff)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_READY", testutils.DecodeError(t, w).Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, testutils.ShipPath(ship.ID, "/checklist"),
		checkItem("Hull", true, "2024-03-10"), staff)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PhaseReadyToFinish, testutils.DecodeShip(t, w).Phase)

	// Test case 2: Finish
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, testutils.ShipPath(ship.ID, "/finish"), finish, staff)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := testutils.DecodeShip(t, w)
	assert.Equal(t, models.PhaseFinished, resp.Phase)
	require.NotNil(t, resp.Ship.PreparationDuration)
	assert.Equal(t, "14 days", *resp.Ship.PreparationDuration)

	// Test case 3: Staff cannot reopen
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, testutils.ShipPath(ship.ID, "/unfinish"), nil, staff)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", testutils.DecodeError(t, w).Code)

	// Test case 4: Manager reopens
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, testutils.ShipPath(ship.ID, "/unfinish"), nil, manager)
	require.Equal(t, http.StatusOK, w.Code)
	resp = testutils.DecodeShip(t, w)
	assert.False(t, resp.Ship.Finished)
	assert.Equal(t, models.PhaseInPreparation, resp.Phase)

	// Test case 5: Reopening an open ship
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, testutils.ShipPath(ship.ID, "/unfinish"), nil, manager)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", testutils.DecodeError(t, w).Code)
}

func TestRESTChangesReachLiveViewers(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)
	ship := testutils.CreateShip(t, testCtx, "Aurora", "Hull")

	server := httptest.NewServer(testCtx.Router)
	defer server.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testCtx.ManagerJWT)
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "join-room", "data": map[string]any{"shipId": ship.ID}}))
	require.Eventually(t, func() bool {
		return len(testCtx.App.Gateway().Registry().Members(ship.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPatch, testutils.ShipPath(ship.ID, "/checklist"),
		checkItem("Hull", true, "2024-03-10"), testutils.AuthHeaders(testCtx.StaffJWT))
	require.Equal(t, http.StatusOK, w.Code)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Event string                   `json:"event"`
		Data  models.ChecklistSnapshot `json:"data"`
	}
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "checklist-updated", env.Event)
	assert.Equal(t, ship.ID, env.Data.ShipID)
	assert.True(t, env.Data.CompletionState["Hull"])
	assert.Equal(t, "2024-03-10", env.Data.CompletionDates["Hull"])
}
