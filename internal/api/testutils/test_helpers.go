package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/rongwang/shipprep-server/internal/app"
	"github.com/rongwang/shipprep-server/internal/auth"
	"github.com/rongwang/shipprep-server/internal/config"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/repository"
	"github.com/rongwang/shipprep-server/internal/utils"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

// TestContext holds all dependencies for tests
type TestContext struct {
	App        *app.App
	Router     *gin.Engine
	Repository repository.Repository
	DB         *sqlx.DB
	JWTSecret  string
	StaffJWT   string
	ManagerJWT string
}

// SetupTestContext builds the full application on a fresh sqlite file using
// the given storage layout, defaulting to split.
func SetupTestContext(t *testing.T, layout ...string) *TestContext {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"*"}},
		Database: config.DatabaseConfig{
			Driver:       "sqlite3",
			SQLitePath:   filepath.Join(t.TempDir(), "ships.db"),
			QueryTimeout: 5 * time.Second,
		},
		Storage:   config.StorageConfig{Layout: config.LayoutSplit},
		Auth:      config.AuthConfig{JWTSecret: testSecret},
		Realtime:  config.RealtimeConfig{WriteTimeout: time.Second, PongTimeout: time.Minute, SendBuffer: 16},
		Scheduler: config.SchedulerConfig{DurationRefreshSpec: "@hourly"},
	}
	if len(layout) > 0 {
		cfg.Storage.Layout = layout[0]
	}

	gin.SetMode(gin.TestMode)

	a, err := app.New(context.Background(), cfg, utils.NopLogger())
	require.NoError(t, err, "Failed to set up test application")

	return &TestContext{
		App:        a,
		Router:     a.Router(),
		Repository: a.Repository(),
		DB:         a.DB(),
		JWTSecret:  testSecret,
		StaffJWT:   signToken(t, models.Identity{UserID: "staff-1", Role: "staff"}),
		ManagerJWT: signToken(t, models.Identity{UserID: "manager-1", Role: "manager"}),
	}
}

// CleanupTestContext cleans up test resources
func CleanupTestContext(t *TestContext) {
	if t.App != nil {
		t.App.Gateway().Close()
		_ = t.App.Close()
	}
}

func signToken(t *testing.T, id models.Identity) string {
	token, err := auth.Sign(testSecret, id, time.Hour)
	require.NoError(t, err, "Failed to generate JWT token")
	return token
}

// CreateShip posts a ship with the given checklist and returns the stored record
func CreateShip(t *testing.T, tc *TestContext, name string, items ...string) *models.Ship {
	t.Helper()

	inputDate := "2024-03-01"
	w := PerformRequest(tc.Router, http.MethodPost, "/api/ships", models.CreateShipRequest{
		Name:             name,
		Owner:            "Port Co",
		InputDate:        &inputDate,
		ActualReturnDate: &inputDate,
		PreparationItems: items,
	}, AuthHeaders(tc.StaffJWT))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	return DecodeShip(t, w).Ship
}

// DecodeShip unmarshals a single ship response
func DecodeShip(t *testing.T, w *httptest.ResponseRecorder) models.ShipResponse {
	t.Helper()
	var resp models.ShipResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// DecodeError unmarshals an error envelope
func DecodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}

// ShipPath formats a path under /api/ships/:id
func ShipPath(id int64, suffix string) string {
	return fmt.Sprintf("/api/ships/%d%s", id, suffix)
}
