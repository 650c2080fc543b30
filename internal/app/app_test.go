package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rongwang/shipprep-server/internal/config"
	"github.com/rongwang/shipprep-server/internal/repository"
	"github.com/rongwang/shipprep-server/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, layout string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, AllowedOrigins: []string{"*"}},
		Database: config.DatabaseConfig{
			Driver:       "sqlite3",
			SQLitePath:   filepath.Join(t.TempDir(), "app.db"),
			QueryTimeout: time.Second,
		},
		Storage:   config.StorageConfig{Layout: layout},
		Auth:      config.AuthConfig{JWTSecret: "app-secret"},
		Realtime:  config.RealtimeConfig{WriteTimeout: time.Second, PongTimeout: time.Minute, SendBuffer: 8},
		Scheduler: config.SchedulerConfig{DurationRefreshSpec: "@hourly"},
	}
}

func TestNew_PicksRepositoryForLayout(t *testing.T) {
	gin.SetMode(gin.TestMode)

	split, err := New(context.Background(), testConfig(t, config.LayoutSplit), utils.NopLogger())
	require.NoError(t, err)
	defer split.Close()
	assert.IsType(t, &repository.SQLRepository{}, split.Repository())

	wide, err := New(context.Background(), testConfig(t, config.LayoutWide), utils.NopLogger())
	require.NoError(t, err)
	defer wide.Close()
	assert.IsType(t, &repository.GormRepository{}, wide.Repository())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, config.LayoutSplit)
	cfg.Scheduler.DurationRefreshSpec = "whenever"
	_, err := New(context.Background(), cfg, utils.NopLogger())
	assert.Error(t, err)

	cfg = testConfig(t, "columnar")
	_, err = New(context.Background(), cfg, utils.NopLogger())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)

	a, err := New(context.Background(), testConfig(t, config.LayoutSplit), utils.NopLogger())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
