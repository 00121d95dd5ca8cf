package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/notify"
	"github.com/xkilldash9x/scalpel-hitl/internal/runstate"
	"github.com/xkilldash9x/scalpel-hitl/internal/store"
)

// testConfig is an in-memory, browser-less configuration bound to an
// ephemeral port.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.SetDatabaseDriver(config.DriverMemory)
	cfg.SetServerAddr("127.0.0.1:0")
	cfg.BrowserCfg.Enabled = false
	cfg.NotifyCfg.Log = false
	return cfg
}

func TestInitializeStore(t *testing.T) {
	logger := zap.NewNop()
	ctx := context.Background()

	t.Run("MemoryDriver", func(t *testing.T) {
		st, err := InitializeStore(ctx, config.DatabaseConfig{Driver: config.DriverMemory}, logger)
		require.NoError(t, err)
		assert.IsType(t, &store.MemoryStore{}, st)
	})

	t.Run("EmptyDriverFallsBackToMemory", func(t *testing.T) {
		st, err := InitializeStore(ctx, config.DatabaseConfig{}, logger)
		require.NoError(t, err)
		assert.IsType(t, &store.MemoryStore{}, st)
	})

	t.Run("PostgresWithoutURL", func(t *testing.T) {
		_, err := InitializeStore(ctx, config.DatabaseConfig{Driver: config.DriverPostgres}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database URL is not configured")
		assert.Contains(t, err.Error(), "SCALPEL_HITL_DATABASE_URL")
	})

	t.Run("PostgresWithBadURL", func(t *testing.T) {
		_, err := InitializeStore(ctx, config.DatabaseConfig{Driver: config.DriverPostgres, URL: "postgres://%zz"}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unable to parse PGX pool config")
	})

	t.Run("UnsupportedDriver", func(t *testing.T) {
		_, err := InitializeStore(ctx, config.DatabaseConfig{Driver: "sqlite"}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database driver")
	})
}

func TestInitializeEngines(t *testing.T) {
	logger := zap.NewNop()

	t.Run("FollowsConfiguredOrder", func(t *testing.T) {
		cfg := testConfig()
		cfg.BrowserCfg.Enabled = true
		cfg.LearningCfg.Engines = []string{"browser", "http"}

		engines, cleanup, err := InitializeEngines(cfg, logger)
		require.NoError(t, err)
		defer func() { assert.NoError(t, cleanup()) }()

		require.Len(t, engines, 2)
		assert.Equal(t, "browser", engines[0].Name())
		assert.Equal(t, "http", engines[1].Name())
	})

	t.Run("UnlistedEnginesAreAppended", func(t *testing.T) {
		cfg := testConfig()
		cfg.BrowserCfg.Enabled = true
		cfg.LearningCfg.Engines = []string{"browser", "unknown"}

		engines, cleanup, err := InitializeEngines(cfg, logger)
		require.NoError(t, err)
		defer func() { assert.NoError(t, cleanup()) }()

		require.Len(t, engines, 2)
		assert.Equal(t, "browser", engines[0].Name())
		assert.Equal(t, "http", engines[1].Name())
	})

	t.Run("BrowserDisabled", func(t *testing.T) {
		engines, cleanup, err := InitializeEngines(testConfig(), logger)
		require.NoError(t, err)
		require.Len(t, engines, 1)
		assert.Equal(t, "http", engines[0].Name())
		assert.NoError(t, cleanup())
	})

	t.Run("InvalidProxy", func(t *testing.T) {
		cfg := testConfig()
		cfg.NetworkCfg.Proxy = config.ProxyConfig{Provider: "residential", URL: "://nope"}
		_, _, err := InitializeEngines(cfg, logger)
		assert.Error(t, err)
	})
}

func TestInitializeNotifier(t *testing.T) {
	logger := zap.NewNop()

	assert.IsType(t, notify.NoopNotifier{}, InitializeNotifier(config.NotifyConfig{}, logger))
	assert.IsType(t, &notify.LogNotifier{}, InitializeNotifier(config.NotifyConfig{Log: true}, logger))
	assert.IsType(t, &notify.SlackNotifier{}, InitializeNotifier(config.NotifyConfig{SlackWebhookURL: "http://hooks.invalid/x"}, logger))
	assert.IsType(t, &notify.MultiNotifier{}, InitializeNotifier(config.NotifyConfig{Log: true, SlackWebhookURL: "http://hooks.invalid/x"}, logger))
}

func TestCreate(t *testing.T) {
	factory := NewComponentFactory()
	ctx := context.Background()

	t.Run("RequiresConfigAndLogger", func(t *testing.T) {
		_, err := factory.Create(ctx, nil, zap.NewNop())
		assert.Error(t, err)
		_, err = factory.Create(ctx, testConfig(), nil)
		assert.Error(t, err)
	})

	t.Run("StoreFailureIsReported", func(t *testing.T) {
		cfg := testConfig()
		cfg.SetDatabaseDriver(config.DriverPostgres)
		cfg.DatabaseCfg.URL = ""
		_, err := factory.Create(ctx, cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize store")
	})

	t.Run("WiresEveryComponent", func(t *testing.T) {
		c, err := factory.Create(ctx, testConfig(), zaptest.NewLogger(t))
		require.NoError(t, err)
		defer func() { assert.NoError(t, c.Shutdown()) }()

		assert.NotNil(t, c.Store)
		assert.NotNil(t, c.Bus)
		assert.NotNil(t, c.Server)
		assert.NotNil(t, c.Listener)
		assert.NotNil(t, c.Maintenance, "maintenance is enabled by default")
		assert.NotNil(t, c.Orchestrator)
		require.Len(t, c.Engines, 1)

		// Starting a run must reach the task engine through the dispatcher.
		run, err := c.Machine.Create(ctx, runstate.CreateRequest{JobID: "job-1", Target: "https://shop.example.com/p/1"})
		require.NoError(t, err)
		_, err = c.Machine.Start(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, c.TaskEngine.QueueDepth())

		got, err := c.Machine.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schemas.RunRunning, got.Status)
	})

	t.Run("MaintenanceDisabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaintenanceCfg.Enabled = false
		c, err := factory.Create(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		defer c.Shutdown()
		assert.Nil(t, c.Maintenance)
	})

	t.Run("BadMaintenanceScheduleCleansUp", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaintenanceCfg.Schedule = "not a schedule"
		_, err := factory.Create(ctx, cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maintenance")
	})
}

func TestRecoverRunningRequeuesInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	c, err := NewComponentFactory().Create(ctx, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Shutdown()) }()

	// A run a previous process left mid-attempt, plus one that never started.
	now := time.Now().UTC()
	require.NoError(t, c.Store.CreateRun(ctx, &schemas.Run{ID: "interrupted", Target: "https://shop.example.com/a", Status: schemas.RunRunning, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, c.Store.CreateRun(ctx, &schemas.Run{ID: "pending", Target: "https://shop.example.com/b", Status: schemas.RunPending, CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, recoverRunning(c.Machine, zaptest.NewLogger(t))(ctx))
	assert.Equal(t, 1, c.TaskEngine.QueueDepth())

	// Running it again does not queue the same run twice.
	require.NoError(t, recoverRunning(c.Machine, zaptest.NewLogger(t))(ctx))
	assert.Equal(t, 1, c.TaskEngine.QueueDepth())
}

func TestComponentsRunAndShutdown(t *testing.T) {
	c, err := NewComponentFactory().Create(context.Background(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Orchestrator.Run(ctx) }()

	// Give the listener and server a moment to come up.
	require.Eventually(t, func() bool { return c.Bus.SubscriberCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	// The shutdown hook already ran; a second call is a no-op.
	assert.NoError(t, c.Shutdown())
	assert.Equal(t, 0, c.Bus.SubscriberCount())
}

func TestShutdownPartialComponents(t *testing.T) {
	c := &Components{}
	assert.NoError(t, c.Shutdown())
}
