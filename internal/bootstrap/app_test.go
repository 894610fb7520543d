package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"copy_trader/internal/config"
	"copy_trader/internal/core"
	"copy_trader/internal/feed"
	"copy_trader/internal/mock"
	"copy_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := config.DefaultConfig()
	cfg.App.MonitoredAccount = "0xtrader"
	cfg.Copy.SlippageBps = 0
	cfg.Persistence.Driver = "memory"
	cfg.Execution.ConfirmPollInterval = 5 * time.Millisecond
	cfg.Execution.ConfirmTimeout = time.Second
	cfg.Telemetry.EnableMetrics = false
	cfg.System.StatusInterval = 0
	return cfg
}

func TestApp_DryRunPipeline(t *testing.T) {
	source := feed.NewChannelFeed("test", 4)
	app, err := NewApp(context.Background(), testConfig(), WithFeeds(source), WithLogger(logging.Nop()))
	require.NoError(t, err)

	paper, ok := app.Client.(*mock.PaperExchange)
	require.True(t, ok, "dry run uses the paper exchange")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.True(t, source.Publish(ctx, core.TradeEvent{
		Source:        "test",
		Account:       "0xtrader",
		MarketID:      "cond-1",
		InstrumentID:  "tok",
		Side:          core.SideBuy,
		Size:          decimal.NewFromInt(2000),
		Price:         decimal.RequireFromString("0.5"),
		Timestamp:     time.Now(),
		CorrelationID: "0xabc",
	}))

	require.Eventually(t, func() bool { return len(paper.Orders()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return app.Executor.Stats().Matched == 1 }, 2*time.Second, 5*time.Millisecond)

	status := app.Status(context.Background())
	require.Len(t, status.Pipeline.Positions, 1)
	assert.True(t, decimal.NewFromInt(200).Equal(status.Pipeline.Positions[0].Size))
	assert.Equal(t, "memory", status.Persistence.Driver)
	assert.True(t, app.Health.IsHealthy())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// final flush on shutdown
	snap, err := app.Persistence.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Contains(t, snap.OwnPositions, "tok")
	assert.Contains(t, snap.MonitoredPositions, "tok")
	assert.Contains(t, snap.ProcessedIDs, "0xabc")
}

func TestNewApp_LiveModeNeedsOrderClient(t *testing.T) {
	cfg := testConfig()
	cfg.App.DryRun = false

	_, err := NewApp(context.Background(), cfg, WithFeeds(feed.NewChannelFeed("test", 1)), WithLogger(logging.Nop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order client")

	client := mock.NewPaperExchange(decimal.NewFromInt(50))
	app, err := NewApp(context.Background(), cfg, WithOrderClient(client),
		WithFeeds(feed.NewChannelFeed("test", 1)), WithLogger(logging.Nop()))
	require.NoError(t, err)
	assert.Same(t, client, app.Client)
}

func TestNewApp_BuildsConfiguredFeeds(t *testing.T) {
	cfg := testConfig()
	_, err := NewApp(context.Background(), cfg, WithLogger(logging.Nop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no trade feed")

	cfg.Feed.WebsocketURL = "ws://127.0.0.1:1/ws"
	cfg.Feed.PollURL = "http://127.0.0.1:1/activity"
	app, err := NewApp(context.Background(), cfg, WithLogger(logging.Nop()))
	require.NoError(t, err)
	require.Len(t, app.Feeds, 2)
	assert.Equal(t, "websocket", app.Feeds[0].Name())
	assert.Equal(t, "poll", app.Feeds[1].Name())
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.Workers = 0
	_, err := NewApp(context.Background(), cfg, WithLogger(logging.Nop()))
	assert.Error(t, err)
}

func TestCheckPreFlight(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	assert.Error(t, checkPreFlight(cfg), "a feed is required")

	cfg.Feed.PollURL = "http://localhost/activity"
	cfg.Persistence.Driver = "file"
	cfg.Persistence.Path = filepath.Join(dir, "nested", "positions.json")
	require.NoError(t, checkPreFlight(cfg))
	assert.DirExists(t, filepath.Join(dir, "nested"))

	require.NoError(t, os.WriteFile(cfg.Persistence.Path, []byte("{}"), 0o600))
	require.NoError(t, checkPreFlight(cfg))

	require.NoError(t, os.Chmod(cfg.Persistence.Path, 0o666))
	err := checkPreFlight(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "app:\n  monitored_account: \"0xtrader\"\n" +
		"feed:\n  poll_url: \"http://localhost/activity\"\n" +
		"persistence:\n  driver: sqlite\n  path: \"" + filepath.Join(dir, "state.db") + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Persistence.Driver)
	assert.Equal(t, 5, cfg.Dispatcher.Workers)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestApp_BreakerTripRaisesAlert(t *testing.T) {
	pretexts := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Attachments []struct {
				Pretext string `json:"pretext"`
			} `json:"attachments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err == nil && len(msg.Attachments) == 1 {
			pretexts <- msg.Attachments[0].Pretext
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Risk.MaxConsecutiveFailures = 1
	cfg.Alert.SlackWebhookURL = config.Secret(srv.URL)

	app, err := NewApp(context.Background(), cfg, WithFeeds(feed.NewChannelFeed("test", 1)), WithLogger(logging.Nop()))
	require.NoError(t, err)
	assert.Equal(t, []string{"slack"}, app.Alerts.Channels())

	app.Breaker.RecordFailure()

	select {
	case got := <-pretexts:
		assert.Equal(t, "[CRITICAL] Circuit breaker tripped", got)
	case <-time.After(2 * time.Second):
		t.Fatal("breaker trip did not reach the webhook")
	}
	app.release(context.Background())
}
