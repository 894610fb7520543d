package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copy_trader/internal/alert"
	"copy_trader/internal/core"
	"copy_trader/internal/feed"
	"copy_trader/internal/infrastructure/health"
	"copy_trader/internal/infrastructure/server"
	"copy_trader/internal/mock"
	"copy_trader/internal/persistence"
	"copy_trader/internal/risk"
	"copy_trader/internal/trading/dispatcher"
	"copy_trader/internal/trading/execution"
	"copy_trader/internal/trading/position"
	"copy_trader/internal/trading/sizing"
	httpclient "copy_trader/pkg/http"
	"copy_trader/pkg/logging"
	"copy_trader/pkg/telemetry"
	"copy_trader/pkg/websocket"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	feedBuffer      = 256
)

// App holds the wired pipeline and runs it until a termination signal
type App struct {
	Cfg    *Config
	Logger core.ILogger

	Telemetry   *telemetry.Telemetry
	Persistence persistence.Store
	Store       *position.Store
	Client      core.IOrderClient
	Breaker     *risk.CircuitBreaker
	Gate        *risk.Gate
	Executor    *execution.Executor
	Dispatcher  *dispatcher.Dispatcher
	Health      *health.HealthManager
	Server      *server.Server
	Feeds       []core.IFeedSource
	Alerts      *alert.AlertManager

	zap *logging.ZapLogger
}

// Option customises NewApp
type Option func(*App)

// WithOrderClient routes orders to client instead of the paper exchange
func WithOrderClient(client core.IOrderClient) Option {
	return func(a *App) { a.Client = client }
}

// WithFeeds replaces the configured feeds
func WithFeeds(feeds ...core.IFeedSource) Option {
	return func(a *App) { a.Feeds = feeds }
}

// WithLogger replaces the logger built from configuration
func WithLogger(logger core.ILogger) Option {
	return func(a *App) { a.Logger = logger }
}

// Status is the combined view served on /status and printed periodically
type Status struct {
	Pipeline    dispatcher.StatusSnapshot `json:"pipeline"`
	Executor    execution.Stats           `json:"executor"`
	Persistence PersistenceStatus         `json:"persistence"`
}

// PersistenceStatus reports the save loop
type PersistenceStatus struct {
	Driver    string    `json:"driver"`
	Saves     int64     `json:"saves"`
	Failures  int64     `json:"failures"`
	LastSaved time.Time `json:"last_saved"`
}

// NewApp wires every component. Positions are restored before it returns.
func NewApp(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.SetupWithConfig(telemetry.Config{
			ServiceName:  cfg.App.Name,
			StdoutTraces: cfg.Telemetry.StdoutTraces,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.Telemetry = tel
	}

	if a.Logger == nil {
		logger, err := InitLogger(cfg)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		a.zap = logger
		a.Logger = logger
	}

	if err := a.wire(ctx); err != nil {
		a.release(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Cfg
	meter := telemetry.GetMeter("copy-trader")

	store, err := persistence.New(ctx, cfg.Persistence)
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	a.Persistence = store

	a.Store = position.NewStore(store, position.ConfigFromConfig(cfg.Persistence), a.Logger)
	a.Store.RegisterMetrics(meter)
	if err := a.Store.Load(ctx); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	if a.Client == nil {
		if !cfg.App.DryRun {
			return errors.New("live trading needs an order client; set app.dry_run or use WithOrderClient")
		}
		a.Client = mock.NewPaperExchange(decimal.NewFromFloat(cfg.App.PaperBalance))
		a.Logger.Warn("Dry run: orders go to the paper exchange", "balance", cfg.App.PaperBalance)
	}

	calc := sizing.NewCalculator(sizing.ParamsFromConfig(cfg.Copy))
	a.Breaker = risk.NewCircuitBreaker(risk.CircuitConfig{
		MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures,
		CooldownPeriod:         cfg.Risk.BreakerCooldown,
	}, a.Logger)
	a.Breaker.RegisterMetrics(meter)
	a.wireAlerts()
	a.Gate = risk.NewGate(risk.DefaultGateConfig(cfg.Risk.TradeCooldown), a.Breaker, calc, a.Logger, meter)

	a.Executor = execution.NewExecutor(a.Client, a.Store, a.Gate, calc, execution.ConfigFromConfig(cfg), a.Logger)
	a.Dispatcher = dispatcher.New(dispatcher.ConfigFromConfig(cfg), a.Executor, a.Store, a.Logger, meter)
	a.Dispatcher.AttachStatusSources(a.Client, a.Breaker)

	a.Health = health.NewHealthManager(a.Logger)
	a.Health.Register("executor", a.Executor.CheckHealth)
	a.Health.Register("dispatcher", func() error {
		if depth := a.Dispatcher.QueueDepth(); depth >= cfg.Dispatcher.QueueCapacity {
			return fmt.Errorf("queue saturated (%d/%d)", depth, cfg.Dispatcher.QueueCapacity)
		}
		return nil
	})

	if cfg.Telemetry.EnableMetrics {
		a.Server = server.NewServer(cfg.Telemetry.MetricsPort, a.Logger, a.Health, func(ctx context.Context) interface{} {
			return a.Status(ctx)
		})
	}

	if a.Feeds == nil {
		a.Feeds = a.configuredFeeds()
	}
	if len(a.Feeds) == 0 {
		return errors.New("no trade feed configured")
	}
	return nil
}

func (a *App) configuredFeeds() []core.IFeedSource {
	cfg := a.Cfg
	var feeds []core.IFeedSource
	if cfg.Feed.WebsocketURL != "" {
		feeds = append(feeds, feed.NewWebsocketFeed(cfg.Feed.WebsocketURL, cfg.App.MonitoredAccount,
			feedBuffer, websocket.DefaultOptions(), a.Logger))
	}
	if cfg.Feed.PollURL != "" {
		signer := httpclient.HeaderSigner{Header: "X-API-Key", Value: cfg.Feed.APIKey.Reveal()}
		client := httpclient.NewClient(cfg.Feed.PollURL, httpclient.DefaultOptions(), signer)
		feeds = append(feeds, feed.NewPollFeed(client, cfg.App.MonitoredAccount,
			cfg.Feed.PollInterval, feedBuffer, a.Logger))
	}
	return feeds
}

// Status collects the pipeline, executor and persistence views
func (a *App) Status(ctx context.Context) Status {
	return Status{
		Pipeline: a.Dispatcher.StatusSnapshot(ctx),
		Executor: a.Executor.Stats(),
		Persistence: PersistenceStatus{
			Driver:    a.Cfg.Persistence.Driver,
			Saves:     a.Store.SaveCount(),
			Failures:  a.Store.PersistenceFailures(),
			LastSaved: a.Store.LastSaved(),
		},
	}
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Run starts every component and blocks until ctx is cancelled, a termination
// signal arrives or a runner fails. Shutdown drains in dependency order.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the save loop outlives the runners so the final flush sees every position change
	saveCtx, saveCancel := context.WithCancel(context.Background())
	saveDone := make(chan struct{})
	go func() {
		defer close(saveDone)
		_ = a.Store.Run(saveCtx)
	}()

	if a.Server != nil {
		if err := a.Server.Start(); err != nil {
			saveCancel()
			<-saveDone
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	runners := make([]Runner, 0, len(a.Feeds)+3)
	for _, f := range a.Feeds {
		runners = append(runners, f)
	}
	runners = append(runners,
		RunnerFunc(func(ctx context.Context) error { return a.Dispatcher.Run(ctx, a.Feeds...) }),
		RunnerFunc(a.logOutcomes),
	)
	if a.Cfg.System.StatusInterval > 0 {
		runners = append(runners, RunnerFunc(a.printStatus))
	}

	a.Logger.Info("starting application",
		"monitored_account", a.Cfg.App.MonitoredAccount,
		"dry_run", a.Cfg.App.DryRun,
		"feeds", len(a.Feeds),
		"workers", a.Cfg.Dispatcher.Workers,
		"queue_capacity", a.Cfg.Dispatcher.QueueCapacity)

	err := runAll(ctx, runners)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Dispatcher.Stop(shutdownCtx)
	a.Executor.Stop()
	saveCancel()
	<-saveDone
	a.release(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("application shut down gracefully")
	return nil
}

func runAll(ctx context.Context, runners []Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.Run(ctx)
		})
	}
	return g.Wait()
}

// wireAlerts notifies operators when copying halts or positions stop being saved.
func (a *App) wireAlerts() {
	a.Alerts = alert.FromConfig(a.Cfg.Alert, a.Logger)
	a.Breaker.OnTrip(func(reason string, status risk.BreakerStatus) {
		a.Alerts.Alert(context.Background(), "Circuit breaker tripped", reason, alert.Critical, map[string]string{
			"failures":       fmt.Sprint(status.ConsecutiveFailures),
			"trips":          fmt.Sprint(status.Trips),
			"cooldown_until": status.CooldownUntil.Format(time.RFC3339),
		})
	})
	a.Store.OnSaveFailure(func(err error) {
		a.Alerts.Alert(context.Background(), "Position save failed", err.Error(), alert.Critical, map[string]string{
			"driver": a.Cfg.Persistence.Driver,
		})
	})
}

// release closes external resources. It is safe on a partially wired App.
func (a *App) release(ctx context.Context) {
	if a.Server != nil {
		if err := a.Server.Stop(ctx); err != nil {
			a.Logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if a.Persistence != nil {
		if err := a.Persistence.Close(); err != nil {
			a.Logger.Warn("Persistence close failed", "error", err)
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil && a.Logger != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	if a.Alerts != nil {
		if err := a.Alerts.Wait(ctx); err != nil {
			a.Logger.Warn("Pending alerts not delivered", "error", err)
		}
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}

func (a *App) logOutcomes(ctx context.Context) error {
	outcomes := a.Executor.Outcomes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case o, ok := <-outcomes:
			if !ok {
				return nil
			}
			a.Logger.Info("Copy order settled",
				"trade_id", o.TradeID,
				"order_id", o.OrderID,
				"instrument", o.InstrumentID,
				"outcome", o.Outcome,
				"filled_size", o.FilledSize,
				"filled_price", o.FilledPrice)
		}
	}
}

func (a *App) printStatus(ctx context.Context) error {
	ticker := time.NewTicker(a.Cfg.System.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := a.Status(ctx)
			breaker := "n/a"
			if s.Pipeline.Breaker != nil {
				breaker = s.Pipeline.Breaker.StateName
			}
			a.Logger.Info("Status",
				"balance", s.Pipeline.Balance.StringFixed(2),
				"positions", len(s.Pipeline.Positions),
				"total_value", s.Pipeline.TotalValue.StringFixed(2),
				"exposure", s.Pipeline.Exposure.StringFixed(3),
				"breaker", breaker,
				"queue", fmt.Sprintf("%d/%d", s.Pipeline.QueueDepth, s.Pipeline.QueueCapacity),
				"in_flight", s.Pipeline.InFlight,
				"processed", s.Pipeline.Metrics.Processed,
				"skipped", s.Pipeline.Metrics.Skipped,
				"failed", s.Pipeline.Metrics.Failed,
				"overflows", s.Pipeline.Metrics.QueueOverflows,
				"pending_confirmations", s.Executor.PendingConfirms)
		}
	}
}
