// Package position owns the own-account and monitored-account position books
// and the durable set of fully processed trade ids.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"copy_trader/internal/config"
	"copy_trader/internal/core"
	apperrors "copy_trader/pkg/errors"
	"copy_trader/pkg/retry"
	"copy_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Action describes what ApplyTrade did to a position
type Action string

const (
	ActionCreated   Action = "created"
	ActionIncreased Action = "increased"
	ActionReduced   Action = "reduced"
	ActionClosed    Action = "closed"
	ActionIgnored   Action = "ignored" // trade id already mirrored
)

// Change is the result of applying a trade
type Change struct {
	Action    Action
	Position  core.Position   // state after the change; zero value when closed
	Prior     core.Position   // state before a reduction or close
	Overshoot decimal.Decimal // amount by which a reduction exceeded the held size
}

// Estimate is the optimistic contribution a copy order made to the own book
type Estimate struct {
	InstrumentID string
	Side         core.Side
	Size         decimal.Decimal
	Price        decimal.Decimal
	Closed       *core.Position // position the estimate closed, if it was a full reduction
}

// Estimate describes trade as it was applied by the call that returned c
func (c Change) Estimate(trade core.TradeEvent) Estimate {
	est := Estimate{
		InstrumentID: trade.InstrumentID,
		Side:         trade.Side,
		Size:         trade.Size,
		Price:        trade.Price,
	}
	if c.Action == ActionClosed {
		prior := c.Prior
		est.Closed = &prior
	}
	return est
}

// Config tunes persistence and the processed-id bound
type Config struct {
	MaxProcessedIDs int
	SavePolicy      retry.RetryPolicy
	// FinalFlushTimeout bounds the save performed when Run stops
	FinalFlushTimeout time.Duration
}

// DefaultConfig returns the store defaults
func DefaultConfig() Config {
	return Config{
		MaxProcessedIDs: 1000,
		SavePolicy: retry.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		FinalFlushTimeout: 5 * time.Second,
	}
}

// ConfigFromConfig maps the persistence section onto store settings, keeping defaults for zero values
func ConfigFromConfig(cfg config.PersistenceConfig) Config {
	out := DefaultConfig()
	if cfg.MaxProcessedIDs > 0 {
		out.MaxProcessedIDs = cfg.MaxProcessedIDs
	}
	if cfg.SaveAttempts > 0 {
		out.SavePolicy.MaxAttempts = cfg.SaveAttempts
	}
	if cfg.SaveBackoff > 0 {
		out.SavePolicy.InitialBackoff = cfg.SaveBackoff
	}
	if cfg.SaveMaxBackoff > 0 {
		out.SavePolicy.MaxBackoff = cfg.SaveMaxBackoff
	}
	return out
}

// Store is the single writer for position state. Persistence is fail-open:
// a save that exhausts its retries is logged and the in-memory state is kept.
type Store struct {
	mu        sync.Mutex
	books     map[core.Scope]map[string]*core.Position
	processed map[string]struct{}
	order     []string // processed ids, oldest first
	lastSaved time.Time

	// monitored trades already applied, bounded like the processed set
	mirrored      map[string]struct{}
	mirroredOrder []string

	persistence core.IPersistence
	config      Config
	logger      core.ILogger
	now         func() time.Time

	saveCh   chan struct{}
	saveMu   sync.Mutex
	saves    atomic.Int64
	failures atomic.Int64

	persistFailures metric.Int64Counter
	onSaveFailure   func(err error)
}

// NewStore creates a store. persistence may be nil for a memory-only store.
func NewStore(persistence core.IPersistence, config Config, logger core.ILogger) *Store {
	if config.MaxProcessedIDs <= 0 {
		config.MaxProcessedIDs = DefaultConfig().MaxProcessedIDs
	}
	if config.FinalFlushTimeout <= 0 {
		config.FinalFlushTimeout = DefaultConfig().FinalFlushTimeout
	}
	return &Store{
		books: map[core.Scope]map[string]*core.Position{
			core.ScopeOwn:       make(map[string]*core.Position),
			core.ScopeMonitored: make(map[string]*core.Position),
		},
		processed:   make(map[string]struct{}),
		mirrored:    make(map[string]struct{}),
		persistence: persistence,
		config:      config,
		logger:      logger.WithField("component", "position_store"),
		now:         time.Now,
		saveCh:      make(chan struct{}, 1),
	}
}

// RegisterMetrics exports position gauges and the persistence failure counter
func (s *Store) RegisterMetrics(meter metric.Meter) {
	if meter == nil {
		return
	}
	for _, scope := range []core.Scope{core.ScopeOwn, core.ScopeMonitored} {
		scope := scope
		attrs := metric.WithAttributes(attribute.String("scope", string(scope)))
		telemetry.Int64Gauge(meter, telemetry.MetricPositionCount, "Open positions", func() int64 {
			return int64(len(s.Positions(scope)))
		}, attrs)
		telemetry.Float64Gauge(meter, telemetry.MetricPositionValue, "Total position value", func() float64 {
			return s.TotalValue(scope).InexactFloat64()
		}, attrs)
	}
	s.persistFailures, _ = meter.Int64Counter(telemetry.MetricPersistenceFailures,
		metric.WithDescription("Snapshot saves that exhausted their retries"))
}

func validateTrade(trade core.TradeEvent) error {
	switch {
	case trade.InstrumentID == "":
		return fmt.Errorf("%w: missing instrument id", apperrors.ErrInvalidTrade)
	case trade.MarketID == "":
		return fmt.Errorf("%w: missing market id", apperrors.ErrInvalidTrade)
	case !trade.Side.Valid():
		return fmt.Errorf("%w: invalid side %q", apperrors.ErrInvalidTrade, trade.Side)
	case !trade.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive, got %s", apperrors.ErrInvalidTrade, trade.Size)
	case !trade.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive, got %s", apperrors.ErrInvalidTrade, trade.Price)
	}
	return nil
}

// ApplyTrade merges a trade into the scope's book.
// Same-side trades merge at the weighted average price. Opposite-side trades reduce the
// position and close it at zero; any excess is logged and discarded.
func (s *Store) ApplyTrade(trade core.TradeEvent, scope core.Scope) (Change, error) {
	if err := validateTrade(trade); err != nil {
		s.logger.Warn("Skipping invalid trade", "trade_id", trade.ID(), "scope", scope, "error", err)
		return Change{}, err
	}

	s.mu.Lock()
	if scope == core.ScopeMonitored && !s.markMirroredLocked(trade.ID()) {
		s.mu.Unlock()
		s.logger.Debug("Monitored trade already applied", "trade_id", trade.ID())
		return Change{Action: ActionIgnored}, nil
	}
	change := s.applyLocked(trade, scope)
	s.mu.Unlock()

	s.scheduleSave()
	return change, nil
}

func (s *Store) markMirroredLocked(id string) bool {
	if _, ok := s.mirrored[id]; ok {
		return false
	}
	s.mirrored[id] = struct{}{}
	s.mirroredOrder = append(s.mirroredOrder, id)
	for len(s.mirroredOrder) > s.config.MaxProcessedIDs {
		delete(s.mirrored, s.mirroredOrder[0])
		s.mirroredOrder = s.mirroredOrder[1:]
	}
	return true
}

func (s *Store) applyLocked(trade core.TradeEvent, scope core.Scope) Change {
	book := s.books[scope]
	now := s.now()
	pos, ok := book[trade.InstrumentID]

	if !ok {
		pos = &core.Position{
			InstrumentID: trade.InstrumentID,
			MarketID:     trade.MarketID,
			Side:         trade.Side,
			Size:         trade.Size,
			AvgPrice:     trade.Price,
			Value:        trade.Size.Mul(trade.Price),
			UpdatedAt:    now,
		}
		book[trade.InstrumentID] = pos
		return Change{Action: ActionCreated, Position: *pos}
	}

	if pos.Side == trade.Side {
		newSize := pos.Size.Add(trade.Size)
		newValue := pos.Size.Mul(pos.AvgPrice).Add(trade.Size.Mul(trade.Price))
		pos.Size = newSize
		pos.AvgPrice = newValue.Div(newSize)
		pos.Value = newValue
		pos.UpdatedAt = now
		return Change{Action: ActionIncreased, Position: *pos}
	}

	prior := *pos
	remaining := pos.Size.Sub(trade.Size)
	if !remaining.IsPositive() {
		delete(book, trade.InstrumentID)
		change := Change{Action: ActionClosed, Prior: prior}
		if remaining.IsNegative() {
			change.Overshoot = remaining.Neg()
			s.logger.Warn("Position reduction overshoot, excess discarded",
				"instrument", trade.InstrumentID,
				"scope", scope,
				"held", pos.Size.String(),
				"reduction", trade.Size.String(),
				"overshoot", change.Overshoot.String())
		}
		return change
	}

	pos.Size = remaining
	pos.Value = remaining.Mul(pos.AvgPrice)
	pos.UpdatedAt = now
	return Change{Action: ActionReduced, Position: *pos, Prior: prior}
}

// Reconcile replaces the optimistic contribution of a copy order with its confirmed fill.
// A reduction that closed the position and then filled short restores the unsold remainder.
func (s *Store) Reconcile(est Estimate, filledSize, filledPrice decimal.Decimal) {
	if est.Size.Equal(filledSize) && est.Price.Equal(filledPrice) {
		return
	}

	s.mu.Lock()
	book := s.books[core.ScopeOwn]
	pos, ok := book[est.InstrumentID]
	switch {
	case !ok && est.Closed != nil && est.Closed.Side != est.Side:
		sold := decimal.Min(filledSize, est.Closed.Size)
		if unsold := est.Closed.Size.Sub(sold); unsold.IsPositive() {
			restored := *est.Closed
			restored.Size = unsold
			restored.Value = unsold.Mul(restored.AvgPrice)
			restored.UpdatedAt = s.now()
			book[est.InstrumentID] = &restored
		}
	case !ok:
		s.mu.Unlock()
		s.logger.Warn("Reconcile found no position, fill not applied",
			"instrument", est.InstrumentID,
			"side", est.Side,
			"estimated_size", est.Size.String(),
			"filled_size", filledSize.String())
		return
	default:
		var size, value decimal.Decimal
		if pos.Side == est.Side {
			size = pos.Size.Sub(est.Size).Add(filledSize)
			value = pos.Size.Mul(pos.AvgPrice).Sub(est.Size.Mul(est.Price)).Add(filledSize.Mul(filledPrice))
		} else {
			// the order reduced this position; the average price is unaffected
			size = pos.Size.Add(est.Size).Sub(filledSize)
			value = size.Mul(pos.AvgPrice)
		}

		if !size.IsPositive() || !value.IsPositive() {
			delete(book, est.InstrumentID)
		} else {
			pos.Size = size
			pos.AvgPrice = value.Div(size)
			pos.Value = value
			pos.UpdatedAt = s.now()
		}
	}
	s.mu.Unlock()

	s.logger.Info("Position reconciled with fill",
		"instrument", est.InstrumentID,
		"estimated_size", est.Size.String(),
		"filled_size", filledSize.String(),
		"filled_price", filledPrice.String())
	s.scheduleSave()
}

// MarkProcessed records a fully processed trade id. Returns false if it was already present.
func (s *Store) MarkProcessed(id string) bool {
	s.mu.Lock()
	if _, ok := s.processed[id]; ok {
		s.mu.Unlock()
		return false
	}
	s.addProcessedLocked(id)
	s.mu.Unlock()

	s.scheduleSave()
	return true
}

func (s *Store) addProcessedLocked(id string) {
	s.processed[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.config.MaxProcessedIDs {
		delete(s.processed, s.order[0])
		s.order = s.order[1:]
	}
}

// IsProcessed reports whether id is in the processed set
func (s *Store) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

// ProcessedCount returns the size of the processed set
func (s *Store) ProcessedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Position returns a copy of one position
func (s *Store) Position(scope core.Scope, instrumentID string) (core.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.books[scope][instrumentID]
	if !ok {
		return core.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all positions in scope ordered by instrument id
func (s *Store) Positions(scope core.Scope) []core.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]core.Position, 0, len(s.books[scope]))
	for _, pos := range s.books[scope] {
		result = append(result, *pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InstrumentID < result[j].InstrumentID
	})
	return result
}

// TotalValue sums position values in scope
func (s *Store) TotalValue(scope core.Scope) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, pos := range s.books[scope] {
		total = total.Add(pos.Value)
	}
	return total
}

// Snapshot returns the durable view of the store
func (s *Store) Snapshot() *core.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *core.Snapshot {
	snap := &core.Snapshot{
		OwnPositions:       make(map[string]core.Position, len(s.books[core.ScopeOwn])),
		MonitoredPositions: make(map[string]core.Position, len(s.books[core.ScopeMonitored])),
		ProcessedIDs:       append([]string(nil), s.order...),
		LastSaved:          s.lastSaved,
	}
	for id, pos := range s.books[core.ScopeOwn] {
		snap.OwnPositions[id] = *pos
	}
	for id, pos := range s.books[core.ScopeMonitored] {
		snap.MonitoredPositions[id] = *pos
	}
	return snap
}

// Load restores positions and processed ids from persistence.
// A missing snapshot leaves the store empty.
func (s *Store) Load(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}

	snap, err := s.persistence.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load position snapshot: %w", err)
	}
	if snap == nil {
		s.logger.Info("No saved positions found, starting empty")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.books[core.ScopeOwn] = restoreBook(snap.OwnPositions)
	s.books[core.ScopeMonitored] = restoreBook(snap.MonitoredPositions)
	s.processed = make(map[string]struct{}, len(snap.ProcessedIDs))
	s.order = s.order[:0]
	for _, id := range snap.ProcessedIDs {
		if _, dup := s.processed[id]; !dup {
			s.addProcessedLocked(id)
		}
	}
	s.lastSaved = snap.LastSaved

	s.logger.Info("Restored positions",
		"own", len(s.books[core.ScopeOwn]),
		"monitored", len(s.books[core.ScopeMonitored]),
		"processed_ids", len(s.order),
		"last_saved", snap.LastSaved)
	return nil
}

func restoreBook(saved map[string]core.Position) map[string]*core.Position {
	book := make(map[string]*core.Position, len(saved))
	for id, pos := range saved {
		pos := pos
		if !pos.Size.IsPositive() {
			continue
		}
		book[id] = &pos
	}
	return book
}

func (s *Store) scheduleSave() {
	if s.persistence == nil {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// OnSaveFailure registers a callback for saves that exhausted their retries.
// It runs on the saving goroutine and must not block.
func (s *Store) OnSaveFailure(fn func(err error)) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.onSaveFailure = fn
}

// Run drains scheduled saves until ctx is cancelled, then performs a final flush
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), s.config.FinalFlushTimeout)
			_ = s.Flush(flushCtx)
			cancel()
			return nil
		case <-s.saveCh:
			_ = s.Flush(ctx)
		}
	}
}

// Flush saves the current state synchronously with retries.
// On exhaustion the error is logged and returned; in-memory state is never rolled back.
func (s *Store) Flush(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	savedAt := s.now()
	snap := s.snapshotLocked()
	snap.LastSaved = savedAt
	s.mu.Unlock()

	err := retry.DoNotify(ctx, s.config.SavePolicy, isRetryableSave,
		func(attempt int, err error) {
			s.logger.Warn("Position save failed, retrying", "attempt", attempt, "error", err)
		},
		func() error {
			return s.persistence.Save(ctx, snap)
		})
	if err != nil {
		s.failures.Add(1)
		if s.persistFailures != nil {
			s.persistFailures.Add(context.Background(), 1)
		}
		s.logger.Error("CRITICAL: position save exhausted retries, continuing with in-memory state",
			"attempts", s.config.SavePolicy.MaxAttempts,
			"own_positions", len(snap.OwnPositions),
			"error", err)
		if s.onSaveFailure != nil {
			s.onSaveFailure(err)
		}
		return fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	s.saves.Add(1)
	s.mu.Lock()
	s.lastSaved = savedAt
	s.mu.Unlock()
	return nil
}

func isRetryableSave(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// SaveCount returns the number of successful saves
func (s *Store) SaveCount() int64 {
	return s.saves.Load()
}

// PersistenceFailures returns the number of saves that exhausted retries
func (s *Store) PersistenceFailures() int64 {
	return s.failures.Load()
}

// LastSaved returns the time of the last successful save
func (s *Store) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}
