package position

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"copy_trader/internal/core"
	apperrors "copy_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTrade_WeightedAverage(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	change, err := store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, change.Action)

	change, err = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.6"), core.ScopeOwn)
	require.NoError(t, err)
	assert.Equal(t, ActionIncreased, change.Action)

	pos, ok := store.Position(core.ScopeOwn, "tok")
	require.True(t, ok)
	assert.True(t, d("200").Equal(pos.Size), "size %s", pos.Size)
	assert.True(t, d("0.55").Equal(pos.AvgPrice), "avg %s", pos.AvgPrice)
	assert.True(t, d("110").Equal(pos.Value), "value %s", pos.Value)
	assert.Equal(t, "market-tok", pos.MarketID)
}

func TestApplyTrade_OppositeSideReduces(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	_, err := store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	require.NoError(t, err)

	change, err := store.ApplyTrade(trade("tok", core.SideSell, "40", "0.7"), core.ScopeOwn)
	require.NoError(t, err)
	assert.Equal(t, ActionReduced, change.Action)

	pos, _ := store.Position(core.ScopeOwn, "tok")
	assert.True(t, d("60").Equal(pos.Size))
	assert.True(t, d("0.5").Equal(pos.AvgPrice), "reduction keeps the average price")
	assert.True(t, d("30").Equal(pos.Value))
	assert.Equal(t, core.SideBuy, pos.Side)
}

func TestApplyTrade_ExactCloseDeletes(t *testing.T) {
	logger := newRecordingLogger()
	store := NewStore(nil, testConfig(), logger)

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	change, err := store.ApplyTrade(trade("tok", core.SideSell, "100", "0.5"), core.ScopeOwn)
	require.NoError(t, err)

	assert.Equal(t, ActionClosed, change.Action)
	assert.True(t, change.Overshoot.IsZero())
	_, ok := store.Position(core.ScopeOwn, "tok")
	assert.False(t, ok)
	_, warned := logger.find("WARN", "Position reduction overshoot, excess discarded")
	assert.False(t, warned)
}

func TestApplyTrade_OvershootIsLoggedAndDiscarded(t *testing.T) {
	logger := newRecordingLogger()
	store := NewStore(nil, testConfig(), logger)

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	change, err := store.ApplyTrade(trade("tok", core.SideSell, "120", "0.5"), core.ScopeOwn)
	require.NoError(t, err)

	assert.Equal(t, ActionClosed, change.Action)
	assert.True(t, d("20").Equal(change.Overshoot))

	_, ok := store.Position(core.ScopeOwn, "tok")
	assert.False(t, ok, "no negative or flipped position remains")
	assert.Empty(t, store.Positions(core.ScopeOwn))

	entry, warned := logger.find("WARN", "Position reduction overshoot, excess discarded")
	require.True(t, warned)
	assert.Equal(t, "20", entry.field("overshoot"))
}

func TestApplyTrade_InvalidTradeSkipped(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	tests := []struct {
		name   string
		mutate func(*core.TradeEvent)
	}{
		{"missing instrument", func(e *core.TradeEvent) { e.InstrumentID = "" }},
		{"missing market", func(e *core.TradeEvent) { e.MarketID = "" }},
		{"bad side", func(e *core.TradeEvent) { e.Side = "HOLD" }},
		{"zero size", func(e *core.TradeEvent) { e.Size = decimal.Zero }},
		{"negative price", func(e *core.TradeEvent) { e.Price = d("-0.1") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := trade("tok", core.SideBuy, "10", "0.5")
			tt.mutate(&ev)
			_, err := store.ApplyTrade(ev, core.ScopeOwn)
			assert.ErrorIs(t, err, apperrors.ErrInvalidTrade)
		})
	}
	assert.Empty(t, store.Positions(core.ScopeOwn))
}

func TestApplyTrade_ScopesAreIndependent(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeMonitored)
	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "10", "0.5"), core.ScopeOwn)

	mon, _ := store.Position(core.ScopeMonitored, "tok")
	own, _ := store.Position(core.ScopeOwn, "tok")
	assert.True(t, d("100").Equal(mon.Size))
	assert.True(t, d("10").Equal(own.Size))
	assert.True(t, d("5").Equal(store.TotalValue(core.ScopeOwn)))
}

func TestApplyTrade_MonitoredRedeliveryIgnored(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	ev := trade("tok", core.SideBuy, "100", "0.5")
	change, err := store.ApplyTrade(ev, core.ScopeMonitored)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, change.Action)

	change, err = store.ApplyTrade(ev, core.ScopeMonitored)
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, change.Action)

	pos, _ := store.Position(core.ScopeMonitored, "tok")
	assert.True(t, d("100").Equal(pos.Size), "size %s", pos.Size)

	other := ev
	other.CorrelationID = "0xother"
	change, err = store.ApplyTrade(other, core.ScopeMonitored)
	require.NoError(t, err)
	assert.Equal(t, ActionIncreased, change.Action)

	// own fills are not keyed by trade id
	_, _ = store.ApplyTrade(ev, core.ScopeOwn)
	change, _ = store.ApplyTrade(ev, core.ScopeOwn)
	assert.Equal(t, ActionIncreased, change.Action)
}

func TestReconcile_ReplacesOptimisticEstimate(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	// optimistic copy of 200 @ 0.51, filled 150 @ 0.50
	copied := trade("tok", core.SideBuy, "200", "0.51")
	change, _ := store.ApplyTrade(copied, core.ScopeOwn)
	store.Reconcile(change.Estimate(copied), d("150"), d("0.5"))

	pos, ok := store.Position(core.ScopeOwn, "tok")
	require.True(t, ok)
	assert.True(t, d("250").Equal(pos.Size), "size %s", pos.Size)
	assert.True(t, d("0.5").Equal(pos.AvgPrice), "avg %s", pos.AvgPrice)
	assert.True(t, d("125").Equal(pos.Value), "value %s", pos.Value)
}

func TestReconcile_ReductionFilledShort(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	sell := trade("tok", core.SideSell, "40", "0.6")
	change, _ := store.ApplyTrade(sell, core.ScopeOwn)
	assert.Equal(t, ActionReduced, change.Action)
	assert.True(t, d("100").Equal(change.Prior.Size))
	store.Reconcile(change.Estimate(sell), d("30"), d("0.6"))

	pos, _ := store.Position(core.ScopeOwn, "tok")
	assert.True(t, d("70").Equal(pos.Size), "size %s", pos.Size)
	assert.True(t, d("0.5").Equal(pos.AvgPrice))
}

func TestReconcile_ClosingReductionFilledShortRestores(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	sell := trade("tok", core.SideSell, "100", "0.6")
	change, _ := store.ApplyTrade(sell, core.ScopeOwn)
	require.Equal(t, ActionClosed, change.Action)
	_, ok := store.Position(core.ScopeOwn, "tok")
	require.False(t, ok)

	est := change.Estimate(sell)
	require.NotNil(t, est.Closed)
	store.Reconcile(est, d("50"), d("0.6"))

	pos, ok := store.Position(core.ScopeOwn, "tok")
	require.True(t, ok, "unsold shares restored")
	assert.Equal(t, core.SideBuy, pos.Side)
	assert.True(t, d("50").Equal(pos.Size), "size %s", pos.Size)
	assert.True(t, d("0.5").Equal(pos.AvgPrice), "avg %s", pos.AvgPrice)
	assert.True(t, d("25").Equal(pos.Value), "value %s", pos.Value)
}

func TestReconcile_ClosingReductionFullyFilledStaysClosed(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	sell := trade("tok", core.SideSell, "100", "0.6")
	change, _ := store.ApplyTrade(sell, core.ScopeOwn)
	store.Reconcile(change.Estimate(sell), d("100"), d("0.61"))

	_, ok := store.Position(core.ScopeOwn, "tok")
	assert.False(t, ok)
}

func TestReconcile_MatchingFillIsNoop(t *testing.T) {
	fp := &fakePersistence{}
	store := NewStore(fp, testConfig(), newRecordingLogger())

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	before, _ := store.Position(core.ScopeOwn, "tok")

	store.Reconcile(Estimate{InstrumentID: "tok", Side: core.SideBuy, Size: d("100"), Price: d("0.5")}, d("100"), d("0.5"))
	after, _ := store.Position(core.ScopeOwn, "tok")
	assert.Equal(t, before, after)
}

func TestProcessedSet_BoundedFIFO(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	assert.True(t, store.MarkProcessed("id-0"))
	assert.False(t, store.MarkProcessed("id-0"))

	for i := 1; i < 7; i++ {
		store.MarkProcessed(fmt.Sprintf("id-%d", i))
	}

	assert.Equal(t, 5, store.ProcessedCount())
	assert.False(t, store.IsProcessed("id-0"))
	assert.False(t, store.IsProcessed("id-1"))
	assert.True(t, store.IsProcessed("id-2"))
	assert.True(t, store.IsProcessed("id-6"))
}

func TestFlush_PersistsAndLoadRestores(t *testing.T) {
	fp := &fakePersistence{}
	store := NewStore(fp, testConfig(), newRecordingLogger())

	_, _ = store.ApplyTrade(trade("a", core.SideBuy, "10", "0.4"), core.ScopeOwn)
	_, _ = store.ApplyTrade(trade("b", core.SideSell, "20", "0.3"), core.ScopeMonitored)
	store.MarkProcessed("tx-1")
	require.NoError(t, store.Flush(context.Background()))

	snap := fp.snapshot()
	require.NotNil(t, snap)
	assert.Len(t, snap.OwnPositions, 1)
	assert.Len(t, snap.MonitoredPositions, 1)
	assert.Equal(t, []string{"tx-1"}, snap.ProcessedIDs)
	assert.False(t, snap.LastSaved.IsZero())
	assert.Equal(t, int64(1), store.SaveCount())

	restored := NewStore(fp, testConfig(), newRecordingLogger())
	require.NoError(t, restored.Load(context.Background()))

	pos, ok := restored.Position(core.ScopeOwn, "a")
	require.True(t, ok)
	assert.True(t, d("10").Equal(pos.Size))
	assert.True(t, restored.IsProcessed("tx-1"))
	_, ok = restored.Position(core.ScopeMonitored, "b")
	assert.True(t, ok)
}

func TestLoad_EmptyPersistence(t *testing.T) {
	store := NewStore(&fakePersistence{}, testConfig(), newRecordingLogger())
	require.NoError(t, store.Load(context.Background()))
	assert.Empty(t, store.Positions(core.ScopeOwn))
}

func TestFlush_FailOpenKeepsInMemoryState(t *testing.T) {
	fp := &fakePersistence{failWith: errDiskFull}
	logger := newRecordingLogger()
	store := NewStore(fp, testConfig(), logger)

	_, err := store.ApplyTrade(trade("tok", core.SideBuy, "100", "0.5"), core.ScopeOwn)
	require.NoError(t, err)

	err = store.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPersistence)
	assert.Equal(t, 3, fp.attempts, "save retried up to the attempt cap")
	assert.Equal(t, int64(1), store.PersistenceFailures())

	// the mutation is not rolled back and trading continues
	pos, ok := store.Position(core.ScopeOwn, "tok")
	require.True(t, ok)
	assert.True(t, d("100").Equal(pos.Size))

	_, err = store.ApplyTrade(trade("tok", core.SideBuy, "50", "0.5"), core.ScopeOwn)
	require.NoError(t, err)
	pos, _ = store.Position(core.ScopeOwn, "tok")
	assert.True(t, d("150").Equal(pos.Size))

	_, logged := logger.find("ERROR", "CRITICAL: position save exhausted retries, continuing with in-memory state")
	assert.True(t, logged)
}

func TestRun_SavesScheduledMutations(t *testing.T) {
	fp := &fakePersistence{}
	store := NewStore(fp, testConfig(), newRecordingLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = store.Run(ctx)
		close(done)
	}()

	_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "10", "0.5"), core.ScopeOwn)

	require.Eventually(t, func() bool {
		snap := fp.snapshot()
		return snap != nil && len(snap.OwnPositions) == 1
	}, time.Second, 5*time.Millisecond)

	store.MarkProcessed("tx-final")
	cancel()
	<-done

	// the final flush on shutdown captures the last mutation
	assert.Contains(t, fp.snapshot().ProcessedIDs, "tx-final")
}

func TestApplyTrade_ConcurrentSameInstrument(t *testing.T) {
	store := NewStore(nil, testConfig(), newRecordingLogger())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.ApplyTrade(trade("tok", core.SideBuy, "1", "0.5"), core.ScopeOwn)
		}()
	}
	wg.Wait()

	pos, _ := store.Position(core.ScopeOwn, "tok")
	assert.True(t, d("100").Equal(pos.Size))
	assert.True(t, d("50").Equal(pos.Value))
}

func TestFlush_NotifiesSaveFailure(t *testing.T) {
	fp := &fakePersistence{failWith: errDiskFull}
	store := NewStore(fp, testConfig(), newRecordingLogger())

	var got error
	store.OnSaveFailure(func(err error) { got = err })

	require.Error(t, store.Flush(context.Background()))
	require.Error(t, got)
	assert.ErrorIs(t, got, errDiskFull)
}
