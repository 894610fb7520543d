package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"copy_trader/internal/core"
	"copy_trader/pkg/retry"

	"github.com/shopspring/decimal"
)

type logEntry struct {
	level  string
	msg    string
	fields []interface{}
}

// recordingLogger captures entries so tests can assert on warnings
type recordingLogger struct {
	mu      sync.Mutex
	entries *[]logEntry
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{entries: &[]logEntry{}}
}

func (l *recordingLogger) record(level, msg string, f []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, fields: f})
}

func (l *recordingLogger) Debug(msg string, f ...interface{})               { l.record("DEBUG", msg, f) }
func (l *recordingLogger) Info(msg string, f ...interface{})                { l.record("INFO", msg, f) }
func (l *recordingLogger) Warn(msg string, f ...interface{})                { l.record("WARN", msg, f) }
func (l *recordingLogger) Error(msg string, f ...interface{})               { l.record("ERROR", msg, f) }
func (l *recordingLogger) Fatal(msg string, f ...interface{})               { l.record("FATAL", msg, f) }
func (l *recordingLogger) WithField(k string, v interface{}) core.ILogger   { return l }
func (l *recordingLogger) WithFields(f map[string]interface{}) core.ILogger { return l }

func (l *recordingLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func (e logEntry) field(key string) interface{} {
	for i := 0; i+1 < len(e.fields); i += 2 {
		if fmt.Sprint(e.fields[i]) == key {
			return e.fields[i+1]
		}
	}
	return nil
}

// fakePersistence stores snapshots in memory and can be told to fail
type fakePersistence struct {
	mu       sync.Mutex
	saved    *core.Snapshot
	saves    int
	attempts int
	failWith error
}

func (p *fakePersistence) Load(ctx context.Context) (*core.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved, nil
}

func (p *fakePersistence) Save(ctx context.Context, snap *core.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failWith != nil {
		return p.failWith
	}
	p.saved = snap
	p.saves++
	return nil
}

func (p *fakePersistence) snapshot() *core.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved
}

var errDiskFull = errors.New("disk full")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() Config {
	return Config{
		MaxProcessedIDs: 5,
		SavePolicy: retry.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		FinalFlushTimeout: time.Second,
	}
}

func trade(instrument string, side core.Side, size, price string) core.TradeEvent {
	return core.TradeEvent{
		Source:       "test",
		Account:      "0xtrader",
		MarketID:     "market-" + instrument,
		InstrumentID: instrument,
		Side:         side,
		Size:         d(size),
		Price:        d(price),
		Timestamp:    time.Unix(1700000000, 0),
	}
}
