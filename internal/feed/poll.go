package feed

import (
	"context"
	"sort"
	"strconv"
	"time"

	"copy_trader/internal/core"
	httpclient "copy_trader/pkg/http"
)

// PollFeed polls the account activity endpoint and emits trades newer than the last seen one
type PollFeed struct {
	client   *httpclient.Client
	account  string
	interval time.Duration
	limit    int
	events   chan core.TradeEvent
	logger   core.ILogger

	// watermark is the newest emitted timestamp; atWatermark holds ids emitted at it
	watermark   time.Time
	atWatermark map[string]struct{}
}

// NewPollFeed creates a poller. Trades older than the moment of creation are never emitted.
func NewPollFeed(client *httpclient.Client, account string, interval time.Duration, buffer int, logger core.ILogger) *PollFeed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollFeed{
		client:      client,
		account:     account,
		interval:    interval,
		limit:       100,
		events:      make(chan core.TradeEvent, buffer),
		logger:      logger.WithField("component", "poll_feed"),
		watermark:   time.Now().Truncate(time.Second),
		atWatermark: make(map[string]struct{}),
	}
}

func (f *PollFeed) Name() string {
	return "poll"
}

func (f *PollFeed) Events() <-chan core.TradeEvent {
	return f.events
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on the next tick.
func (f *PollFeed) Run(ctx context.Context) error {
	defer close(f.events)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if err := f.poll(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("Activity poll failed", "account", f.account, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *PollFeed) poll(ctx context.Context) error {
	msgs, err := httpclient.GetJSON[[]TradeMessage](ctx, f.client, "", map[string]string{
		"user":  f.account,
		"type":  "TRADE",
		"limit": strconv.Itoa(f.limit),
	})
	if err != nil {
		return err
	}

	for _, event := range f.fresh(msgs) {
		select {
		case f.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// fresh returns unseen trades oldest first and advances the watermark
func (f *PollFeed) fresh(msgs []TradeMessage) []core.TradeEvent {
	var out []core.TradeEvent
	for _, msg := range msgs {
		if !msg.IsTrade() {
			continue
		}
		event, err := msg.ToEvent(f.Name())
		if err != nil {
			f.logger.Warn("Ignoring malformed trade", "error", err)
			continue
		}
		if event.Timestamp.Before(f.watermark) {
			continue
		}
		if event.Timestamp.Equal(f.watermark) {
			if _, seen := f.atWatermark[event.ID()]; seen {
				continue
			}
		}
		out = append(out, event)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	for _, event := range out {
		if event.Timestamp.After(f.watermark) {
			f.watermark = event.Timestamp
			f.atWatermark = make(map[string]struct{})
		}
		f.atWatermark[event.ID()] = struct{}{}
	}
	return out
}
