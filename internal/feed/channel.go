package feed

import (
	"context"
	"sync"

	"copy_trader/internal/core"
)

// ChannelFeed is an in-process source. Tests and embedding programs publish into it directly.
type ChannelFeed struct {
	name   string
	events chan core.TradeEvent

	mu     sync.RWMutex
	closed bool
}

// NewChannelFeed creates a feed whose channel holds up to buffer events
func NewChannelFeed(name string, buffer int) *ChannelFeed {
	return &ChannelFeed{
		name:   name,
		events: make(chan core.TradeEvent, buffer),
	}
}

func (f *ChannelFeed) Name() string {
	return f.name
}

func (f *ChannelFeed) Events() <-chan core.TradeEvent {
	return f.events
}

// Publish blocks until the event is buffered, ctx ends, or the feed is closed
func (f *ChannelFeed) Publish(ctx context.Context, event core.TradeEvent) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run blocks until ctx is cancelled and then closes the feed
func (f *ChannelFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	f.Close()
	return nil
}

// Close closes the event channel. It is safe to call more than once.
func (f *ChannelFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}
