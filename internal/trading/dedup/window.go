// Package dedup provides a bounded, time-windowed membership set for trade ids
package dedup

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id     string
	seenAt time.Time
}

// Window remembers ids for ttl. Entries are kept in insertion order so expiry
// and the size bound both evict from the front.
type Window struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List
	index      map[string]*list.Element
	now        func() time.Time
}

// NewWindow creates a window. maxEntries <= 0 disables the size bound.
func NewWindow(ttl time.Duration, maxEntries int) *Window {
	return &Window{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Seen reports whether id was already recorded inside the window and records it if not
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.index[id]; ok {
		if now.Sub(el.Value.(*entry).seenAt) < w.ttl {
			return true
		}
		w.order.Remove(el)
		delete(w.index, id)
	}

	w.evictLocked(now)
	w.index[id] = w.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// Contains reports membership without recording
func (w *Window) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.index[id]
	return ok && w.now().Sub(el.Value.(*entry).seenAt) < w.ttl
}

// Len returns the number of retained entries, including expired ones not yet evicted
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *Window) evictLocked(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		e := front.Value.(*entry)
		expired := now.Sub(e.seenAt) >= w.ttl
		full := w.maxEntries > 0 && w.order.Len() >= w.maxEntries
		if !expired && !full {
			return
		}
		w.order.Remove(front)
		delete(w.index, e.id)
	}
}
