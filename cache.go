package nostrclient

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// EventCache is a local secondary index of events consulted before live
// relay queries. It is never authoritative; the relay (or the signing
// author) is the source of truth. Store is best-effort: a cache write
// failure must never fail the caller's read or publish.
type EventCache interface {
	Lookup(ctx context.Context, filter Filter) []Event
	Store(ctx context.Context, evt Event)
	Close() error
}

const defaultCacheMaxEvents = 10000

// MemoryEventCache keeps a bounded, newest-first, id-deduplicated window
// of recently seen events.
type MemoryEventCache struct {
	mu        sync.RWMutex
	events    []Event
	index     map[string]bool
	maxEvents int
	logger    *slog.Logger
}

func NewMemoryEventCache(maxEvents int, logger *slog.Logger) *MemoryEventCache {
	if maxEvents <= 0 {
		maxEvents = defaultCacheMaxEvents
	}
	return &MemoryEventCache{
		events:    make([]Event, 0, maxEvents),
		index:     make(map[string]bool),
		maxEvents: maxEvents,
		logger:    loggerOrDefault(logger),
	}
}

// Store inserts an event in sorted order (newest first), deduplicating by
// ID and evicting the oldest entry past the size bound.
func (c *MemoryEventCache) Store(_ context.Context, evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index[evt.ID] {
		return
	}
	c.index[evt.ID] = true

	idx := sort.Search(len(c.events), func(i int) bool {
		return c.events[i].CreatedAt < evt.CreatedAt
	})
	c.events = append(c.events, Event{})
	copy(c.events[idx+1:], c.events[idx:])
	c.events[idx] = evt

	if len(c.events) > c.maxEvents {
		oldest := c.events[len(c.events)-1]
		c.events = c.events[:len(c.events)-1]
		delete(c.index, oldest.ID)
	}
}

// Lookup returns cached events matching the filter, newest first, up to
// the filter's limit.
func (c *MemoryEventCache) Lookup(_ context.Context, filter Filter) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = len(c.events)
	}

	var result []Event
	for i := range c.events {
		if !filter.Matches(&c.events[i]) {
			continue
		}
		result = append(result, c.events[i])
		if len(result) >= limit {
			break
		}
	}
	return result
}

func (c *MemoryEventCache) Close() error {
	return nil
}

// Len reports the number of cached events.
func (c *MemoryEventCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}
