package nostrclient

import (
	"context"
	"testing"
)

func TestMemoryCacheNewestFirst(t *testing.T) {
	cache := NewMemoryEventCache(0, nil)
	ctx := context.Background()

	cache.Store(ctx, Event{ID: "old", CreatedAt: 100, Kind: 1})
	cache.Store(ctx, Event{ID: "new", CreatedAt: 300, Kind: 1})
	cache.Store(ctx, Event{ID: "mid", CreatedAt: 200, Kind: 1})

	results := cache.Lookup(ctx, Filter{Kinds: []int{1}})
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if results[i].ID != want {
			t.Errorf("results[%d] = %q, want %q", i, results[i].ID, want)
		}
	}
}

func TestMemoryCacheLimitAndFilter(t *testing.T) {
	cache := NewMemoryEventCache(0, nil)
	ctx := context.Background()

	cache.Store(ctx, Event{ID: "a", CreatedAt: 300, Kind: 1, PubKey: "alice"})
	cache.Store(ctx, Event{ID: "b", CreatedAt: 200, Kind: 7, PubKey: "alice"})
	cache.Store(ctx, Event{ID: "c", CreatedAt: 100, Kind: 1, PubKey: "bob"})

	results := cache.Lookup(ctx, Filter{Kinds: []int{1}, Limit: 1})
	if len(results) != 1 || results[0].ID != "a" {
		t.Errorf("limited lookup = %+v", results)
	}

	results = cache.Lookup(ctx, Filter{Authors: []string{"bob"}})
	if len(results) != 1 || results[0].ID != "c" {
		t.Errorf("author lookup = %+v", results)
	}
}

func TestMemoryCacheDeduplicatesAndEvicts(t *testing.T) {
	cache := NewMemoryEventCache(2, nil)
	ctx := context.Background()

	cache.Store(ctx, Event{ID: "a", CreatedAt: 100, Kind: 1})
	cache.Store(ctx, Event{ID: "a", CreatedAt: 100, Kind: 1})
	if cache.Len() != 1 {
		t.Errorf("duplicate store grew the cache to %d", cache.Len())
	}

	cache.Store(ctx, Event{ID: "b", CreatedAt: 200, Kind: 1})
	cache.Store(ctx, Event{ID: "c", CreatedAt: 300, Kind: 1})
	if cache.Len() != 2 {
		t.Fatalf("cache size = %d, want bound of 2", cache.Len())
	}

	// Oldest entry is the one evicted.
	if got := cache.Lookup(ctx, Filter{IDs: []string{"a"}}); len(got) != 0 {
		t.Errorf("evicted event still present: %+v", got)
	}
	if got := cache.Lookup(ctx, Filter{IDs: []string{"c"}}); len(got) != 1 {
		t.Error("newest event missing after eviction")
	}

	// Re-storing the evicted id must work again.
	cache.Store(ctx, Event{ID: "a", CreatedAt: 400, Kind: 1})
	if got := cache.Lookup(ctx, Filter{IDs: []string{"a"}}); len(got) != 1 {
		t.Error("re-stored event missing")
	}
}

func TestCacheServes(t *testing.T) {
	since := int64(100)
	one := []Event{{ID: "a"}}
	three := []Event{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	cases := []struct {
		name    string
		filter  Filter
		results []Event
		want    bool
	}{
		{"no matches", Filter{}, nil, false},
		{"match without since", Filter{}, one, true},
		{"since without limit", Filter{Since: &since}, three, false},
		{"since with limit met", Filter{Since: &since, Limit: 3}, three, true},
		{"since with limit unmet", Filter{Since: &since, Limit: 5}, three, false},
	}
	for _, tc := range cases {
		if got := cacheServes(tc.filter, tc.results); got != tc.want {
			t.Errorf("%s: cacheServes = %v, want %v", tc.name, got, tc.want)
		}
	}
}
