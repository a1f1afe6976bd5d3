package store

import (
	"sort"
	"sync"
	"time"
)

// rankResults orders results by descending score, breaking exact score ties
// by most-recent timestamp metadata. RFC3339 UTC strings compare
// lexicographically in chronological order, so no parsing is needed.
// The sort is stable, so equally scored records with equal timestamps keep
// backend order.
func rankResults(results []ScoredRecord) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.Metadata[MetaTimestamp] > results[j].Record.Metadata[MetaTimestamp]
	})
}

// writeClock tracks the last write time per collection in memory. Both
// backends use it to serve the last-write portion of Stats without
// scanning records.
type writeClock struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newWriteClock() *writeClock {
	return &writeClock{m: make(map[string]time.Time)}
}

func (w *writeClock) touch(collection string) {
	w.mu.Lock()
	w.m[collection] = time.Now().UTC()
	w.mu.Unlock()
}

func (w *writeClock) last(collection string) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.m[collection]
}

func (w *writeClock) reset(collection string) {
	w.mu.Lock()
	delete(w.m, collection)
	w.mu.Unlock()
}
