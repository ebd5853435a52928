package chain

import (
	"sync"

	"github.com/decred/dcrd/lru"
)

// dedupCapacity bounds the LRU's memory use independent of the window-based
// GC below; it only matters if windows go unusually long without a tick.
const dedupCapacity = 65536

// seenEvents is the shared deduplication set absorbing duplicates between
// the two upstream paths: every accepted Vote is added once, keyed by
// (block, txHash, logIndex); entries for windows older than currentWindow-2
// are evicted whenever an observed block tick advances the window.
type seenEvents struct {
	mtx sync.Mutex
	// cache is value-typed: lru.NewCache returns a Cache, and its
	// pointer-receiver methods are called on the addressable field.
	cache      lru.Cache
	windowOf   map[voteKey]uint64
	windowSize uint64
}

func newSeenEvents(windowSize uint64) *seenEvents {
	return &seenEvents{
		cache:      lru.NewCache(dedupCapacity),
		windowOf:   make(map[voteKey]uint64),
		windowSize: windowSize,
	}
}

// addIfNew records the vote's key if not already present, reporting whether
// it was new. Not new means the vote is a duplicate and must be dropped by
// the caller.
func (s *seenEvents) addIfNew(v Vote) bool {
	k := v.key()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.cache.Contains(k) {
		return false
	}
	s.cache.Add(k)
	s.windowOf[k] = WindowID(v.Block, s.windowSize)
	return true
}

// evictBefore drops all entries belonging to a window strictly less than
// keepFromWindow. gcOnAdvance runs it each time a block tick advances the
// window, bounding seenEvents memory to live windows plus a small trailing
// margin.
func (s *seenEvents) evictBefore(keepFromWindow uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for k, w := range s.windowOf {
		if w < keepFromWindow {
			delete(s.windowOf, k)
			s.cache.Delete(k)
		}
	}
}

// len reports the number of tracked entries, for tests and diagnostics.
func (s *seenEvents) len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.windowOf)
}
