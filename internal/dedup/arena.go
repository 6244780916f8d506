package dedup

import (
	"sync"

	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// lockArena hands out one mutex per fingerprint. Entries exist only while
// someone holds or waits for them, so the map stays proportional to the
// number of fingerprints in flight rather than every fingerprint ever seen.
type lockArena struct {
	mu      sync.Mutex
	entries map[models.Fingerprint]*arenaEntry
}

type arenaEntry struct {
	mu      sync.Mutex
	waiters int
}

func newLockArena() *lockArena {
	return &lockArena{entries: make(map[models.Fingerprint]*arenaEntry)}
}

// lock blocks until the caller owns fp. The returned func releases it.
func (a *lockArena) lock(fp models.Fingerprint) func() {
	a.mu.Lock()
	e, ok := a.entries[fp]
	if !ok {
		e = &arenaEntry{}
		a.entries[fp] = e
	}
	e.waiters++
	a.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		a.mu.Lock()
		e.waiters--
		if e.waiters == 0 {
			delete(a.entries, fp)
		}
		a.mu.Unlock()
	}
}

// size reports the number of live entries.
func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
