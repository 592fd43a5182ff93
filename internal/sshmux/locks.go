package sshmux

import (
	"slices"
	"sync"
)

// lockTable hands out one mutex per alias, created on first use. It belongs
// to a single Multiplexer so independent multiplexers never contend.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) get(alias string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[alias]
	if !ok {
		l = &sync.Mutex{}
		t.locks[alias] = l
	}
	return l
}

// lockOrder returns aliases sorted and de-duplicated. Every multi-alias
// acquisition goes through this order.
func lockOrder(aliases []string) []string {
	names := slices.Clone(aliases)
	slices.Sort(names)
	return slices.Compact(names)
}

// acquire locks every alias in lockOrder and returns the matching release
// function, which unlocks in reverse order.
func (t *lockTable) acquire(aliases ...string) (release func()) {
	names := lockOrder(aliases)
	held := make([]*sync.Mutex, 0, len(names))
	for _, name := range names {
		l := t.get(name)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
