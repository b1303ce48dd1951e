package wagergame

import (
	"fmt"
	"sync"

	"github.com/companyzero/bisonrelay/zkidentity"
)

// LockSet is the process-wide set of actors temporarily barred from
// restricted operations while a multi-actor event runs. Lock is
// all-or-nothing; Unlock removes unconditionally. The internal mutex is
// only held for the map operation itself, never across anything that can
// block.
type LockSet struct {
	mtx    sync.Mutex
	locked map[zkidentity.ShortID]struct{}
}

func NewLockSet() *LockSet {
	return &LockSet{locked: make(map[zkidentity.ShortID]struct{})}
}

// Lock adds every actor to the set, or none of them: if any actor is
// already present it fails with ErrPartiallyLocked and the set is
// unchanged.
func (ls *LockSet) Lock(actors []zkidentity.ShortID) error {
	ls.mtx.Lock()
	defer ls.mtx.Unlock()

	for _, a := range actors {
		if _, ok := ls.locked[a]; ok {
			return fmt.Errorf("%w: %s", ErrPartiallyLocked, a)
		}
	}
	for _, a := range actors {
		ls.locked[a] = struct{}{}
	}
	return nil
}

// Unlock removes the actors from the set. Absent actors are ignored.
func (ls *LockSet) Unlock(actors []zkidentity.ShortID) {
	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	for _, a := range actors {
		delete(ls.locked, a)
	}
}

// IsLocked reports whether the actor is currently held.
func (ls *LockSet) IsLocked(actor zkidentity.ShortID) bool {
	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	_, ok := ls.locked[actor]
	return ok
}

// WithLocked runs fn with all actors held and releases them on every exit
// path, including panics. This is the only way multi-actor events should
// acquire locks, so an aborted event can never leave the set non-empty.
func (ls *LockSet) WithLocked(actors []zkidentity.ShortID, fn func() error) error {
	if err := ls.Lock(actors); err != nil {
		return err
	}
	defer ls.Unlock(actors)
	return fn()
}
