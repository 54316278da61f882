package terminator

import "sync"

// LockRegistry hands out one mutex per instance id. Entries are created on
// first use and never removed, so a holder can never unlock a mutex that
// another caller has already replaced.
type LockRegistry struct {
	locks sync.Map // instance id -> *sync.Mutex
}

func (r *LockRegistry) get(id string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lock blocks until the instance's mutex is held and returns its release.
func (r *LockRegistry) Lock(id string) (unlock func()) {
	mtx := r.get(id)
	mtx.Lock()
	return mtx.Unlock
}
