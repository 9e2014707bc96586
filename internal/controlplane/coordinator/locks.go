package coordinator

import "sync"

// lockTable is an arena of per-endpoint advisory locks scoped to operation
// execution. Holding an entry means an operation is executing for that
// endpoint; a second acquire fails instead of blocking.
type lockTable struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{active: make(map[string]struct{})}
}

// tryAcquire takes the endpoint's lock, reporting false if already held.
func (t *lockTable) tryAcquire(endpointID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.active[endpointID]; held {
		return false
	}
	t.active[endpointID] = struct{}{}
	return true
}

// release frees the endpoint's lock. Releasing an unheld lock is a no-op.
func (t *lockTable) release(endpointID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, endpointID)
}
