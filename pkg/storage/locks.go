package storage

import (
	"fmt"
	"sync"
)

// LockRegistry hands out one *sync.Mutex per (story,branch) key, created
// lazily and kept forever (the key space is small and long-lived: one entry
// per branch the process has ever touched). Generalizes hector's single
// sync.RWMutex-guarded service (pkg/memory/session_service_sql.go) to a
// registry keyed per resource, since loomweave has one logical owner per
// branch rather than one shared service-wide lock.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry returns an empty LockRegistry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

func key(storyID, branchID string) string {
	return fmt.Sprintf("%s/%s", storyID, branchID)
}

func (r *LockRegistry) get(storyID, branchID string) *sync.Mutex {
	k := key(storyID, branchID)
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[k]
	if !ok {
		m = &sync.Mutex{}
		r.locks[k] = m
	}
	return m
}

// Lock blocks until it acquires the branch's mutex. Callers must call the
// returned unlock func exactly once.
func (r *LockRegistry) Lock(storyID, branchID string) (unlock func()) {
	m := r.get(storyID, branchID)
	m.Lock()
	return m.Unlock
}

// TryLock attempts to acquire the branch's mutex without blocking. It
// returns ok=false if another goroutine already holds it — the caller (a
// background job) should skip this round rather than queue, matching the
// original implementation's try-lock compaction pattern (a branch already
// compacting is skipped, not queued).
func (r *LockRegistry) TryLock(storyID, branchID string) (unlock func(), ok bool) {
	m := r.get(storyID, branchID)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}
