package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryLockFailsWhileHeld(t *testing.T) {
	r := NewLockRegistry()

	unlock, ok := r.TryLock("story-1", "main")
	assert.True(t, ok)

	_, ok = r.TryLock("story-1", "main")
	assert.False(t, ok, "a second try-lock on the same branch must fail while the first is held")

	unlock()

	unlock2, ok := r.TryLock("story-1", "main")
	assert.True(t, ok, "try-lock should succeed again once released")
	unlock2()
}

func TestLocksAreIndependentPerBranch(t *testing.T) {
	r := NewLockRegistry()

	unlockA, ok := r.TryLock("story-1", "branch-a")
	assert.True(t, ok)
	defer unlockA()

	_, ok = r.TryLock("story-1", "branch-b")
	assert.True(t, ok, "a lock on branch-a must not block branch-b")
}

func TestLockBlocksUntilUnlocked(t *testing.T) {
	r := NewLockRegistry()
	unlock := r.Lock("story-1", "main")

	done := make(chan struct{})
	go func() {
		unlock2 := r.Lock("story-1", "main")
		unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock call returned before the first was unlocked")
	default:
	}

	unlock()
	<-done
}
