package deadlock

import (
	"testing"
	"time"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	l := New(time.Minute, nil)
	c := l.Lock("writer")
	l.Unlock(c)

	// A second acquisition must not block, proving Unlock actually released.
	done := make(chan struct{})
	go func() {
		c2 := l.Lock("writer2")
		l.Unlock(c2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Lock did not acquire; first Unlock did not release")
	}
}

func TestRLockAllowsConcurrentReaders(t *testing.T) {
	l := New(time.Minute, nil)
	c1 := l.RLock("r1")
	done := make(chan struct{})
	go func() {
		c2 := l.RLock("r2")
		l.RUnlock(c2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent RLock blocked")
	}
	l.RUnlock(c1)
}

func TestWatchdogForceReleasesOverdueLock(t *testing.T) {
	l := New(30*time.Millisecond, nil)
	l.Lock("stuck") // intentionally never unlocked

	done := make(chan struct{})
	go func() {
		c := l.Lock("next")
		l.Unlock(c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not force-release overdue lock")
	}
}
