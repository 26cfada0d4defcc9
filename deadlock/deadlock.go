// Package deadlock provides a mutex that detects and breaks locks held
// longer than expected, used to guard the folder actor's serialized
// mutations to its Index, ChunkStorage and peer set (spec.md §5:
// "Each folder is owned by a single logical task... that serializes all
// mutations"). A stuck lock logs instead of wedging the whole folder.
//
// Grounded on the teacher's lock.Lock (lock/lock.go): same open-locks
// table plus a watchdog goroutine per acquisition, generalized to log
// through persist.Logger instead of fmt.Printf.
package deadlock

import (
	"sync"
	"time"

	"github.com/driftsync/driftsync/persist"
)

// Lock is an RWMutex that logs and force-releases itself if held past
// maxHoldTime, so one wedged caller can't deadlock an entire folder actor.
type Lock struct {
	log *persist.Logger

	maxHoldTime time.Duration

	openMu      sync.Mutex
	open        map[int]string
	nextCounter int

	mu sync.RWMutex
}

// New creates a Lock whose acquisitions are expected to release within
// maxHoldTime. log may be nil, in which case overruns are silently broken
// without any report.
func New(maxHoldTime time.Duration, log *persist.Logger) *Lock {
	return &Lock{
		maxHoldTime: maxHoldTime,
		log:         log,
		open:        make(map[int]string),
	}
}

func (l *Lock) register(id string) int {
	l.openMu.Lock()
	counter := l.nextCounter
	l.open[counter] = id
	l.nextCounter++
	l.openMu.Unlock()
	return counter
}

func (l *Lock) watch(id string, counter int, release func()) {
	time.Sleep(l.maxHoldTime)
	l.openMu.Lock()
	_, stillOpen := l.open[counter]
	if stillOpen {
		delete(l.open, counter)
		if l.log != nil {
			l.log.Printf("WARN: lock held by %q for over %v, force-releasing\n", id, l.maxHoldTime)
		}
		release()
	}
	l.openMu.Unlock()
}

// RLock acquires a read lock, returning a token that must be passed to
// RUnlock.
func (l *Lock) RLock(id string) int {
	counter := l.register(id)
	l.mu.RLock()
	go l.watch(id, counter, l.mu.RUnlock)
	return counter
}

// RUnlock releases a read lock acquired with RLock. A no-op if the
// watchdog already force-released it.
func (l *Lock) RUnlock(counter int) {
	l.openMu.Lock()
	defer l.openMu.Unlock()
	if _, exists := l.open[counter]; !exists {
		return
	}
	delete(l.open, counter)
	l.mu.RUnlock()
}

// Lock acquires a write lock, returning a token that must be passed to
// Unlock.
func (l *Lock) Lock(id string) int {
	counter := l.register(id)
	l.mu.Lock()
	go l.watch(id, counter, l.mu.Unlock)
	return counter
}

// Unlock releases a write lock acquired with Lock. A no-op if the
// watchdog already force-released it.
func (l *Lock) Unlock(counter int) {
	l.openMu.Lock()
	defer l.openMu.Unlock()
	if _, exists := l.open[counter]; !exists {
		return
	}
	delete(l.open, counter)
	l.mu.Unlock()
}
