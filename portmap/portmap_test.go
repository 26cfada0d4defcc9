package portmap

import (
	"context"
	"testing"

	upnp "gitlab.com/NebulousLabs/go-upnp"
)

// These tests run without an emulated router. upnp.IGD has no constructor
// exported for tests, so they exercise
// the refcounting logic only up to the point a real device is touched: the
// discover hook is swapped for one that fails, and AddPort/RemovePort
// behavior is checked on the refcount bookkeeping that runs before and
// after the device call.

func TestAddPortRefcountsRepeatedID(t *testing.T) {
	m := New(nil)
	calls := 0
	m.discover = func(ctx context.Context) (*upnp.IGD, error) {
		calls++
		return nil, errNoRouter
	}

	if err := m.AddPort(context.Background(), "folder-a", 4242, TCP, "driftsync"); err == nil {
		t.Fatal("expected discovery failure to propagate")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one discovery attempt, got %d", calls)
	}

	// Once a mapping exists, a repeated AddPort for the same id must not
	// attempt discovery again.
	m.mu.Lock()
	m.mappings["folder-a"] = &mapping{port: 4242, proto: TCP, refs: 1}
	m.mu.Unlock()

	if err := m.AddPort(context.Background(), "folder-a", 4242, TCP, "driftsync"); err != nil {
		t.Fatalf("repeated AddPort for a live id should not fail: %v", err)
	}
	if calls != 1 {
		t.Fatalf("repeated AddPort for a live id re-ran discovery")
	}

	port, ok := m.MappedPort("folder-a")
	if !ok || port != 4242 {
		t.Fatalf("MappedPort returned (%d, %v)", port, ok)
	}
}

func TestRemovePortDropsOnlyAtZeroRefs(t *testing.T) {
	m := New(nil)
	m.mappings["folder-b"] = &mapping{port: 9000, proto: UDP, refs: 2}

	m.RemovePort("folder-b")
	if _, ok := m.MappedPort("folder-b"); !ok {
		t.Fatal("mapping removed before refcount reached zero")
	}

	m.RemovePort("folder-b")
	if _, ok := m.MappedPort("folder-b"); ok {
		t.Fatal("mapping still present after refcount reached zero")
	}

	// Removing an id that was never added is a no-op, not a panic.
	m.RemovePort("never-added")
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errNoRouter = sentinelErr("no router found")
