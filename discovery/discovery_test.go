package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/driftsync/driftsync/folder"
)

type fakeSource struct {
	eps []Endpoint
	ran chan struct{}
}

func (f *fakeSource) Run(ctx context.Context, id folder.ID, report func(Endpoint)) error {
	for _, ep := range f.eps {
		report(ep)
		report(ep) // duplicate, should be deduplicated by Manager
	}
	close(f.ran)
	<-ctx.Done()
	return nil
}

func TestManagerDedupsAndDials(t *testing.T) {
	var id folder.ID
	id[0] = 0x42

	dials := make(chan Endpoint, 8)
	m := NewManager(func(gotID folder.ID, ep Endpoint) {
		if gotID != id {
			t.Errorf("dial for wrong folder id")
		}
		dials <- ep
	}, nil)

	ep1 := Endpoint{Host: "10.0.0.1", Port: 4242}
	ep2 := Endpoint{Host: "10.0.0.2", Port: 4242}
	src := &fakeSource{eps: []Endpoint{ep1, ep2}, ran: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Watch(ctx, id, src)

	select {
	case <-src.ran:
	case <-time.After(time.Second):
		t.Fatal("source never ran")
	}

	got := map[Endpoint]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ep := <-dials:
			got[ep] = true
		case <-time.After(time.Second):
			t.Fatalf("expected 2 dials, got %d", i)
		}
	}
	if !got[ep1] || !got[ep2] {
		t.Fatalf("missing expected endpoints: %v", got)
	}
	select {
	case ep := <-dials:
		t.Fatalf("unexpected extra dial for duplicate report: %v", ep)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerForgetAllowsRedial(t *testing.T) {
	var id folder.ID
	dials := make(chan Endpoint, 8)
	m := NewManager(func(_ folder.ID, ep Endpoint) { dials <- ep }, nil)

	ep := Endpoint{Host: "10.0.0.5", Port: 1}
	m.onDiscovered(id, ep)
	m.onDiscovered(id, ep)

	select {
	case <-dials:
	case <-time.After(time.Second):
		t.Fatal("first dial never happened")
	}
	select {
	case <-dials:
		t.Fatal("dedup did not suppress the second report")
	case <-time.After(50 * time.Millisecond):
	}

	m.Forget(id, ep)
	m.onDiscovered(id, ep)
	select {
	case <-dials:
	case <-time.After(time.Second):
		t.Fatal("redial after Forget never happened")
	}
}
