// Package discovery implements the folder-facing half of spec.md §6's
// discovery input: on_discovered(folder_id, endpoint). It does not itself
// ship an mDNS/DHT/tracker provider (spec.md §1 keeps those out of scope),
// but defines the Source interface precisely enough that one can be added
// later without touching driftsync/folder.
//
// Grounded on components/discovery/library/discovery/bt/BTProvider.h's
// provider/callback split and daemon/discovery/mldht's "found a peer, hand
// it to the folder group" flow, adapted from Librevault's signal/slot wiring
// to a plain Go callback.
package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/driftsync/driftsync/folder"
	"github.com/driftsync/driftsync/persist"
)

// Endpoint is a dialable address a Source believes might be running a peer
// for a folder.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Source is one discovery provider (mDNS, BitTorrent mainline DHT, a
// tracker, ...). Run blocks, calling report for every endpoint it learns
// about for id, until ctx is cancelled; it returns when ctx is done or it
// hits an unrecoverable error.
type Source interface {
	Run(ctx context.Context, id folder.ID, report func(Endpoint)) error
}

// Manager fans out discovered endpoints from any number of Sources to a
// single Dial callback, deduplicating so the same endpoint for the same
// folder is dialed only once until Forget removes it.
type Manager struct {
	Dial func(id folder.ID, ep Endpoint)
	log  *persist.Logger

	mu   sync.Mutex
	seen map[folder.ID]map[Endpoint]struct{}
}

// NewManager returns a Manager that calls dial for each newly discovered
// (folder, endpoint) pair.
func NewManager(dial func(id folder.ID, ep Endpoint), log *persist.Logger) *Manager {
	return &Manager{
		Dial: dial,
		log:  log,
		seen: make(map[folder.ID]map[Endpoint]struct{}),
	}
}

// Forget removes one endpoint from a folder's dedup set, so that the next
// report of it is dialed again.
func (m *Manager) Forget(id folder.ID, ep Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.seen[id]; ok {
		delete(set, ep)
	}
}

// onDiscovered implements the on_discovered(folder_id, endpoint) contract of
// spec.md §6.
func (m *Manager) onDiscovered(id folder.ID, ep Endpoint) {
	m.mu.Lock()
	set, ok := m.seen[id]
	if !ok {
		set = make(map[Endpoint]struct{})
		m.seen[id] = set
	}
	if _, dup := set[ep]; dup {
		m.mu.Unlock()
		return
	}
	set[ep] = struct{}{}
	m.mu.Unlock()
	m.Dial(id, ep)
}

// Watch runs src in its own goroutine, reporting every endpoint it finds
// for id through onDiscovered, until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, id folder.ID, src Source) {
	go func() {
		if err := src.Run(ctx, id, func(ep Endpoint) { m.onDiscovered(id, ep) }); err != nil && ctx.Err() == nil {
			m.logf("WARN: discovery source stopped: %v", err)
		}
	}()
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Printf(format+"\n", args...)
	}
}
