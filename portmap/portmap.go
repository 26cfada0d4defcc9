// Package portmap implements spec.md §5's shared, refcounted port-mapping
// service and spec.md §6's add_port/remove_port/mapped_port contract.
//
// Grounded on modules/gateway/upnp.go's threadedForwardPort/managedClearPort
// (discover a router via UPnP, forward, and tear the mapping down again),
// generalized from one gateway-wide port to many independently refcounted
// string ids so several folders can share one router session, matching
// components/portmapping/PortMapper.h's addPort(id, ...)/removePort(id) and
// its "QMap<QString, Mapping> mappings_" keyed-by-id shape.
package portmap

import (
	"context"
	"fmt"
	"sync"
	"time"

	upnp "gitlab.com/NebulousLabs/go-upnp"

	"github.com/driftsync/driftsync/persist"
)

// Protocol is the transport a mapping applies to.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "UDP"
	}
	return "TCP"
}

type mapping struct {
	port        uint16
	proto       Protocol
	description string
	refs        int
}

// Mapper discovers a UPnP-capable router once and thereafter forwards and
// clears ports on it, refcounting registrations by id: repeated AddPort
// calls for one id share a single forward, which is cleared when that id's
// last reference is removed. Ids are counted independently; two ids naming
// the same port are not coordinated, and the last RemovePort of either one
// clears the forward.
type Mapper struct {
	log *persist.Logger

	mu       sync.Mutex
	device   *upnp.IGD
	discover func(ctx context.Context) (*upnp.IGD, error)
	mappings map[string]*mapping
}

// New returns a Mapper that lazily discovers a router on the first AddPort
// call. Discovery happens at most once; a failure is retried on the next
// AddPort.
func New(log *persist.Logger) *Mapper {
	return &Mapper{
		log:      log,
		discover: upnp.DiscoverCtx,
		mappings: make(map[string]*mapping),
	}
}

func (m *Mapper) deviceLocked(ctx context.Context) (*upnp.IGD, error) {
	if m.device != nil {
		return m.device, nil
	}
	d, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}
	m.device = d
	return d, nil
}

// AddPort registers id for port/proto, forwarding it on the router the
// first time id is added. Repeated calls with the same id just bump its
// refcount; a new id forwards its port even if another id already holds it.
func (m *Mapper) AddPort(ctx context.Context, id string, port uint16, proto Protocol, description string) error {
	m.mu.Lock()
	if existing, ok := m.mappings[id]; ok {
		existing.refs++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	m.mu.Lock()
	d, err := m.deviceLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("discovering router: %w", err)
	}

	if proto == TCP {
		if err := d.Forward(port, description); err != nil {
			return fmt.Errorf("forwarding port %d/%s: %w", port, proto, err)
		}
	}
	// go-upnp only forwards TCP; UDP-tagged mappings are still tracked
	// for refcounting and mapped_port lookups, just never sent to the
	// router.

	m.mu.Lock()
	m.mappings[id] = &mapping{port: port, proto: proto, description: description, refs: 1}
	m.mu.Unlock()
	if m.log != nil {
		m.log.Printf("INFO: port-mapped %q -> %d/%s\n", id, port, proto)
	}
	return nil
}

// RemovePort drops one reference to id; the underlying forward is cleared
// only once the refcount reaches zero.
func (m *Mapper) RemovePort(id string) {
	m.mu.Lock()
	mp, ok := m.mappings[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	mp.refs--
	if mp.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.mappings, id)
	device := m.device
	m.mu.Unlock()

	if mp.proto == TCP && device != nil {
		if err := device.Clear(mp.port); err != nil && m.log != nil {
			m.log.Printf("WARN: could not unforward port %d: %v\n", mp.port, err)
		}
	}
}

// MappedPort reports the forwarded port for id, or false if id isn't
// currently registered.
func (m *Mapper) MappedPort(id string) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[id]
	if !ok {
		return 0, false
	}
	return mp.port, true
}
