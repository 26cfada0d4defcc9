// Package bwconn wraps a net.Conn to tally the bandwidth counters spec.md
// §4.10 requires a peer Session to maintain: bytes up/down total, and bytes
// up/down payload-only (i.e. BlockReply bytes, excluding frame headers and
// control messages). Total bytes are counted automatically on every
// Read/Write; payload bytes are credited explicitly by the caller, which is
// the only layer that knows which bytes within a frame are payload.
//
// Grounded on the teacher's conn.RLConnection (conn/conn.go): same
// "implements net.Conn by delegating everything except the one concern
// this wrapper adds" shape, generalized from throughput-limiting to
// throughput-accounting.
package bwconn

import (
	"net"
	"sync/atomic"
	"time"
)

// Conn wraps a net.Conn, tracking bandwidth counters.
type Conn struct {
	net.Conn

	upTotal     int64
	downTotal   int64
	upPayload   int64
	downPayload int64
}

// New wraps conn for bandwidth accounting.
func New(conn net.Conn) *Conn {
	return &Conn{Conn: conn}
}

// Read reads from the underlying connection, tallying bytes read as
// protocol-overhead-or-payload total; call AddDownPayload once the caller
// knows how many of those bytes were BlockReply payload.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	atomic.AddInt64(&c.downTotal, int64(n))
	return n, err
}

// Write writes to the underlying connection, tallying bytes written.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	atomic.AddInt64(&c.upTotal, int64(n))
	return n, err
}

// AddUpPayload credits n bytes of the most recent Write(s) as payload
// (e.g. the `bytes` field of an outgoing BlockReply).
func (c *Conn) AddUpPayload(n int64) { atomic.AddInt64(&c.upPayload, n) }

// AddDownPayload credits n bytes of the most recent Read(s) as payload.
func (c *Conn) AddDownPayload(n int64) { atomic.AddInt64(&c.downPayload, n) }

// Counters is a point-in-time snapshot of the four running totals.
type Counters struct {
	UpTotal     int64
	DownTotal   int64
	UpPayload   int64
	DownPayload int64
}

// Snapshot reads the current counters.
func (c *Conn) Snapshot() Counters {
	return Counters{
		UpTotal:     atomic.LoadInt64(&c.upTotal),
		DownTotal:   atomic.LoadInt64(&c.downTotal),
		UpPayload:   atomic.LoadInt64(&c.upPayload),
		DownPayload: atomic.LoadInt64(&c.downPayload),
	}
}

// Rates computes a bytes-per-second estimate for each counter by
// differencing two snapshots taken dt apart, the way a ≥1 Hz heartbeat
// does per spec.md §4.10.
func Rates(prev, cur Counters, dt time.Duration) Counters {
	if dt <= 0 {
		return Counters{}
	}
	secs := dt.Seconds()
	return Counters{
		UpTotal:     int64(float64(cur.UpTotal-prev.UpTotal) / secs),
		DownTotal:   int64(float64(cur.DownTotal-prev.DownTotal) / secs),
		UpPayload:   int64(float64(cur.UpPayload-prev.UpPayload) / secs),
		DownPayload: int64(float64(cur.DownPayload-prev.DownPayload) / secs),
	}
}
