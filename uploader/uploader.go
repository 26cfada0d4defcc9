// Package uploader implements the serving side of spec.md §4.12: answer a
// BlockRequest iff we aren't choking the requester and it has told us it's
// interested, and periodically recompute who stays unchoked.
//
// No teacher file grounds the request-serving half directly (it's the
// same fallback folder.Group already carries when no Uploader is wired);
// the choking policy's random pick among the currently-choked peers is
// grounded on modules/gateway/peersmanager.go's fastrand.Perm-based peer
// selection, adapted from "try nodes in random order" to "optimistically
// unchoke one random peer per interval".
package uploader

import (
	"sort"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/fastrand"

	"github.com/driftsync/driftsync/bwconn"
	"github.com/driftsync/driftsync/chunkstore"
	"github.com/driftsync/driftsync/peer"
	"github.com/driftsync/driftsync/persist"
	"github.com/driftsync/driftsync/wire"
)

// Config tunes the choking policy.
type Config struct {
	UnchokeSlots int           // top-K reciprocating peers kept unchoked, default 4
	Interval     time.Duration // recompute cadence, default 10s
}

func (c Config) withDefaults() Config {
	if c.UnchokeSlots <= 0 {
		c.UnchokeSlots = 4
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	return c
}

type peerState struct {
	sess *peer.Session
	prev bwconn.Counters
}

// Uploader serves BlockRequests and runs the periodic choking policy for
// one folder.
type Uploader struct {
	cfg   Config
	store *chunkstore.ChunkStorage
	log   *persist.Logger

	mu    sync.Mutex
	peers map[peer.Identity]*peerState

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an Uploader.
func New(cfg Config, store *chunkstore.ChunkStorage, log *persist.Logger) *Uploader {
	u := &Uploader{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log,
		peers: make(map[peer.Identity]*peerState),
		stop:  make(chan struct{}),
	}
	u.wg.Add(1)
	go u.run()
	return u
}

// Close stops the choking-policy ticker. Peer sessions are left untouched.
func (u *Uploader) Close() {
	close(u.stop)
	u.wg.Wait()
}

func (u *Uploader) PeerConnected(sess *peer.Session) {
	u.mu.Lock()
	u.peers[sess.Identity] = &peerState{sess: sess, prev: sess.Counters()}
	u.mu.Unlock()
}

func (u *Uploader) PeerDisconnected(id peer.Identity) {
	u.mu.Lock()
	delete(u.peers, id)
	u.mu.Unlock()
}

// BlockRequested answers m iff we aren't choking sess and sess has told us
// it's interested (spec.md §4.12). A request for a chunk we don't have is
// logged and dropped, never answered with a negative reply.
func (u *Uploader) BlockRequested(sess *peer.Session, m wire.BlockRequest) {
	if sess.AmChoking() || !sess.PeerInterested() {
		return
	}
	ciphertext, err := u.store.GetCiphertext(m.CTHash)
	if err != nil {
		u.logf("INFO: dropping block request for unknown chunk from %v", sess.PeerName)
		return
	}
	end := m.Offset + m.Size
	if m.Offset < 0 || m.Size < 0 || end > int64(len(ciphertext)) {
		return
	}
	if err := sess.SendBlockReply(wire.BlockReply{CTHash: m.CTHash, Offset: m.Offset, Bytes: ciphertext[m.Offset:end]}); err != nil {
		u.logf("WARN: replying with block to %v: %v", sess.PeerName, err)
		return
	}
	sess.AddUpPayload(m.Size)
}

func (u *Uploader) run() {
	defer u.wg.Done()
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stop:
			return
		case <-ticker.C:
			u.recompute()
		}
	}
}

type scoredPeer struct {
	id   peer.Identity
	sess *peer.Session
	rate int64
}

// recompute unchokes the top UnchokeSlots peers by reciprocated throughput
// (bytes they sent us this interval) plus one random pick among the rest,
// and chokes everyone else.
func (u *Uploader) recompute() {
	u.mu.Lock()
	scored := make([]scoredPeer, 0, len(u.peers))
	for id, ps := range u.peers {
		cur := ps.sess.Counters()
		scored = append(scored, scoredPeer{id: id, sess: ps.sess, rate: cur.DownPayload - ps.prev.DownPayload})
		ps.prev = cur
	}
	u.mu.Unlock()

	if len(scored) == 0 {
		return
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].rate > scored[j].rate })

	unchoke := make(map[peer.Identity]bool, u.cfg.UnchokeSlots+1)
	top := u.cfg.UnchokeSlots
	if top > len(scored) {
		top = len(scored)
	}
	for _, sp := range scored[:top] {
		unchoke[sp.id] = true
	}

	var choked []scoredPeer
	for _, sp := range scored[top:] {
		choked = append(choked, sp)
	}
	if len(choked) > 0 {
		unchoke[choked[fastrand.Intn(len(choked))].id] = true
	}

	for _, sp := range scored {
		switch {
		case unchoke[sp.id] && sp.sess.AmChoking():
			if err := sp.sess.SendUnchoke(); err != nil {
				u.logf("WARN: unchoking %v: %v", sp.sess.PeerName, err)
			}
		case !unchoke[sp.id] && !sp.sess.AmChoking():
			if err := sp.sess.SendChoke(); err != nil {
				u.logf("WARN: choking %v: %v", sp.sess.PeerName, err)
			}
		}
	}
}

func (u *Uploader) logf(format string, args ...interface{}) {
	if u.log != nil {
		u.log.Printf(format+"\n", args...)
	}
}
