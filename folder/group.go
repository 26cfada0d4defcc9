// Package folder implements the single coordinator spec.md §4.9 describes:
// one actor per folder owning the Index, ChunkStorage, Assembler and the set
// of connected peers, gossiping meta changes and handing chunk-level work
// off to a Downloader/Uploader.
//
// Grounded on modules/gateway/gateway.go's Gateway struct (peer map guarded
// by a mutex, a persist.Logger, a threadgroup for clean shutdown, a random
// unique id) and modules/gateway/peer.go's addPeer/listenPeer/Disconnect
// shape, generalized from an RPC-dispatch flood-network gateway to a single
// framed peer.Session per connection with a fixed message set.
package folder

import (
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/driftsync/driftsync/assembler"
	"github.com/driftsync/driftsync/bwconn"
	"github.com/driftsync/driftsync/chunkcrypto"
	"github.com/driftsync/driftsync/chunkstore"
	"github.com/driftsync/driftsync/deadlock"
	"github.com/driftsync/driftsync/index"
	"github.com/driftsync/driftsync/indexer"
	"github.com/driftsync/driftsync/metadata"
	"github.com/driftsync/driftsync/peer"
	"github.com/driftsync/driftsync/persist"
	"github.com/driftsync/driftsync/secret"
	"github.com/driftsync/driftsync/wire"
)

// groupMuMaxHold bounds how long Group's mutation guard may be held; every
// critical section it protects is a handful of map operations, so anything
// near this long means a caller wedged while holding it.
const groupMuMaxHold = 10 * time.Second

// Downloader schedules chunk-level fetches once a Meta is known locally.
// Implemented by driftsync/downloader; Group only needs to hand off the
// events that change what should be requested from whom.
type Downloader interface {
	PeerConnected(sess *peer.Session)
	PeerDisconnected(id peer.Identity)
	PeerBitfieldUpdated(sess *peer.Session)
	MetaAccepted(m metadata.Meta)
	BlockReplyReceived(sess *peer.Session, m wire.BlockReply)
}

// Uploader decides whether and how to serve a peer's BlockRequest, applying
// the choking policy spec.md §4.12 describes. Implemented by
// driftsync/uploader.
type Uploader interface {
	PeerConnected(sess *peer.Session)
	PeerDisconnected(id peer.Identity)
	BlockRequested(sess *peer.Session, m wire.BlockRequest)
}

// ID uniquely identifies a Group instance for logging/telemetry.
type ID [8]byte

// Config carries everything New needs besides its already-open
// dependencies.
type Config struct {
	Name string // folder display name, sent as peer_name on outgoing handshakes
}

// Group is the per-folder coordinator.
type Group struct {
	ID ID

	cfg    Config
	secret secret.Secret
	idx    *index.Index
	store  *chunkstore.ChunkStorage
	asm    *assembler.Assembler
	ix     *indexer.Indexer
	log    *persist.Logger

	mu         *deadlock.Lock
	peers      map[peer.Identity]*peer.Session
	downloader Downloader
	uploader   Uploader

	threads threadgroup.ThreadGroup
}

// New creates a Group. idx, store, asm and ix must already be open/usable;
// Group does not own their lifecycle beyond closing attached peer sessions.
func New(cfg Config, s secret.Secret, idx *index.Index, store *chunkstore.ChunkStorage, asm *assembler.Assembler, ix *indexer.Indexer, log *persist.Logger) *Group {
	g := &Group{
		cfg:    cfg,
		secret: s,
		idx:    idx,
		store:  store,
		asm:    asm,
		ix:     ix,
		log:    log,
		peers:  make(map[peer.Identity]*peer.Session),
		mu:     deadlock.New(groupMuMaxHold, log),
	}
	fastrand.Read(g.ID[:])
	return g
}

// SetDownloader/SetUploader wire the chunk-level collaborators once they
// exist. Either may be left nil, in which case Group falls back to serving
// BlockRequests directly and drops MetaAccepted/bitfield events on the
// floor (acceptable for metadata-only tests).
func (g *Group) SetDownloader(d Downloader) {
	t := g.mu.Lock("group.mu")
	g.downloader = d
	g.mu.Unlock(t)
}
func (g *Group) SetUploader(u Uploader) {
	t := g.mu.Lock("group.mu")
	g.uploader = u
	g.mu.Unlock(t)
}

// Close stops accepting further work, closes every attached peer session and
// waits for their Serve goroutines to return. Each session's RunHeartbeat
// goroutine exits on its own once the session is closed; Close does not
// wait for it.
func (g *Group) Close() error {
	t := g.mu.Lock("group.mu")
	sessions := make([]*peer.Session, 0, len(g.peers))
	for _, sess := range g.peers {
		sessions = append(sessions, sess)
	}
	g.mu.Unlock(t)

	// Close every connection first so the Serve goroutines threads.Stop
	// waits on actually return instead of blocking on a live read.
	var closeErrs []error
	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if err := g.threads.Stop(); err != nil {
		closeErrs = append(closeErrs, err)
	}
	return errors.Compose(closeErrs...)
}

// AddPeer registers an already-handshaken session, wires its Handlers to
// this Group, starts its receive loop and heartbeat, and announces every
// Meta currently known locally. Spec.md §4.9: "On connect... update peer
// membership and re-evaluate interest."
func (g *Group) AddPeer(sess *peer.Session) error {
	if err := g.threads.Add(); err != nil {
		return err
	}

	sess.WithHandlers(peer.Handlers{
		OnHaveMeta:     g.onHaveMeta,
		OnHaveChunk:    g.onHaveChunk,
		OnMetaRequest:  g.onMetaRequest,
		OnMetaReply:    g.onMetaReply,
		OnBlockRequest: g.onBlockRequest,
		OnBlockReply:   g.onBlockReply,
		OnCancel:       g.onCancel,
	})
	if g.log != nil {
		sess.WithLogger(g.log)
	}

	t := g.mu.Lock("group.mu")
	g.peers[sess.Identity] = sess
	downloader := g.downloader
	uploader := g.uploader
	g.mu.Unlock(t)

	g.logf("INFO: folder %q: peer %v connected", g.cfg.Name, sess.PeerName)

	if downloader != nil {
		downloader.PeerConnected(sess)
	}
	if uploader != nil {
		uploader.PeerConnected(sess)
	}

	go func() {
		defer g.threads.Done()
		go sess.RunHeartbeat(func(bwconn.Counters) {})
		_ = sess.Serve()
		sess.Close() // unblocks RunHeartbeat even if Serve returned without the peer closing the conn
		g.removePeer(sess)
	}()

	go g.announceKnownMeta(sess)
	go g.announceKnownChunks(sess)
	return nil
}

// Peers returns a snapshot of the currently attached sessions, for
// diagnostics (e.g. the control RPC's per-folder peers[] rows).
func (g *Group) Peers() []*peer.Session {
	t := g.mu.Lock("group.mu")
	defer g.mu.Unlock(t)
	sessions := make([]*peer.Session, 0, len(g.peers))
	for _, sess := range g.peers {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (g *Group) removePeer(sess *peer.Session) {
	t := g.mu.Lock("group.mu")
	delete(g.peers, sess.Identity)
	downloader := g.downloader
	uploader := g.uploader
	g.mu.Unlock(t)

	if downloader != nil {
		downloader.PeerDisconnected(sess.Identity)
	}
	if uploader != nil {
		uploader.PeerDisconnected(sess.Identity)
	}
	g.logf("INFO: peer %v disconnected", sess.PeerName)
}

// announceKnownMeta sends HaveMeta for every record in the Index, so a newly
// connected peer learns what we hold without waiting for a local change.
func (g *Group) announceKnownMeta(sess *peer.Session) {
	err := g.idx.ForEach(func(sm metadata.SignedMeta) error {
		return sess.SendHaveMeta(wire.HaveMeta{PathID: sm.Meta.PathID, Revision: sm.Meta.Revision})
	})
	if err != nil {
		g.logf("WARN: announcing known meta to %v: %v", sess.PeerName, err)
	}
}

// announceKnownChunks seeds a newly connected peer's view of our possession
// with HaveChunk for every chunk already materialized locally, so its
// Downloader can evaluate rarest-first selection without waiting for us to
// re-announce each one individually.
func (g *Group) announceKnownChunks(sess *peer.Session) {
	err := g.store.ForEachStored(func(ct chunkcrypto.Hash) error {
		return sess.AnnounceChunk(ct)
	})
	if err != nil {
		g.logf("WARN: announcing known chunks to %v: %v", sess.PeerName, err)
	}
}

// Broadcast sends m to every currently attached peer. A single slow or
// broken connection is logged and skipped rather than blocking gossip to
// the rest of the group.
func (g *Group) Broadcast(m wire.HaveMeta) {
	t := g.mu.Lock("group.mu")
	sessions := make([]*peer.Session, 0, len(g.peers))
	for _, sess := range g.peers {
		sessions = append(sessions, sess)
	}
	g.mu.Unlock(t)

	for _, sess := range sessions {
		if err := sess.SendHaveMeta(m); err != nil {
			g.logf("WARN: broadcasting have_meta to %v: %v", sess.PeerName, err)
		}
	}
}

// NotifyLocalChange broadcasts a SignedMeta the Indexer just produced and
// stored locally (spec.md §4.9: "On local meta change, broadcast
// have_meta(path_id, revision) to all attached peers").
func (g *Group) NotifyLocalChange(sm metadata.SignedMeta) error {
	m, err := metadata.DecodeMeta(sm.RawMeta)
	if err != nil {
		return err
	}
	g.Broadcast(wire.HaveMeta{PathID: m.PathID, Revision: m.Revision})
	return nil
}

// AcceptMeta verifies and stores a SignedMeta that arrived from a peer,
// gossips it onward, and either assembles it immediately (non-FILE types,
// or a FILE whose chunks are already all present) or hands it to the
// Downloader to fetch what's missing.
func (g *Group) AcceptMeta(sm metadata.SignedMeta) error {
	stored, err := g.idx.PutMeta(sm, false)
	if err != nil {
		return err
	}
	if !stored {
		// A stale or tie-losing revision: already superseded on disk, so
		// broadcasting or assembling it would regress the folder.
		return nil
	}
	m, err := metadata.DecodeMeta(sm.RawMeta)
	if err != nil {
		return err
	}

	g.Broadcast(wire.HaveMeta{PathID: m.PathID, Revision: m.Revision})

	if m.Type != metadata.FILE || g.allChunksPresent(m) {
		return g.assemble(m)
	}

	t := g.mu.Lock("group.mu")
	downloader := g.downloader
	g.mu.Unlock(t)
	if downloader != nil {
		downloader.MetaAccepted(m)
	}
	return nil
}

// AssembleIfReady assembles m if every chunk it lists is now present,
// marking the Index row per spec.md §4.8. Called by the Downloader once a
// BlockReply completes a chunk it was waiting on.
func (g *Group) AssembleIfReady(m metadata.Meta) error {
	if !g.allChunksPresent(m) {
		return nil
	}
	return g.assemble(m)
}

func (g *Group) allChunksPresent(m metadata.Meta) bool {
	for _, c := range m.Chunks {
		if !g.store.HaveChunk(c.CTHash) {
			return false
		}
	}
	return true
}

func (g *Group) assemble(m metadata.Meta) error {
	if err := g.asm.Assemble(m); err != nil {
		return err
	}
	return g.idx.MarkAssembled(m.PathID, m.Revision)
}

func (g *Group) logf(format string, args ...interface{}) {
	if g.log != nil {
		g.log.Printf(format+"\n", args...)
	}
}
