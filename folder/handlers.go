package folder

import (
	"github.com/driftsync/driftsync/metadata"
	"github.com/driftsync/driftsync/peer"
	"github.com/driftsync/driftsync/wire"
)

// onHaveMeta consults put_allowed and, if the peer's announced revision is
// newer than what we hold, requests the full SignedMeta (spec.md §4.9).
func (g *Group) onHaveMeta(sess *peer.Session, m wire.HaveMeta) {
	allowed, err := g.idx.PutAllowed(m.PathID, m.Revision)
	if err != nil {
		g.logf("WARN: put_allowed check for %v: %v", sess.PeerName, err)
		return
	}
	if !allowed {
		return
	}
	if err := sess.SendMetaRequest(wire.MetaRequest{PathID: m.PathID, Revision: m.Revision}); err != nil {
		g.logf("WARN: requesting meta from %v: %v", sess.PeerName, err)
	}
}

// onMetaReply feeds an incoming SignedMeta through AcceptMeta, which
// verifies it (via Index.PutMeta), stores it, gossips it onward, and
// triggers assembly or a Downloader chunk fetch as needed.
func (g *Group) onMetaReply(sess *peer.Session, sm metadata.SignedMeta) {
	if err := g.AcceptMeta(sm); err != nil {
		g.logf("WARN: rejecting meta from %v: %v", sess.PeerName, err)
	}
}

// onMetaRequest replies with the exact revision asked for, if we have it.
// There is no "not found" reply in the protocol (spec.md §4.10): a miss is
// simply dropped.
func (g *Group) onMetaRequest(sess *peer.Session, m wire.MetaRequest) {
	sm, err := g.idx.GetMeta(m.PathID, &m.Revision)
	if err != nil {
		return
	}
	if err := sess.SendMetaReply(wire.MetaReply{RawMeta: sm.RawMeta, Signature: sm.Signature}); err != nil {
		g.logf("WARN: replying with meta to %v: %v", sess.PeerName, err)
	}
}

func (g *Group) onHaveChunk(sess *peer.Session, _ wire.HaveChunk) {
	t := g.mu.Lock("group.mu")
	downloader := g.downloader
	g.mu.Unlock(t)
	if downloader != nil {
		downloader.PeerBitfieldUpdated(sess)
	}
}

func (g *Group) onBlockRequest(sess *peer.Session, m wire.BlockRequest) {
	t := g.mu.Lock("group.mu")
	uploader := g.uploader
	g.mu.Unlock(t)
	if uploader != nil {
		uploader.BlockRequested(sess, m)
		return
	}
	g.serveBlockRequest(sess, m)
}

// serveBlockRequest is the direct fallback implementation of spec.md
// §4.12's upload rule, used when no Uploader has been wired: reply iff we
// are not choking the peer and the peer has told us it's interested. A
// missing chunk is logged and dropped, never answered with a negative
// reply.
func (g *Group) serveBlockRequest(sess *peer.Session, m wire.BlockRequest) {
	if sess.AmChoking() || !sess.PeerInterested() {
		return
	}
	ciphertext, err := g.store.GetCiphertext(m.CTHash)
	if err != nil {
		g.logf("INFO: dropping block request for unknown chunk from %v", sess.PeerName)
		return
	}
	end := m.Offset + m.Size
	if m.Offset < 0 || m.Size < 0 || end > int64(len(ciphertext)) {
		return
	}
	if err := sess.SendBlockReply(wire.BlockReply{CTHash: m.CTHash, Offset: m.Offset, Bytes: ciphertext[m.Offset:end]}); err != nil {
		g.logf("WARN: replying with block to %v: %v", sess.PeerName, err)
		return
	}
	sess.AddUpPayload(m.Size)
}

func (g *Group) onBlockReply(sess *peer.Session, m wire.BlockReply) {
	t := g.mu.Lock("group.mu")
	downloader := g.downloader
	g.mu.Unlock(t)
	if downloader != nil {
		downloader.BlockReplyReceived(sess, m)
	}
}

// onCancel drops an in-flight request obligation. Bookkeeping for which
// requests are outstanding belongs to whichever side initiated them
// (Downloader for BlockRequest, Uploader for the reply queue); Group itself
// has nothing to track here.
func (g *Group) onCancel(_ *peer.Session, _ wire.Cancel) {}
