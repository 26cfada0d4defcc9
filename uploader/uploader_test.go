package uploader

import (
	"net"
	"testing"
	"time"

	"github.com/driftsync/driftsync/bwconn"
	"github.com/driftsync/driftsync/chunkcrypto"
	"github.com/driftsync/driftsync/chunkstore"
	"github.com/driftsync/driftsync/peer"
	"github.com/driftsync/driftsync/wire"
)

func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server := <-acceptCh
	return client, server
}

func fillIdentity(b byte) peer.Identity {
	var id peer.Identity
	for i := range id {
		id[i] = b
	}
	return id
}

type link struct {
	near *peer.Session // the session Uploader is driving
	far  *peer.Session // stands in for the remote peer
}

func newLink(t *testing.T, id peer.Identity, farHandlers peer.Handlers) *link {
	t.Helper()
	a, b := tcpPipe(t)
	near := peer.New(bwconn.New(a), id, "near", "test/1.0", peer.Handlers{}, nil)
	far := peer.New(bwconn.New(b), fillIdentity(0xff), "far", "test/1.0", farHandlers, nil)
	go near.Serve()
	go far.Serve()
	t.Cleanup(func() { near.Close(); far.Close() })
	return &link{near: near, far: far}
}

// creditDownPayload simulates the remote peer having sent n bytes of
// payload to near by pushing a BlockReply of that size across the pipe.
func (l *link) creditDownPayload(t *testing.T, n int) {
	t.Helper()
	before := l.near.Counters().DownPayload
	if err := l.far.SendBlockReply(wire.BlockReply{Bytes: make([]byte, n)}); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(time.Second)
	for l.near.Counters().DownPayload != before+int64(n) {
		select {
		case <-deadline:
			t.Fatal("down payload credit never landed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestBlockRequestedRespectsChokeAndInterest(t *testing.T) {
	dir := t.TempDir()
	store, err := chunkstore.New(dir, make([]byte, 32), nil, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	iv, err := chunkcrypto.NewIV()
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := chunkcrypto.Encrypt(make([]byte, 32), iv, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ct := chunkcrypto.CTHash(ciphertext)
	if err := store.PutChunk(ct, ciphertext); err != nil {
		t.Fatal(err)
	}

	replyCh := make(chan wire.BlockReply, 1)
	l := newLink(t, fillIdentity(1), peer.Handlers{
		OnBlockReply: func(_ *peer.Session, m wire.BlockReply) { replyCh <- m },
	})
	u := New(Config{}, store, nil)
	defer u.Close()

	req := wire.BlockRequest{CTHash: ct, Offset: 0, Size: int64(len(ciphertext))}

	u.BlockRequested(l.near, req)
	select {
	case <-replyCh:
		t.Fatal("reply sent while am_choking")
	case <-time.After(50 * time.Millisecond):
	}

	if err := l.near.SendUnchoke(); err != nil {
		t.Fatal(err)
	}
	u.BlockRequested(l.near, req)
	select {
	case <-replyCh:
		t.Fatal("reply sent to a disinterested peer")
	case <-time.After(50 * time.Millisecond):
	}

	if err := l.far.SendInterested(); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(time.Second)
	for !l.near.PeerInterested() {
		select {
		case <-deadline:
			t.Fatal("peer_interested did not converge")
		case <-time.After(time.Millisecond):
		}
	}

	u.BlockRequested(l.near, req)
	select {
	case m := <-replyCh:
		if string(m.Bytes) != string(ciphertext) {
			t.Fatal("block reply payload mismatch")
		}
	case <-time.After(time.Second):
		t.Fatal("block reply not received")
	}
}

// TestRecomputeUnchokesTopReciprocatorAndOneOptimistic checks spec.md
// §4.12's choking policy: with one unchoke slot and three peers, the peer
// that reciprocated the most stays unchoked, and exactly one of the
// remaining two is also unchoked as the optimistic pick.
func TestRecomputeUnchokesTopReciprocatorAndOneOptimistic(t *testing.T) {
	best := newLink(t, fillIdentity(1), peer.Handlers{})
	mid := newLink(t, fillIdentity(2), peer.Handlers{})
	worst := newLink(t, fillIdentity(3), peer.Handlers{})

	u := New(Config{UnchokeSlots: 1, Interval: time.Hour}, nil, nil)
	defer u.Close()

	u.PeerConnected(best.near)
	u.PeerConnected(mid.near)
	u.PeerConnected(worst.near)

	best.creditDownPayload(t, 3000)
	mid.creditDownPayload(t, 1000)
	// worst gets nothing.

	u.recompute()

	if best.near.AmChoking() {
		t.Fatal("top reciprocator should be unchoked")
	}
	unchokedCount := 0
	for _, l := range []*link{best, mid, worst} {
		if !l.near.AmChoking() {
			unchokedCount++
		}
	}
	if unchokedCount != 2 {
		t.Fatalf("expected exactly 2 unchoked peers (1 slot + 1 optimistic), got %d", unchokedCount)
	}
}
