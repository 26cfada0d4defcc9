package folder

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftsync/driftsync/assembler"
	"github.com/driftsync/driftsync/bwconn"
	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/chunkcrypto"
	"github.com/driftsync/driftsync/chunkstore"
	"github.com/driftsync/driftsync/index"
	"github.com/driftsync/driftsync/indexer"
	"github.com/driftsync/driftsync/pathnorm"
	"github.com/driftsync/driftsync/peer"
	"github.com/driftsync/driftsync/secret"
	"github.com/driftsync/driftsync/wire"
)

func buildGroup(t *testing.T, s secret.Secret) (*Group, *index.Index, string) {
	t.Helper()
	dir := t.TempDir()
	idx, err := index.Open(filepath.Join(dir, "index.db"), s.Verify)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	key, err := s.SymmetricKey()
	if err != nil {
		t.Fatal(err)
	}
	store, err := chunkstore.New(dir, key, nil, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(root, 0700); err != nil {
		t.Fatal(err)
	}

	asm := assembler.New(assembler.Config{Root: root}, store, key)
	ix, err := indexer.New(indexer.Config{Root: root, ChunkerParams: chunker.DefaultParams()}, idx, store, s)
	if err != nil {
		t.Fatal(err)
	}

	g := New(Config{Name: "test"}, s, idx, store, asm, ix, nil)
	return g, idx, root
}

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

func pathID(t *testing.T, symmetricKey []byte, rel string) chunkcrypto.Hash {
	t.Helper()
	normalized := pathnorm.Normalize(rel, pathnorm.Options{})
	return pathnorm.PathID(symmetricKey, normalized)
}

// TestMetaGossipPropagation indexes a file on one folder and checks that the
// resulting Meta reaches the other side's Index over a handshaken peer
// session, per spec.md §4.9's local-change broadcast and remote-have_meta
// request rules.
func TestMetaGossipPropagation(t *testing.T) {
	s, err := secret.Generate()
	if err != nil {
		t.Fatal(err)
	}

	groupA, idxA, rootA := buildGroup(t, s)
	groupB, idxB, _ := buildGroup(t, s)
	defer groupA.Close()
	defer groupB.Close()

	a, b := tcpPipe(t)
	digestA := []byte("cert-a")
	digestB := []byte("cert-b")

	type handshakeResult struct {
		sess *peer.Session
		err  error
	}
	chA := make(chan handshakeResult, 1)
	chB := make(chan handshakeResult, 1)
	go func() {
		sess, err := peer.Handshake(bwconn.New(a), s, "a", "test/1.0", digestA, digestB)
		chA <- handshakeResult{sess, err}
	}()
	go func() {
		sess, err := peer.Handshake(bwconn.New(b), s, "b", "test/1.0", digestB, digestA)
		chB <- handshakeResult{sess, err}
	}()

	ra := <-chA
	if ra.err != nil {
		t.Fatal(ra.err)
	}
	rb := <-chB
	if rb.err != nil {
		t.Fatal(rb.err)
	}

	if err := groupA.AddPeer(ra.sess); err != nil {
		t.Fatal(err)
	}
	if err := groupB.AddPeer(rb.sess); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(rootA, "hello.txt")
	if err := os.WriteFile(path, []byte("hello from a"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := groupA.ix.IndexPath(path); err != nil {
		t.Fatal(err)
	}

	key, _ := s.SymmetricKey()
	rel, _ := filepath.Rel(rootA, path)
	pid := pathID(t, key, rel)

	sm, err := idxA.GetMeta(pid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := groupA.NotifyLocalChange(sm); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := idxB.GetMeta(pid, &sm.Meta.Revision); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("meta did not propagate to the other folder")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestServeBlockRequestRespectsChokeAndInterest checks the fallback upload
// path used when no Uploader is wired: spec.md §4.12's "iff !am_choking &&
// peer_interested" rule.
func TestServeBlockRequestRespectsChokeAndInterest(t *testing.T) {
	g, _, _ := buildGroup(t, mustSecret(t))

	key, err := g.secret.SymmetricKey()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("hello block")
	iv, err := chunkcrypto.NewIV()
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := chunkcrypto.Encrypt(key, iv, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	ct := chunkcrypto.CTHash(ciphertext)
	if err := g.store.PutChunk(ct, ciphertext); err != nil {
		t.Fatal(err)
	}

	a, b := tcpPipe(t)
	replyCh := make(chan wire.BlockReply, 1)
	sa := peer.New(bwconn.New(a), peer.Identity{1}, "a", "test/1.0", peer.Handlers{}, nil)
	sb := peer.New(bwconn.New(b), peer.Identity{2}, "b", "test/1.0", peer.Handlers{
		OnBlockReply: func(_ *peer.Session, m wire.BlockReply) { replyCh <- m },
	}, nil)
	defer sa.Close()
	defer sb.Close()
	go sa.Serve()
	go sb.Serve()

	req := wire.BlockRequest{CTHash: ct, Offset: 0, Size: int64(len(ciphertext))}

	g.serveBlockRequest(sa, req)
	select {
	case <-replyCh:
		t.Fatal("reply sent while am_choking")
	case <-time.After(50 * time.Millisecond):
	}

	if err := sa.SendUnchoke(); err != nil {
		t.Fatal(err)
	}
	g.serveBlockRequest(sa, req)
	select {
	case <-replyCh:
		t.Fatal("reply sent to a disinterested peer")
	case <-time.After(50 * time.Millisecond):
	}

	if err := sb.SendInterested(); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(time.Second)
	for !sa.PeerInterested() {
		select {
		case <-deadline:
			t.Fatal("peer_interested did not converge")
		case <-time.After(time.Millisecond):
		}
	}

	g.serveBlockRequest(sa, req)
	select {
	case m := <-replyCh:
		if string(m.Bytes) != string(ciphertext) {
			t.Fatal("block reply payload mismatch")
		}
	case <-time.After(time.Second):
		t.Fatal("block reply not received")
	}
}

func mustSecret(t *testing.T) secret.Secret {
	t.Helper()
	s, err := secret.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return s
}
