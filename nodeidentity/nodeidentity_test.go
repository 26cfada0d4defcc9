package nodeidentity

import (
	"bytes"
	"path/filepath"
	"testing"
)

func loadTestIdentity(t *testing.T, dir, name string) *Identity {
	t.Helper()
	id, err := Load(filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key"))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDialListenExchangesCertDigests(t *testing.T) {
	dir := t.TempDir()
	server := loadTestIdentity(t, dir, "server")
	client := loadTestIdentity(t, dir, "client")

	ln, err := server.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type acceptResult struct {
		digest []byte
		err    error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		_, digest, err := ln.Accept()
		acceptCh <- acceptResult{digest, err}
	}()

	_, serverDigestSeenByClient, err := client.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatal(res.err)
	}

	if !bytes.Equal(res.digest, client.Digest()) {
		t.Fatal("server did not see the client's own certificate digest")
	}
	if !bytes.Equal(serverDigestSeenByClient, server.Digest()) {
		t.Fatal("client did not see the server's own certificate digest")
	}
	if len(server.Digest()) != 28 || len(client.Digest()) != 28 {
		t.Fatal("certificate digest must be 28 bytes to match peer.Identity")
	}
}

func TestLoadPersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")

	first, err := Load(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Load(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Digest(), second.Digest()) {
		t.Fatal("reloading the same cert/key files produced a different identity")
	}
}
