package chunkstore

import (
	"bytes"
	"testing"

	"github.com/driftsync/driftsync/chunkcrypto"
)

type noOpenFS struct{}

func (noOpenFS) Locate(chunkcrypto.Hash) ([]OpenFSSpan, error) { return nil, nil }

func testStore(t *testing.T) (*ChunkStorage, []byte) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	cs, err := New(t.TempDir(), key, noOpenFS{}, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	return cs, key
}

func TestPutGetCiphertextRoundTrip(t *testing.T) {
	cs, _ := testStore(t)
	ciphertext := []byte("some ciphertext bytes")
	ct := chunkcrypto.CTHash(ciphertext)

	if err := cs.PutChunk(ct, ciphertext); err != nil {
		t.Fatal(err)
	}
	got, err := cs.GetCiphertext(ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, ciphertext) {
		t.Fatal("round-tripped ciphertext mismatch")
	}
}

func TestPutChunkRejectsWrongHash(t *testing.T) {
	cs, _ := testStore(t)
	var wrongCT chunkcrypto.Hash
	wrongCT[0] = 0xFF
	if err := cs.PutChunk(wrongCT, []byte("data")); err == nil {
		t.Fatal("expected error for mismatched ct_hash")
	}
}

func TestGetPlaintextDecryptsAndCaches(t *testing.T) {
	cs, key := testStore(t)
	iv, err := chunkcrypto.NewIV()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("hello world")
	ciphertext, err := chunkcrypto.Encrypt(key, iv, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	ct := chunkcrypto.CTHash(ciphertext)
	if err := cs.PutChunk(ct, ciphertext); err != nil {
		t.Fatal(err)
	}

	got, err := cs.GetPlaintext(ct, iv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted plaintext mismatch")
	}

	if _, ok := cs.cacheGet(ct); !ok {
		t.Fatal("expected chunk to be cached after GetPlaintext")
	}
}

func TestHaveChunkReflectsBlobStore(t *testing.T) {
	cs, _ := testStore(t)
	ciphertext := []byte("data")
	ct := chunkcrypto.CTHash(ciphertext)

	if cs.HaveChunk(ct) {
		t.Fatal("should not have chunk before it is stored")
	}
	if err := cs.PutChunk(ct, ciphertext); err != nil {
		t.Fatal(err)
	}
	if !cs.HaveChunk(ct) {
		t.Fatal("should have chunk after it is stored")
	}
}

func TestCacheEvictsUnderBytesBound(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	cs, err := New(t.TempDir(), key, noOpenFS{}, 16)
	if err != nil {
		t.Fatal(err)
	}
	var ctA, ctB chunkcrypto.Hash
	ctA[0], ctB[0] = 1, 2
	cs.cachePut(ctA, bytes.Repeat([]byte{0}, 10))
	cs.cachePut(ctB, bytes.Repeat([]byte{0}, 10))

	if _, ok := cs.cacheGet(ctA); ok {
		t.Fatal("expected oldest entry to be evicted once bound exceeded")
	}
	if _, ok := cs.cacheGet(ctB); !ok {
		t.Fatal("expected newest entry to remain cached")
	}
}
