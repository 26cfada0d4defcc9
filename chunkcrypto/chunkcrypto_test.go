package chunkcrypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	iv, err := NewIV()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ct, err := Encrypt(key, iv, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := Decrypt(key, iv, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestEncryptDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{0x7}, 32)
	var iv IV
	copy(iv[:], bytes.Repeat([]byte{0x1}, IVSize))
	plaintext := []byte("same plaintext, same iv, same key")

	ct1, err := Encrypt(key, iv, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := Encrypt(key, iv, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ct1, ct2) {
		t.Fatal("expected identical ciphertext for identical (plaintext, iv, key)")
	}
	if CTHash(ct1) != CTHash(ct2) {
		t.Fatal("expected identical ct_hash for identical ciphertext")
	}
}

func TestPlaintextHMACStable(t *testing.T) {
	key := []byte("symmetric-key-material-32-bytes")
	data := []byte("chunk contents")
	if PlaintextHMAC(key, data) != PlaintextHMAC(key, data) {
		t.Fatal("pt_hmac must be deterministic for identical inputs")
	}
}
