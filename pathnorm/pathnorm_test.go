package pathnorm

import (
	"bytes"
	"testing"
)

func TestPathIDDeterministic(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	n1 := Normalize("docs/report.txt", Options{})
	n2 := Normalize("docs/report.txt", Options{})
	if PathID(key, n1) != PathID(key, n2) {
		t.Fatal("path_id must be stable across repeated normalization of the same path")
	}
}

func TestPathIDDistinguishesPaths(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	a := PathID(key, Normalize("a.txt", Options{}))
	b := PathID(key, Normalize("b.txt", Options{}))
	if a == b {
		t.Fatal("distinct paths must not collide")
	}
}

func TestEncryptPathRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	norm := Normalize(`Windows\Style\Path.TXT`, Options{Lowercase: true})
	ct, iv, err := EncryptPath(key, norm)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := DecryptPath(key, ct, iv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, norm) {
		t.Fatalf("got %q want %q", pt, norm)
	}
}
