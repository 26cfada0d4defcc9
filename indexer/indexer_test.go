package indexer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/chunkcrypto"
	"github.com/driftsync/driftsync/chunkstore"
	"github.com/driftsync/driftsync/errs"
	"github.com/driftsync/driftsync/index"
	"github.com/driftsync/driftsync/metadata"
	"github.com/driftsync/driftsync/pathnorm"
	"github.com/driftsync/driftsync/secret"
)

func pathID(t *testing.T, symmetricKey []byte, rel string) chunkcrypto.Hash {
	t.Helper()
	normalized := pathnorm.Normalize(rel, pathnorm.Options{})
	return pathnorm.PathID(symmetricKey, normalized)
}

func testIndexer(t *testing.T) (*Indexer, *index.Index, secret.Secret, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := secret.Generate()
	if err != nil {
		t.Fatal(err)
	}
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

	ix, err := New(Config{
		Root:          root,
		ChunkerParams: chunker.DefaultParams(),
	}, idx, store, s)
	if err != nil {
		t.Fatal(err)
	}
	return ix, idx, s, root
}

func TestIndexNewFile(t *testing.T) {
	ix, idx, s, root := testIndexer(t)
	path := filepath.Join(root, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := ix.IndexPath(path); err != nil {
		t.Fatal(err)
	}

	key, _ := s.SymmetricKey()
	rel, _ := filepath.Rel(root, path)
	pid := pathID(t, key, rel)

	sm, err := idx.GetMeta(pid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sm.Meta.Type != metadata.FILE {
		t.Fatalf("want FILE, got %v", sm.Meta.Type)
	}
	if sm.Meta.Size() != 11 {
		t.Fatalf("want size 11, got %d", sm.Meta.Size())
	}
}

func TestIndexUnchangedFileIsNoOp(t *testing.T) {
	ix, idx, s, root := testIndexer(t)
	path := filepath.Join(root, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := ix.IndexPath(path); err != nil {
		t.Fatal(err)
	}

	key, _ := s.SymmetricKey()
	rel, _ := filepath.Rel(root, path)
	pid := pathID(t, key, rel)

	first, err := idx.GetMeta(pid, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ix.IndexPath(path); err != nil {
		t.Fatal(err)
	}
	second, err := idx.GetMeta(pid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Meta.Revision != second.Meta.Revision {
		t.Fatal("re-indexing an unchanged file must not produce a new revision")
	}
}

func TestIndexDeletedWithoutPriorMetaIsSuppressed(t *testing.T) {
	ix, idx, s, root := testIndexer(t)
	path := filepath.Join(root, "never-existed.txt")

	if err := ix.IndexPath(path); err != nil {
		t.Fatal(err)
	}

	key, _ := s.SymmetricKey()
	rel, _ := filepath.Rel(root, path)
	pid := pathID(t, key, rel)

	if _, err := idx.GetMeta(pid, nil); err != errs.NoSuchMeta {
		t.Fatalf("want NoSuchMeta, got %v", err)
	}
}

func TestIndexDirectoryThenDirectoryIsSuppressed(t *testing.T) {
	ix, idx, s, root := testIndexer(t)
	dir := filepath.Join(root, "sub")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := ix.IndexPath(dir); err != nil {
		t.Fatal(err)
	}

	key, _ := s.SymmetricKey()
	rel, _ := filepath.Rel(root, dir)
	pid := pathID(t, key, rel)

	first, err := idx.GetMeta(pid, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ix.IndexPath(dir); err != nil {
		t.Fatal(err)
	}
	second, err := idx.GetMeta(pid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Meta.Revision != second.Meta.Revision {
		t.Fatal("re-indexing an unchanged directory must not produce a new revision")
	}
}
