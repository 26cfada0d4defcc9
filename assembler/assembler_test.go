package assembler

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/driftsync/driftsync/chunkcrypto"
	"github.com/driftsync/driftsync/chunkstore"
	"github.com/driftsync/driftsync/metadata"
	"github.com/driftsync/driftsync/pathnorm"
)

type noOpenFS struct{}

func (noOpenFS) Locate(chunkcrypto.Hash) ([]chunkstore.OpenFSSpan, error) { return nil, nil }

func testAssembler(t *testing.T, strategy Strategy) (*Assembler, []byte, string) {
	t.Helper()
	key := bytes.Repeat([]byte{0x7a}, 32)
	root := filepath.Join(t.TempDir(), "root")
	archiveDir := filepath.Join(t.TempDir(), "archive")
	if err := os.MkdirAll(root, 0700); err != nil {
		t.Fatal(err)
	}
	store, err := chunkstore.New(t.TempDir(), key, noOpenFS{}, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Root: root, ArchiveDir: archiveDir, Strategy: strategy, MaxTimestampArchives: 2}
	return New(cfg, store, key), key, root
}

func fileMeta(t *testing.T, key []byte, relPath string, store *chunkstore.ChunkStorage, content []byte) metadata.Meta {
	t.Helper()
	normalized := pathnorm.Normalize(relPath, pathnorm.Options{})
	ciphertext, iv, err := pathnorm.EncryptPath(key, normalized)
	if err != nil {
		t.Fatal(err)
	}

	chunkIV, err := chunkcrypto.NewIV()
	if err != nil {
		t.Fatal(err)
	}
	ct, err := chunkcrypto.Encrypt(key, chunkIV, content)
	if err != nil {
		t.Fatal(err)
	}
	ctHash := chunkcrypto.CTHash(ct)
	if err := store.PutChunk(ctHash, ct); err != nil {
		t.Fatal(err)
	}

	return metadata.Meta{
		EncryptedPath:   ciphertext,
		EncryptedPathIV: iv,
		Type:            metadata.FILE,
		Chunks: []metadata.Chunk{
			{IV: chunkIV, Size: int64(len(content)), CTHash: ctHash},
		},
	}
}

func TestAssembleFileWritesContent(t *testing.T) {
	a, key, root := testAssembler(t, NoArchive)
	m := fileMeta(t, key, "dir/file.txt", a.store, []byte("hello world"))

	if err := a.Assemble(m); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(root, "dir/file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestAssembleFileIdempotent(t *testing.T) {
	a, key, root := testAssembler(t, NoArchive)
	m := fileMeta(t, key, "file.txt", a.store, []byte("same bytes"))

	if err := a.Assemble(m); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "file.txt")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Assemble(m); err != nil {
		t.Fatal(err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info1.ModTime() != info2.ModTime() {
		t.Fatal("expected identical-content assembly to skip the rewrite")
	}
}

func TestAssembleDirectoryCreatesDir(t *testing.T) {
	a, key, root := testAssembler(t, NoArchive)
	normalized := pathnorm.Normalize("somedir", pathnorm.Options{})
	ciphertext, iv, err := pathnorm.EncryptPath(key, normalized)
	if err != nil {
		t.Fatal(err)
	}
	m := metadata.Meta{EncryptedPath: ciphertext, EncryptedPathIV: iv, Type: metadata.DIRECTORY}

	if err := a.Assemble(m); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(root, "somedir"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory to be created")
	}
}

func TestAssembleDeletedRemovesFile(t *testing.T) {
	a, key, root := testAssembler(t, NoArchive)
	m := fileMeta(t, key, "gone.txt", a.store, []byte("data"))
	if err := a.Assemble(m); err != nil {
		t.Fatal(err)
	}

	m.Type = metadata.DELETED
	if err := a.Assemble(m); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "gone.txt")); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
}

func TestAssembleFileTrashArchivesPrior(t *testing.T) {
	a, key, root := testAssembler(t, TrashArchive)
	m1 := fileMeta(t, key, "file.txt", a.store, []byte("version one"))
	if err := a.Assemble(m1); err != nil {
		t.Fatal(err)
	}

	m2 := fileMeta(t, key, "file.txt", a.store, []byte("version two"))
	if err := a.Assemble(m2); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(root, "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "version two" {
		t.Fatalf("got %q, want version two", got)
	}

	archived, err := os.ReadFile(filepath.Join(a.cfg.ArchiveDir, "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(archived) != "version one" {
		t.Fatalf("archived content = %q, want version one", archived)
	}
}
