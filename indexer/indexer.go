// Package indexer implements the per-file scan pipeline spec.md §4.6
// describes: normalize, short-circuit unchanged files, chunk/encrypt new
// content, sign, and hand the result to the Index.
//
// There is no teacher analog (Sia never scans a plaintext directory tree),
// so this is built directly against spec.md §4.6, reusing the chunker,
// chunkcrypto and pathnorm packages the way the teacher's own modules
// compose out of its crypto/encoding primitives.
package indexer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/chunkcrypto"
	"github.com/driftsync/driftsync/chunkstore"
	"github.com/driftsync/driftsync/errs"
	"github.com/driftsync/driftsync/index"
	"github.com/driftsync/driftsync/integrity"
	"github.com/driftsync/driftsync/metadata"
	"github.com/driftsync/driftsync/pathnorm"
	"github.com/driftsync/driftsync/secret"
)

// Config controls one folder's indexing behavior.
type Config struct {
	Root                  string
	Ignore                func(normalizedPath []byte) bool
	NFC                   bool
	Lowercase             bool
	PreserveSymlinks      bool
	PreserveUnixAttrib    bool
	PreserveWindowsAttrib bool
	ChunkerParams         chunker.Params
}

// now is indirected so tests can pin a revision clock; production code
// leaves it as time.Now.
var now = time.Now

// Indexer scans files under Config.Root and produces signed Meta records.
type Indexer struct {
	cfg    Config
	idx    *index.Index
	store  *chunkstore.ChunkStorage
	secret secret.Secret

	active int32
}

// New creates an Indexer. s must hold the ReadWrite tier, since indexing
// produces new signed Meta records.
func New(cfg Config, idx *index.Index, store *chunkstore.ChunkStorage, s secret.Secret) (*Indexer, error) {
	if s.Tier() < secret.ReadWrite {
		return nil, errs.CapabilityMissing
	}
	ix := &Indexer{cfg: cfg, idx: idx, store: store, secret: s}
	atomic.StoreInt32(&ix.active, 1)
	return ix, nil
}

// Deactivate causes any in-flight or future IndexPath call to abort with
// errs.IndexInterrupted at the next chunk boundary.
func (ix *Indexer) Deactivate() { atomic.StoreInt32(&ix.active, 0) }

// Activate resumes indexing after Deactivate.
func (ix *Indexer) Activate() { atomic.StoreInt32(&ix.active, 1) }

func (ix *Indexer) isActive() bool { return atomic.LoadInt32(&ix.active) != 0 }

// Active reports whether this Indexer is active (not deactivated since it
// was created or last activated), for diagnostics (e.g. the control RPC's is_indexing field).
func (ix *Indexer) Active() bool { return ix.isActive() }

// IndexPath scans absPath (which must be Config.Root or a descendant),
// normalizes it, and — unless ignored, unchanged, or suppressed by one of
// spec.md §4.6's edge-case rules — produces and stores a freshly signed
// Meta for it.
func (ix *Indexer) IndexPath(absPath string) error {
	rel, err := filepath.Rel(ix.cfg.Root, absPath)
	if err != nil {
		return err
	}
	normalized := pathnorm.Normalize(rel, pathnorm.Options{NFC: ix.cfg.NFC, Lowercase: ix.cfg.Lowercase})
	if ix.cfg.Ignore != nil && ix.cfg.Ignore(normalized) {
		return nil
	}

	symmetricKey, err := ix.secret.SymmetricKey()
	if err != nil {
		return err
	}
	pathID := pathnorm.PathID(symmetricKey, normalized)

	var fi os.FileInfo
	if ix.cfg.PreserveSymlinks {
		fi, err = os.Lstat(absPath)
	} else {
		fi, err = os.Stat(absPath)
	}
	var newType metadata.Type
	switch {
	case os.IsNotExist(err):
		newType = metadata.DELETED
	case err != nil:
		return err
	case fi.Mode()&os.ModeSymlink != 0:
		newType = metadata.SYMLINK
	case fi.IsDir():
		newType = metadata.DIRECTORY
	default:
		newType = metadata.FILE
	}

	existingSM, err := ix.idx.GetMeta(pathID, nil)
	var existing *metadata.Meta
	switch {
	case err == nil:
		m := existingSM.Meta
		existing = &m
	case errors.Is(err, errs.NoSuchMeta):
		existing = nil
	default:
		return err
	}

	var attrib metadata.FSAttrib
	if newType != metadata.DELETED && (ix.cfg.PreserveUnixAttrib || ix.cfg.PreserveWindowsAttrib) {
		attrib = readFSAttrib(fi, ix.cfg.PreserveUnixAttrib, ix.cfg.PreserveWindowsAttrib)
	}
	if suppressed(existing, newType, attrib) {
		return nil
	}

	if newType == metadata.FILE && existing != nil && existing.Type == metadata.FILE &&
		existing.MTime == fi.ModTime().Unix() && existing.Size() == fi.Size() {
		return nil
	}

	m := metadata.Meta{
		PathID: pathID,
		Type:   newType,
	}
	if existing != nil {
		m.EncryptedPath, m.EncryptedPathIV = existing.EncryptedPath, existing.EncryptedPathIV
	} else {
		ciphertext, iv, err := pathnorm.EncryptPath(symmetricKey, normalized)
		if err != nil {
			return err
		}
		m.EncryptedPath, m.EncryptedPathIV = ciphertext, iv
	}

	switch newType {
	case metadata.FILE:
		if err := ix.populateFile(&m, existing, absPath, symmetricKey); err != nil {
			return err
		}
		if existing != nil && existing.Type == metadata.FILE && sameChunkList(existing.Chunks, m.Chunks) {
			// mtime or size moved but the chunked content didn't: a touch,
			// a copy that preserves bytes, or a filesystem rounding quirk.
			// Don't burn a new revision over it.
			return nil
		}
	case metadata.SYMLINK:
		if err := ix.populateSymlink(&m, existing, absPath, symmetricKey); err != nil {
			return err
		}
	case metadata.DIRECTORY, metadata.DELETED:
		// no content fields to populate
	}

	if newType != metadata.DELETED {
		m.MTime = fi.ModTime().Unix()
		m.FSAttrib = attrib
	}
	m.Revision = now().Unix()

	sm, err := metadata.Sign(m, ix.secret.Sign)
	if err != nil {
		return err
	}
	_, err = ix.idx.PutMeta(sm, true)
	return err
}

// suppressed implements spec.md §4.6 step 6's reject-and-retry invariants:
// a DIRECTORY that's still a DIRECTORY with no attribute change, a DELETED
// that's still DELETED, and a DELETED with no prior Meta at all are all
// no-ops rather than new revisions.
func suppressed(existing *metadata.Meta, newType metadata.Type, attrib metadata.FSAttrib) bool {
	if newType == metadata.DELETED {
		return existing == nil || existing.Type == metadata.DELETED
	}
	if newType == metadata.DIRECTORY && existing != nil && existing.Type == metadata.DIRECTORY &&
		existing.FSAttrib == attrib {
		return true
	}
	return false
}

// sameChunkList reports whether a and b reference the identical ordered
// ct_hash sequence, via their Merkle roots rather than a slice-by-slice
// comparison.
func sameChunkList(a, b []metadata.Chunk) bool {
	if len(a) != len(b) {
		return false
	}
	return integrity.Root(ctHashes(a)) == integrity.Root(ctHashes(b))
}

func ctHashes(chunks []metadata.Chunk) []chunkcrypto.Hash {
	out := make([]chunkcrypto.Hash, len(chunks))
	for i, c := range chunks {
		out[i] = c.CTHash
	}
	return out
}

func (ix *Indexer) populateFile(m *metadata.Meta, existing *metadata.Meta, absPath string, symmetricKey []byte) error {
	params := ix.cfg.ChunkerParams
	if existing != nil && existing.Type == metadata.FILE {
		params = chunker.Params{
			Polynomial:      existing.Chunker.Polynomial,
			PolynomialShift: existing.Chunker.PolynomialShift,
			AvgBits:         existing.Chunker.AvgBits,
			MinChunkSize:    existing.Chunker.MinChunkSize,
			MaxChunkSize:    existing.Chunker.MaxChunkSize,
		}
	}

	ivByPtHMAC := make(map[chunkcrypto.Hash]chunkcrypto.IV)
	if existing != nil {
		for _, c := range existing.Chunks {
			ivByPtHMAC[c.PtHMAC] = c.IV
		}
	}

	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	chunks, err := chunker.Split(f, params)
	if err != nil {
		return err
	}

	out := make([]metadata.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if !ix.isActive() {
			return errs.IndexInterrupted
		}
		ptHMAC := chunkcrypto.PlaintextHMAC(symmetricKey, c.Data)
		iv, reused := ivByPtHMAC[ptHMAC]
		if !reused {
			iv, err = chunkcrypto.NewIV()
			if err != nil {
				return err
			}
		}
		ciphertext, err := chunkcrypto.Encrypt(symmetricKey, iv, c.Data)
		if err != nil {
			return err
		}
		ctHash := chunkcrypto.CTHash(ciphertext)
		if err := ix.store.PutChunk(ctHash, ciphertext); err != nil {
			return err
		}
		out = append(out, metadata.Chunk{PtHMAC: ptHMAC, IV: iv, Size: int64(len(c.Data)), CTHash: ctHash})
	}

	m.Chunker = metadata.ChunkerParams{
		AlgorithmType:   "rabin",
		MinChunkSize:    params.MinChunkSize,
		MaxChunkSize:    params.MaxChunkSize,
		Polynomial:      params.Polynomial,
		PolynomialShift: params.PolynomialShift,
		AvgBits:         params.AvgBits,
	}
	m.Chunks = out
	return nil
}

func (ix *Indexer) populateSymlink(m *metadata.Meta, existing *metadata.Meta, absPath string, symmetricKey []byte) error {
	target, err := os.Readlink(absPath)
	if err != nil {
		return err
	}
	normalizedTarget := []byte(filepath.ToSlash(target))

	if existing != nil && existing.Type == metadata.SYMLINK {
		prevTarget, err := pathnorm.DecryptPath(symmetricKey, existing.EncryptedTarget, existing.EncryptedTargetIV)
		if err == nil && bytes.Equal(prevTarget, normalizedTarget) {
			m.EncryptedTarget, m.EncryptedTargetIV = existing.EncryptedTarget, existing.EncryptedTargetIV
			return nil
		}
	}

	ciphertext, iv, err := pathnorm.EncryptPath(symmetricKey, normalizedTarget)
	if err != nil {
		return err
	}
	m.EncryptedTarget, m.EncryptedTargetIV = ciphertext, iv
	return nil
}
