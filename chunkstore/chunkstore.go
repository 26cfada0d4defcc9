// Package chunkstore implements the three-layer chunk lookup spec.md §4.7
// describes: a bounded in-memory cache, an authoritative encrypted blob
// store keyed by ct_hash, and reconstruction from the plaintext file tree
// for peers holding ReadOnly or above.
//
// Grounded on the teacher's modules/host/contractmanager package, which
// stores sectors (fixed-size content-addressed blobs) across storage
// folders with per-sector locking (sector.go's sectorLock/managedLockSector)
// and build.ExtendErr-wrapped I/O errors; chunkstore adapts that shape to
// variable-sized chunks stored one-file-per-ct_hash rather than packed into
// preallocated storage-folder files, since a synced folder's chunk count is
// orders of magnitude smaller than a host's sector count and doesn't need
// the preallocation machinery.
package chunkstore

import (
	"container/list"
	"encoding/base32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftsync/driftsync/build"
	"github.com/driftsync/driftsync/chunkcrypto"
	"github.com/driftsync/driftsync/deadlock"
	"github.com/driftsync/driftsync/errs"
	"github.com/driftsync/driftsync/persist"
)

// chunkLockMaxHold bounds how long a single PutChunk/GetCiphertext/
// GetPlaintext call is allowed to hold a chunk's lock before the watchdog
// force-releases it; these are local disk operations, so anything anywhere
// near this long indicates a wedged caller, not legitimate contention.
const chunkLockMaxHold = 30 * time.Second

// OpenFSSpan identifies a plaintext byte range that reconstructs a chunk's
// ciphertext, supplied by whoever owns the decrypted file tree (the folder
// actor, which holds both the Index and the symmetric key). chunkstore
// itself never decrypts a path or reads the openfs table directly.
type OpenFSSpan struct {
	AbsPath string
	Offset  int64
	Size    int64
	IV      chunkcrypto.IV
}

// OpenFS resolves a ct_hash to the plaintext spans that can reconstruct it.
type OpenFS interface {
	Locate(ct chunkcrypto.Hash) ([]OpenFSSpan, error)
}

// chunkLock mirrors the teacher's sectorLock: a deadlock.Lock plus a
// waiter count so the map entry can be garbage collected once nobody holds
// it. Using deadlock.Lock instead of a plain sync.Mutex means a caller that
// wedges while holding a chunk's lock (e.g. a stuck disk) gets logged and
// force-released instead of stalling every other goroutine waiting on the
// same ct_hash forever.
type chunkLock struct {
	waiting int
	lock    *deadlock.Lock
	token   int
}

// ChunkStorage is the per-folder chunk storage engine.
type ChunkStorage struct {
	blocksDir string
	key       []byte // symmetric key, used only to re-encrypt openfs spans
	openfs    OpenFS
	log       *persist.Logger

	cacheMu    sync.Mutex
	cacheBytes int64
	cacheMax   int64
	cacheList  *list.List // front = most recently used
	cacheIndex map[chunkcrypto.Hash]*list.Element

	locksMu sync.Mutex
	locks   map[chunkcrypto.Hash]*chunkLock
}

type cacheEntry struct {
	ct        chunkcrypto.Hash
	plaintext []byte
}

// New creates a ChunkStorage rooted at systemPath, with an in-memory cache
// bounded to cacheMaxBytes.
func New(systemPath string, symmetricKey []byte, openfs OpenFS, cacheMaxBytes int64) (*ChunkStorage, error) {
	blocksDir := filepath.Join(systemPath, "blocks")
	if err := os.MkdirAll(blocksDir, 0700); err != nil {
		return nil, build.ExtendErr("unable to create blocks directory", err)
	}
	return &ChunkStorage{
		blocksDir:  blocksDir,
		key:        symmetricKey,
		openfs:     openfs,
		cacheMax:   cacheMaxBytes,
		cacheList:  list.New(),
		cacheIndex: make(map[chunkcrypto.Hash]*list.Element),
		locks:      make(map[chunkcrypto.Hash]*chunkLock),
	}, nil
}

// WithLogger attaches a logger used by this ChunkStorage's per-chunk
// deadlock.Lock instances to report force-released locks. Mirrors
// peer.Session.WithLogger; safe to leave unset.
func (cs *ChunkStorage) WithLogger(log *persist.Logger) *ChunkStorage {
	cs.log = log
	return cs
}

func blobName(ct chunkcrypto.Hash) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(ct[:])
}

func (cs *ChunkStorage) blobPath(ct chunkcrypto.Hash) string {
	return filepath.Join(cs.blocksDir, blobName(ct))
}

func (cs *ChunkStorage) lockChunk(ct chunkcrypto.Hash) {
	cs.locksMu.Lock()
	l, exists := cs.locks[ct]
	if exists {
		l.waiting++
	} else {
		l = &chunkLock{waiting: 1, lock: deadlock.New(chunkLockMaxHold, cs.log)}
		cs.locks[ct] = l
	}
	cs.locksMu.Unlock()

	token := l.lock.Lock(blobName(ct))

	cs.locksMu.Lock()
	l.token = token
	cs.locksMu.Unlock()
}

func (cs *ChunkStorage) unlockChunk(ct chunkcrypto.Hash) {
	cs.locksMu.Lock()
	l, exists := cs.locks[ct]
	if !exists {
		cs.locksMu.Unlock()
		return
	}
	token := l.token
	l.waiting--
	if l.waiting == 0 {
		delete(cs.locks, ct)
	}
	cs.locksMu.Unlock()

	l.lock.Unlock(token)
}

// PutChunk stores ciphertext into the encrypted blob store, verifying its
// ct_hash. The memory cache is populated lazily by GetPlaintext, not here:
// a chunk written during indexing is rarely the next one read locally, so
// caching it on write would mostly evict hotter entries for nothing.
func (cs *ChunkStorage) PutChunk(ct chunkcrypto.Hash, ciphertext []byte) error {
	if chunkcrypto.CTHash(ciphertext) != ct {
		return errs.ProtocolViolation
	}
	cs.lockChunk(ct)
	defer cs.unlockChunk(ct)

	tmp := cs.blobPath(ct) + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0600); err != nil {
		return build.ExtendErr("unable to write chunk blob", err)
	}
	if err := os.Rename(tmp, cs.blobPath(ct)); err != nil {
		return build.ExtendErr("unable to finalize chunk blob", err)
	}
	return nil
}

// GetCiphertext returns a chunk's encrypted bytes for the wire, preferring
// the encrypted blob store (layer 2) since it holds ciphertext directly;
// falls back to reconstructing it from the open file tree.
func (cs *ChunkStorage) GetCiphertext(ct chunkcrypto.Hash) ([]byte, error) {
	cs.lockChunk(ct)
	defer cs.unlockChunk(ct)

	if b, err := os.ReadFile(cs.blobPath(ct)); err == nil {
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, build.ExtendErr("unable to read chunk blob", err)
	}

	return cs.reconstructFromOpenFS(ct)
}

// GetPlaintext returns a chunk's decrypted bytes for local assembly,
// consulting the memory cache first.
func (cs *ChunkStorage) GetPlaintext(ct chunkcrypto.Hash, iv chunkcrypto.IV) ([]byte, error) {
	if pt, ok := cs.cacheGet(ct); ok {
		return pt, nil
	}
	ciphertext, err := cs.GetCiphertext(ct)
	if err != nil {
		return nil, err
	}
	pt, err := chunkcrypto.Decrypt(cs.key, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	cs.cachePut(ct, pt)
	return pt, nil
}

// reconstructFromOpenFS re-encrypts the plaintext span(s) backing ct under
// their recorded IV and verifies the result hashes to ct, per spec.md §4.7.
// On mismatch the caller's read still misses: no partial or unverified data
// is ever returned.
func (cs *ChunkStorage) reconstructFromOpenFS(ct chunkcrypto.Hash) ([]byte, error) {
	if cs.openfs == nil {
		return nil, errs.NoSuchChunk
	}
	spans, err := cs.openfs.Locate(ct)
	if err != nil {
		return nil, err
	}
	for _, span := range spans {
		f, err := os.Open(span.AbsPath)
		if err != nil {
			continue
		}
		buf := make([]byte, span.Size)
		_, err = f.ReadAt(buf, span.Offset)
		f.Close()
		if err != nil {
			continue
		}
		ciphertext, err := chunkcrypto.Encrypt(cs.key, span.IV, buf)
		if err != nil {
			continue
		}
		if chunkcrypto.CTHash(ciphertext) == ct {
			return ciphertext, nil
		}
	}
	return nil, errs.NoSuchChunk
}

// HaveChunk reports whether any of the three layers can currently serve ct,
// without materializing its bytes.
func (cs *ChunkStorage) HaveChunk(ct chunkcrypto.Hash) bool {
	if _, ok := cs.cacheGet(ct); ok {
		return true
	}
	if _, err := os.Stat(cs.blobPath(ct)); err == nil {
		return true
	}
	if cs.openfs != nil {
		if spans, err := cs.openfs.Locate(ct); err == nil && len(spans) > 0 {
			return true
		}
	}
	return false
}

// ForEachStored calls fn once for every ct_hash with an encrypted blob on
// disk, in directory order. Used to seed a newly connected peer's bitfield
// of our side with HaveChunk announcements.
func (cs *ChunkStorage) ForEachStored(fn func(ct chunkcrypto.Hash) error) error {
	entries, err := os.ReadDir(cs.blocksDir)
	if err != nil {
		return build.ExtendErr("unable to list blocks directory", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := enc.DecodeString(e.Name())
		if err != nil || len(raw) != chunkcrypto.HashSize {
			continue
		}
		var ct chunkcrypto.Hash
		copy(ct[:], raw)
		if err := fn(ct); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes encrypted blobs whose chunks are also reconstructible via
// open storage, reclaiming disk space once a file has been materialized.
func (cs *ChunkStorage) Cleanup(chunks []chunkcrypto.Hash) {
	if cs.openfs == nil {
		return
	}
	for _, ct := range chunks {
		spans, err := cs.openfs.Locate(ct)
		if err != nil || len(spans) == 0 {
			continue
		}
		cs.lockChunk(ct)
		os.Remove(cs.blobPath(ct))
		cs.unlockChunk(ct)
	}
}

func (cs *ChunkStorage) cacheGet(ct chunkcrypto.Hash) ([]byte, bool) {
	cs.cacheMu.Lock()
	defer cs.cacheMu.Unlock()
	el, ok := cs.cacheIndex[ct]
	if !ok {
		return nil, false
	}
	cs.cacheList.MoveToFront(el)
	return el.Value.(cacheEntry).plaintext, true
}

func (cs *ChunkStorage) cachePut(ct chunkcrypto.Hash, plaintext []byte) {
	cs.cacheMu.Lock()
	defer cs.cacheMu.Unlock()

	if el, ok := cs.cacheIndex[ct]; ok {
		cs.cacheBytes -= int64(len(el.Value.(cacheEntry).plaintext))
		cs.cacheList.Remove(el)
		delete(cs.cacheIndex, ct)
	}

	el := cs.cacheList.PushFront(cacheEntry{ct: ct, plaintext: plaintext})
	cs.cacheIndex[ct] = el
	cs.cacheBytes += int64(len(plaintext))

	for cs.cacheBytes > cs.cacheMax && cs.cacheList.Len() > 0 {
		back := cs.cacheList.Back()
		entry := back.Value.(cacheEntry)
		cs.cacheList.Remove(back)
		delete(cs.cacheIndex, entry.ct)
		cs.cacheBytes -= int64(len(entry.plaintext))
	}
}
