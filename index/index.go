// Package index implements the durable per-folder store spec.md §4.5
// describes: one database per folder holding the meta, chunk and openfs
// tables, with put_meta/get_meta/put_allowed/containing_chunk/status/wipe
// as transactional operations.
//
// Grounded on the teacher's modules/consensus/database package ("one bolt
// database per subsystem, buckets as []byte constants, Update/View wrapping
// every mutation/read"), adapted from a blockchain-state store to a
// revisioned file-metadata store. The backing engine is go.etcd.io/bbolt,
// the maintained successor of the coreos/bbolt fork the teacher imports.
package index

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/anacrolix/torrent/bencode"
	bolt "go.etcd.io/bbolt"

	"github.com/driftsync/driftsync/chunkcrypto"
	"github.com/driftsync/driftsync/errs"
	"github.com/driftsync/driftsync/metadata"
)

var (
	bucketMeta   = []byte("meta")
	bucketChunk  = []byte("chunk")
	bucketOpenFS = []byte("openfs")
)

// VerifyFunc checks a SignedMeta's signature, typically secret.Secret.Verify.
type VerifyFunc func(rawMeta, signature []byte) error

// Index is the per-folder metadata database.
type Index struct {
	db     *bolt.DB
	verify VerifyFunc
}

// Open opens (creating if necessary) the database at path and ensures all
// tables exist.
func Open(path string, verify VerifyFunc) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketChunk, bucketOpenFS} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, verify: verify}, nil
}

// Close releases the underlying database file.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// metaRecord is the on-disk shape of the meta table's value.
type metaRecord struct {
	RawMeta   []byte `bencode:"raw_meta"`
	Signature []byte `bencode:"signature"`
	Type      int    `bencode:"type"`
	Revision  int64  `bencode:"revision"`
	Assembled bool   `bencode:"assembled"`
}

func (r metaRecord) marshal() ([]byte, error) {
	return bencode.Marshal(r)
}

func unmarshalMetaRecord(b []byte) (metaRecord, error) {
	var r metaRecord
	err := bencode.Unmarshal(b, &r)
	return r, err
}

// chunkRecord is the on-disk shape of the chunk table's value.
type chunkRecord struct {
	Size int64          `bencode:"size"`
	IV   chunkcrypto.IV `bencode:"iv"`
}

// openFSKey packs ct_hash || path_id into the openfs table's composite key.
func openFSKey(ct, pathID chunkcrypto.Hash) []byte {
	key := make([]byte, 0, chunkcrypto.HashSize*2)
	key = append(key, ct[:]...)
	key = append(key, pathID[:]...)
	return key
}

// openFSRecord is the on-disk shape of the openfs table's value.
type openFSRecord struct {
	Offset    int64 `bencode:"offset"`
	Assembled bool  `bencode:"assembled"`
}

// PutMeta verifies sm's signature and, unless a stored revision for the
// same path_id already wins, replaces the stored record and its
// chunk/openfs rows. A stored revision wins over an incoming one if it is
// strictly greater, or if the two revisions are equal and the stored
// signed bytes are lexicographically >= the incoming ones (spec.md §3
// invariant 2 / §8 properties 2 and 4: same-revision conflicts are broken
// by comparing the signed bytes directly, not by arrival order, so every
// peer converges on the same winner regardless of who it heard from
// first). fullyAssembled marks whether the file this Meta describes
// already sits on disk at the time of insertion (true for the indexer's
// own writes, false for metadata arriving from a peer). The returned bool
// reports whether the incoming Meta was actually stored.
func (idx *Index) PutMeta(sm metadata.SignedMeta, fullyAssembled bool) (bool, error) {
	if err := idx.verify(sm.RawMeta, sm.Signature); err != nil {
		return false, fmt.Errorf("index: %w: %v", errs.InvalidSignature, err)
	}
	m, err := metadata.DecodeMeta(sm.RawMeta)
	if err != nil {
		return false, err
	}

	stored := false
	err = idx.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		existing := mb.Get(m.PathID[:])
		var prevRaw []byte
		if existing != nil {
			prev, err := unmarshalMetaRecord(existing)
			if err != nil {
				return err
			}
			if prev.Revision > m.Revision {
				return nil
			}
			if prev.Revision == m.Revision {
				if bytes.Equal(prev.RawMeta, sm.RawMeta) {
					return nil // idempotent re-insert of the same bytes
				}
				if bytes.Compare(prev.RawMeta, sm.RawMeta) >= 0 {
					return nil // stored signed bytes win the tie-break
				}
			}
			prevRaw = prev.RawMeta
		}

		rec := metaRecord{
			RawMeta:   sm.RawMeta,
			Signature: sm.Signature,
			Type:      int(m.Type),
			Revision:  m.Revision,
			Assembled: fullyAssembled,
		}
		recBytes, err := rec.marshal()
		if err != nil {
			return err
		}
		if err := mb.Put(m.PathID[:], recBytes); err != nil {
			return err
		}
		stored = true

		if prevRaw != nil {
			if pm, err := metadata.DecodeMeta(prevRaw); err == nil {
				ob := tx.Bucket(bucketOpenFS)
				for _, c := range pm.Chunks {
					if err := ob.Delete(openFSKey(c.CTHash, m.PathID)); err != nil {
						return err
					}
				}
			}
		}

		if m.Type != metadata.FILE {
			return nil
		}
		cb := tx.Bucket(bucketChunk)
		ob := tx.Bucket(bucketOpenFS)
		var offset int64
		for _, c := range m.Chunks {
			cr := chunkRecord{Size: c.Size, IV: c.IV}
			crBytes, err := bencode.Marshal(cr)
			if err != nil {
				return err
			}
			if err := cb.Put(c.CTHash[:], crBytes); err != nil {
				return err
			}
			ofr := openFSRecord{Offset: offset, Assembled: fullyAssembled}
			ofrBytes, err := bencode.Marshal(ofr)
			if err != nil {
				return err
			}
			if err := ob.Put(openFSKey(c.CTHash, m.PathID), ofrBytes); err != nil {
				return err
			}
			offset += c.Size
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// GetMeta returns the stored SignedMeta for pathID. If wantRevision is
// non-nil, the stored revision must equal it exactly or NoSuchMeta is
// returned.
func (idx *Index) GetMeta(pathID chunkcrypto.Hash, wantRevision *int64) (metadata.SignedMeta, error) {
	var sm metadata.SignedMeta
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(pathID[:])
		if raw == nil {
			return errs.NoSuchMeta
		}
		rec, err := unmarshalMetaRecord(raw)
		if err != nil {
			return err
		}
		if wantRevision != nil && rec.Revision != *wantRevision {
			return errs.NoSuchMeta
		}
		sm = metadata.SignedMeta{RawMeta: rec.RawMeta, Signature: rec.Signature}
		return nil
	})
	if err != nil {
		return metadata.SignedMeta{}, err
	}
	if err := sm.Verify(idx.verify); err != nil {
		return metadata.SignedMeta{}, err
	}
	return sm, nil
}

// PutAllowed reports whether a remote Meta at pathID/revision is newer than
// what's stored, i.e. whether fetching it is worthwhile.
func (idx *Index) PutAllowed(pathID chunkcrypto.Hash, revision int64) (bool, error) {
	allowed := false
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(pathID[:])
		if raw == nil {
			allowed = true
			return nil
		}
		rec, err := unmarshalMetaRecord(raw)
		if err != nil {
			return err
		}
		allowed = rec.Revision < revision
		return nil
	})
	return allowed, err
}

// MarkAssembled sets the assembled flag for pathID's stored record, provided
// it is still at revision (a newer Meta may have replaced it while assembly
// was in flight, in which case this is a no-op).
func (idx *Index) MarkAssembled(pathID chunkcrypto.Hash, revision int64) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		raw := mb.Get(pathID[:])
		if raw == nil {
			return nil
		}
		rec, err := unmarshalMetaRecord(raw)
		if err != nil {
			return err
		}
		if rec.Revision != revision || rec.Assembled {
			return nil
		}
		rec.Assembled = true
		recBytes, err := rec.marshal()
		if err != nil {
			return err
		}
		return mb.Put(pathID[:], recBytes)
	})
}

// ForEach calls fn for every stored, signature-verified SignedMeta, in
// undefined order. Used to announce known state to a newly connected peer.
func (idx *Index) ForEach(fn func(metadata.SignedMeta) error) error {
	return idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			rec, err := unmarshalMetaRecord(v)
			if err != nil {
				return err
			}
			sm := metadata.SignedMeta{RawMeta: rec.RawMeta, Signature: rec.Signature}
			if err := sm.Verify(idx.verify); err != nil {
				return err
			}
			return fn(sm)
		})
	})
}

// ContainingChunk returns every SignedMeta that references ct as one of
// its chunks, for fan-out when a chunk finishes downloading.
func (idx *Index) ContainingChunk(ct chunkcrypto.Hash) ([]metadata.SignedMeta, error) {
	var pathIDs []chunkcrypto.Hash
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOpenFS).Cursor()
		prefix := ct[:]
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			var pid chunkcrypto.Hash
			copy(pid[:], k[chunkcrypto.HashSize:])
			pathIDs = append(pathIDs, pid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metas := make([]metadata.SignedMeta, 0, len(pathIDs))
	for _, pid := range pathIDs {
		sm, err := idx.GetMeta(pid, nil)
		if errors.Is(err, errs.NoSuchMeta) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metas = append(metas, sm)
	}
	return metas, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// Status reports record counts by type, for telemetry.
type Status struct {
	Files       int
	Directories int
	Symlinks    int
	Deleted     int
}

// Status scans the meta table and tallies counts by type.
func (idx *Index) Status() (Status, error) {
	var s Status
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			rec, err := unmarshalMetaRecord(v)
			if err != nil {
				return err
			}
			switch metadata.Type(rec.Type) {
			case metadata.FILE:
				s.Files++
			case metadata.DIRECTORY:
				s.Directories++
			case metadata.SYMLINK:
				s.Symlinks++
			case metadata.DELETED:
				s.Deleted++
			}
			return nil
		})
	})
	return s, err
}

// Wipe truncates every table. Used when the persisted folder hash no
// longer matches the configured secret.
func (idx *Index) Wipe() error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketChunk, bucketOpenFS} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChunkIV returns the IV recorded for a stored chunk, used by ChunkStorage
// when reconstructing ciphertext from the open file tree.
func (idx *Index) ChunkIV(ct chunkcrypto.Hash) (chunkcrypto.IV, int64, error) {
	var iv chunkcrypto.IV
	var size int64
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunk).Get(ct[:])
		if raw == nil {
			return errs.NoSuchChunk
		}
		var cr chunkRecord
		if err := bencode.Unmarshal(raw, &cr); err != nil {
			return err
		}
		iv = cr.IV
		size = cr.Size
		return nil
	})
	return iv, size, err
}
