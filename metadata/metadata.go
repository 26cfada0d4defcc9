// Package metadata defines Meta, Chunk and SignedMeta (spec.md §3): the
// per-path-per-revision record exchanged between peers and stored in the
// Index. There is no teacher analog (Sia's Meta-shaped type is a file
// contract, not a synced file), so this is built directly from spec.md,
// encoded with the same bencode-like canonical format used for the wire
// protocol (driftsync/wire) so that a SignedMeta's signature covers an
// unambiguous byte string and a peer holding only ReadOnly/Download can
// store and forward the raw encoded bytes verbatim without being able to
// re-derive them from a parsed struct (spec.md §3: "A peer holding only
// ReadOnly or Download must store the raw byte encoding so it can forward
// signatures verbatim").
package metadata

import (
	"errors"

	"github.com/anacrolix/torrent/bencode"

	"github.com/driftsync/driftsync/chunkcrypto"
)

// ErrNonCanonical is returned by SignedMeta.Verify when RawMeta's decoded
// form does not re-encode to the exact same bytes, meaning RawMeta is not
// the canonical encoding of the Meta it claims to carry.
var ErrNonCanonical = errors.New("metadata: raw meta is not canonically encoded")

// Type is the kind of filesystem entry a Meta describes.
type Type int

const (
	FILE Type = iota
	DIRECTORY
	SYMLINK
	DELETED
)

func (t Type) String() string {
	switch t {
	case FILE:
		return "FILE"
	case DIRECTORY:
		return "DIRECTORY"
	case SYMLINK:
		return "SYMLINK"
	case DELETED:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// ChunkerParams is the chunking configuration recorded inside a FILE Meta
// so that re-indexing a file preserves chunk boundaries even if the
// folder's default parameters change later (spec.md §4.3).
type ChunkerParams struct {
	AlgorithmType   string `bencode:"algorithm_type"`
	MinChunkSize    int    `bencode:"min_chunksize"`
	MaxChunkSize    int    `bencode:"max_chunksize"`
	Polynomial      uint64 `bencode:"polynomial"`
	PolynomialShift uint   `bencode:"polynomial_shift"`
	AvgBits         uint   `bencode:"avg_bits"`
}

// Chunk is one content-defined unit of a FILE Meta (spec.md §3).
type Chunk struct {
	PtHMAC chunkcrypto.Hash `bencode:"pt_hmac"`
	IV     chunkcrypto.IV   `bencode:"iv"`
	Size   int64            `bencode:"size"`
	CTHash chunkcrypto.Hash `bencode:"ct_hash"`
}

// FSAttrib carries the platform attributes a Meta preserves when
// preserve_unix_attrib / preserve_windows_attrib is enabled (spec.md §4.6
// step 4).
type FSAttrib struct {
	WindowsAttrib uint32 `bencode:"windows_attrib"`
	Mode          uint32 `bencode:"mode"`
	UID           uint32 `bencode:"uid"`
	GID           uint32 `bencode:"gid"`
}

// Meta is one path's metadata at one revision (spec.md §3).
type Meta struct {
	PathID           chunkcrypto.Hash `bencode:"path_id"`
	EncryptedPath    []byte           `bencode:"encrypted_path"`
	EncryptedPathIV  chunkcrypto.IV   `bencode:"encrypted_path_iv"`
	Type             Type             `bencode:"type"`
	Revision         int64            `bencode:"revision"`
	MTime            int64            `bencode:"mtime"`
	FSAttrib         FSAttrib         `bencode:"fsattrib"`

	// FILE-only.
	Chunker ChunkerParams `bencode:"chunker,omitempty"`
	Chunks  []Chunk       `bencode:"chunks,omitempty"`

	// SYMLINK-only.
	EncryptedTarget   []byte         `bencode:"encrypted_target,omitempty"`
	EncryptedTargetIV chunkcrypto.IV `bencode:"encrypted_target_iv,omitempty"`
}

// Size returns the plaintext file size implied by the chunk list.
func (m Meta) Size() int64 {
	var n int64
	for _, c := range m.Chunks {
		n += c.Size
	}
	return n
}

// Encode returns the canonical byte encoding of m, the exact bytes that
// are signed and verified. Canonical bencode dictionaries sort keys
// lexicographically, which is what makes this encoding unambiguous.
func (m Meta) Encode() ([]byte, error) {
	return bencode.Marshal(m)
}

// DecodeMeta parses the canonical encoding produced by Encode.
func DecodeMeta(b []byte) (Meta, error) {
	var m Meta
	err := bencode.Unmarshal(b, &m)
	return m, err
}

// SignedMeta is a Meta plus a detached signature over its canonical
// encoding (spec.md §3). RawMeta holds the exact bytes that were signed;
// a peer that cannot re-derive an identical encoding (e.g. a future
// version adding a field) must forward RawMeta verbatim rather than
// re-encoding the parsed Meta.
type SignedMeta struct {
	Meta      Meta
	RawMeta   []byte
	Signature []byte
}

// Sign encodes m and signs it with sign (typically secret.Secret.Sign).
func Sign(m Meta, sign func([]byte) ([]byte, error)) (SignedMeta, error) {
	raw, err := m.Encode()
	if err != nil {
		return SignedMeta{}, err
	}
	sig, err := sign(raw)
	if err != nil {
		return SignedMeta{}, err
	}
	return SignedMeta{Meta: m, RawMeta: raw, Signature: sig}, nil
}

// Verify checks sm's signature over its RawMeta using verify (typically
// secret.Secret.Verify), and that RawMeta actually decodes to sm.Meta.
// On success it sets sm.Meta to the freshly decoded value, so callers must
// invoke it through a pointer.
func (sm *SignedMeta) Verify(verify func(data, sig []byte) error) error {
	if err := verify(sm.RawMeta, sm.Signature); err != nil {
		return err
	}
	decoded, err := DecodeMeta(sm.RawMeta)
	if err != nil {
		return err
	}
	reencoded, err := decoded.Encode()
	if err != nil {
		return err
	}
	if string(reencoded) != string(sm.RawMeta) {
		return ErrNonCanonical
	}
	sm.Meta = decoded
	return nil
}
