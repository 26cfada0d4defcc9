// Package pathnorm canonicalizes filesystem paths and derives the
// cryptographic identifiers spec.md §4.2 defines over them: path_id (an
// HMAC under the folder's symmetric key) and the encrypted path ciphertext
// exchanged on the wire.
//
// There is no teacher analog (Sia has no concept of a synchronized
// directory tree), so this package is built directly against spec.md §4.2,
// reusing chunkcrypto for the HMAC/AES-CBC primitives the teacher's
// crypto package supplies the shape for. NFC normalization uses
// golang.org/x/text/unicode/norm, the standard ecosystem library for it.
package pathnorm

import (
	"crypto/hmac"
	"strings"

	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"

	"github.com/driftsync/driftsync/chunkcrypto"
)

// Options controls per-folder normalization behavior (spec.md §4.2: "per-
// folder flag" for NFC, and an implied lowercasing toggle for
// case-insensitive filesystems).
type Options struct {
	NFC        bool
	Lowercase  bool
}

// Normalize converts an absolute path under the folder root into its
// canonical byte representation: forward slashes, optionally NFC-
// normalized, optionally lowercased.
func Normalize(relPath string, opt Options) []byte {
	p := strings.ReplaceAll(relPath, `\`, "/")
	p = strings.TrimPrefix(p, "/")
	if opt.NFC {
		p = norm.NFC.String(p)
	}
	if opt.Lowercase {
		p = strings.ToLower(p)
	}
	return []byte(p)
}

// PathID computes path_id = HMAC(symmetricKey, normalized), a 28-byte
// (SHA3-224) identifier. spec.md's invariant 1: this depends only on the
// normalized path and the secret, so any two peers holding the same
// secret derive the same path_id for the same path, and distinct paths
// collide only with cryptographic negligibility.
func PathID(symmetricKey, normalized []byte) chunkcrypto.Hash {
	mac := hmac.New(sha3.New224, symmetricKey)
	mac.Write(normalized)
	var id chunkcrypto.Hash
	copy(id[:], mac.Sum(nil))
	return id
}

// EncryptPath produces the encrypted_path / encrypted_path_iv pair stored
// in Meta: AES-CBC(symmetricKey, randomIV, normalized).
func EncryptPath(symmetricKey, normalized []byte) (ciphertext []byte, iv chunkcrypto.IV, err error) {
	iv, err = chunkcrypto.NewIV()
	if err != nil {
		return nil, iv, err
	}
	ciphertext, err = chunkcrypto.Encrypt(symmetricKey, iv, normalized)
	return ciphertext, iv, err
}

// DecryptPath reverses EncryptPath. Only possible with the symmetric key
// (ReadOnly tier or above).
func DecryptPath(symmetricKey, ciphertext []byte, iv chunkcrypto.IV) ([]byte, error) {
	return chunkcrypto.Decrypt(symmetricKey, iv, ciphertext)
}
