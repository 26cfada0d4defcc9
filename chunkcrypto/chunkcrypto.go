// Package chunkcrypto implements per-chunk encryption (spec.md §4.4): AES-CBC
// with a caller-chosen IV, so that re-indexing a file that shares an
// unchanged chunk across revisions reuses the same IV and therefore
// produces bit-identical ciphertext.
//
// Grounded on the teacher's crypto/encrypt.go ("TwofishKey with
// EncryptBytes/DecryptBytes methods") and crypto/hash.go ("Hash [N]byte
// with String()/MarshalJSON()"), but the primitive is switched to AES-CBC
// (stdlib crypto/aes + crypto/cipher) because spec.md §4.4 requires
// deterministic IV reuse, which an AEAD mode with a random nonce (the
// teacher's GCM choice) cannot provide, and the strong hash is switched to
// SHA3-224 (golang.org/x/crypto/sha3) because spec.md §4.4 names it as the
// default ct_hash algorithm.
package chunkcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/sha3"
)

const (
	// IVSize is the length, in bytes, of the AES block/IV.
	IVSize = aes.BlockSize // 16

	// HashSize is the length, in bytes, of a ct_hash (SHA3-224 digest).
	HashSize = 28
)

// ErrBadPadding is returned by Decrypt when the PKCS#7 padding on a
// decrypted buffer is malformed.
var ErrBadPadding = errors.New("chunkcrypto: invalid padding")

// Hash identifies chunk ciphertext (ct_hash) or plaintext content
// (pt_hmac). Both are fixed-size byte arrays so they can be used as map
// keys and database primary keys directly.
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalBencode renders the hash as a raw bencode byte-string, rather
// than the list-of-integers a plain fixed-size array would reflect to.
func (h Hash) MarshalBencode() ([]byte, error) {
	return bencodeByteString(h[:]), nil
}

// UnmarshalBencode reverses MarshalBencode.
func (h *Hash) UnmarshalBencode(b []byte) error {
	s, err := bencodeByteStringContents(b)
	if err != nil {
		return err
	}
	if len(s) != HashSize {
		return fmt.Errorf("chunkcrypto: bad hash length %d", len(s))
	}
	copy(h[:], s)
	return nil
}

// IV is the 128-bit initialization vector recorded alongside a Chunk.
type IV [IVSize]byte

// MarshalBencode/UnmarshalBencode mirror Hash's, for the same reason.
func (iv IV) MarshalBencode() ([]byte, error) {
	return bencodeByteString(iv[:]), nil
}

func (iv *IV) UnmarshalBencode(b []byte) error {
	s, err := bencodeByteStringContents(b)
	if err != nil {
		return err
	}
	if len(s) != IVSize {
		return fmt.Errorf("chunkcrypto: bad iv length %d", len(s))
	}
	copy(iv[:], s)
	return nil
}

// NewIV draws a fresh, random IV for a chunk whose plaintext has not been
// seen before under this path_id.
func NewIV() (IV, error) {
	var iv IV
	_, err := rand.Read(iv[:])
	return iv, err
}

// PlaintextHMAC computes pt_hmac = HMAC(symmetricKey, plaintext), used to
// detect that a chunk's content is unchanged across revisions so its IV
// (and therefore its ciphertext) can be reused verbatim.
func PlaintextHMAC(symmetricKey, plaintext []byte) Hash {
	mac := hmac.New(sha3.New224, symmetricKey)
	mac.Write(plaintext)
	var h Hash
	copy(h[:], mac.Sum(nil))
	return h
}

// CTHash computes ct_hash = SHA3-224(ciphertext), the wire identifier for a
// chunk's ciphertext.
func CTHash(ciphertext []byte) Hash {
	var h Hash
	d := sha3.Sum224(ciphertext)
	copy(h[:], d[:])
	return h
}

// Encrypt encrypts plaintext with AES-CBC under key and iv, padding with
// PKCS#7. The same (plaintext, iv, key) triple always yields the same
// ciphertext (spec.md §3 invariant 3), which is what lets two peers that
// independently re-encrypt the same chunk agree on its ct_hash.
func Encrypt(key []byte, iv IV, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv[:])
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt reverses Encrypt.
func Decrypt(key []byte, iv IV, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv[:])
	mode.CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

// bencodeByteString renders b as a raw bencode byte-string fragment
// ("<len>:<bytes>"), the encoding every bencode-like format (spec.md §6
// glossary) uses for byte strings.
func bencodeByteString(b []byte) []byte {
	out := append([]byte(strconv.Itoa(len(b))), ':')
	return append(out, b...)
}

// bencodeByteStringContents parses a raw bencode byte-string fragment
// back into its content bytes.
func bencodeByteStringContents(b []byte) ([]byte, error) {
	i := bytes.IndexByte(b, ':')
	if i < 0 {
		return nil, fmt.Errorf("chunkcrypto: malformed bencode byte string %q", b)
	}
	n, err := strconv.Atoi(string(b[:i]))
	if err != nil {
		return nil, fmt.Errorf("chunkcrypto: malformed bencode length %q: %w", b[:i], err)
	}
	rest := b[i+1:]
	if len(rest) != n {
		return nil, fmt.Errorf("chunkcrypto: bencode length mismatch: header says %d, have %d", n, len(rest))
	}
	return rest, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}
