package secret

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

// tier chars per spec.md §6: 'A' = ReadWrite, 'B' = ReadOnly, 'C' = Download.
const (
	tierCharReadWrite = 'A'
	tierCharReadOnly  = 'B'
	tierCharDownload  = 'C'
	crcSize           = 4
)

func tierChar(t Tier) (byte, error) {
	switch t {
	case ReadWrite:
		return tierCharReadWrite, nil
	case ReadOnly:
		return tierCharReadOnly, nil
	case Download:
		return tierCharDownload, nil
	default:
		return 0, fmt.Errorf("secret: unknown tier %v", t)
	}
}

func tierFromChar(c byte) (Tier, error) {
	switch c {
	case tierCharReadWrite:
		return ReadWrite, nil
	case tierCharReadOnly:
		return ReadOnly, nil
	case tierCharDownload:
		return Download, nil
	default:
		return 0, fmt.Errorf("secret: unrecognized tier char %q", c)
	}
}

// payload is the tier-dependent byte body of the secret string, before the
// CRC is appended: ReadWrite carries the ed25519 seed, ReadOnly carries
// public key || symmetric key, Download carries only the public key.
func (s Secret) payload() ([]byte, error) {
	switch s.tier {
	case ReadWrite:
		return s.private.Seed(), nil
	case ReadOnly:
		return append(append([]byte{}, s.public...), s.symmetric...), nil
	case Download:
		return append([]byte{}, s.public...), nil
	default:
		return nil, fmt.Errorf("secret: unknown tier %v", s.tier)
	}
}

// checksum is a 4-byte SHA3-224-derived CRC over tierChar||payload, in the
// spirit of Base58Check.
func checksum(tc byte, payload []byte) []byte {
	h := sha3.Sum224(append([]byte{tc}, payload...))
	h2 := sha3.Sum224(h[:])
	return h2[:crcSize]
}

// String renders the secret as {tier-char}{payload}{crc}, base58-encoded
// as a whole per spec.md §6.
func (s Secret) String() string {
	payload, err := s.payload()
	if err != nil {
		return ""
	}
	tc, err := tierChar(s.tier)
	if err != nil {
		return ""
	}
	body := append([]byte{tc}, payload...)
	body = append(body, checksum(tc, payload)...)
	return base58.Encode(body)
}

// Parse decodes a secret string produced by String.
func Parse(str string) (Secret, error) {
	body := base58.Decode(str)
	if len(body) < 1+crcSize {
		return Secret{}, fmt.Errorf("secret: string too short")
	}
	tc := body[0]
	payload := body[1 : len(body)-crcSize]
	crc := body[len(body)-crcSize:]
	tier, err := tierFromChar(tc)
	if err != nil {
		return Secret{}, err
	}
	want := checksum(tc, payload)
	if !bytes.Equal(crc, want) {
		return Secret{}, fmt.Errorf("secret: checksum mismatch")
	}

	var out Secret
	out.tier = tier
	switch tier {
	case ReadWrite:
		if len(payload) != 32 {
			return Secret{}, fmt.Errorf("secret: bad ReadWrite payload length %d", len(payload))
		}
		return secretFromSeed(payload), nil
	case ReadOnly:
		if len(payload) != 32+SymmetricKeySize {
			return Secret{}, fmt.Errorf("secret: bad ReadOnly payload length %d", len(payload))
		}
		out.public = append([]byte{}, payload[:32]...)
		out.symmetric = append([]byte{}, payload[32:]...)
	case Download:
		if len(payload) != 32 {
			return Secret{}, fmt.Errorf("secret: bad Download payload length %d", len(payload))
		}
		out.public = append([]byte{}, payload...)
	}
	return out, nil
}

