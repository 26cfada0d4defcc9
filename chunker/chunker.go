// Package chunker implements content-defined chunking of a plaintext byte
// stream using a rolling Rabin fingerprint (spec.md §4.3). There is no
// teacher or pack analog for Rabin CDC (the reedsolomon vendor package in
// the teacher's tree is erasure coding, not chunking, and is explicitly out
// of scope per spec.md §1 Non-goals), so this is built directly from
// spec.md's cut rule using only stdlib arithmetic: a cut is emitted when
// `fingerprint & ((1<<avg_bits)-1) == 0` and the current chunk is at least
// min_chunksize, a cut is forced at max_chunksize, and the stream always
// ends with a cut at EOF.
package chunker

import (
	"bufio"
	"io"
)

// Params are the per-folder chunking parameters, persisted inside Meta
// (spec.md §4.3) so that re-indexing a file preserves chunk boundaries
// across upgrades of the default parameters.
type Params struct {
	Polynomial      uint64
	PolynomialShift uint
	AvgBits         uint
	MinChunkSize    int
	MaxChunkSize    int
}

// DefaultParams returns a reasonable default parameter set: ~1 MiB average
// chunk size (AvgBits=20), 256 KiB minimum, 4 MiB maximum.
func DefaultParams() Params {
	return Params{
		Polynomial:      0x3DA3358B4DC173, // an irreducible-degree-53 polynomial, fixed per folder at creation
		PolynomialShift: 53,
		AvgBits:         20,
		MinChunkSize:    256 << 10,
		MaxChunkSize:    4 << 20,
	}
}

// Chunk is one content-defined cut of the input: its byte offset within
// the stream and its plaintext bytes.
type Chunk struct {
	Offset int64
	Data   []byte
}

const windowSize = 64

// rabin is a rolling-window Rabin fingerprint over the trailing windowSize
// bytes, using a precomputed out-byte table the way every production Rabin
// CDC implementation (rsync, LBFS, restic) structures the roll step.
type rabin struct {
	poly   uint64
	shift  uint
	window [windowSize]byte
	wpos   int
	digest uint64
	outTab [256]uint64
	modTab [256]uint64
}

func newRabin(p Params) *rabin {
	r := &rabin{poly: p.Polynomial, shift: p.PolynomialShift}
	// outTab[b] = contribution removed when byte b leaves the trailing
	// window, i.e. b shifted by windowSize positions and reduced mod poly.
	for b := 0; b < 256; b++ {
		var h uint64 = uint64(b)
		for i := 0; i < windowSize; i++ {
			h = r.mulXMod(h)
		}
		r.outTab[b] = h
	}
	for b := 0; b < 256; b++ {
		r.modTab[b] = r.mulXMod(uint64(b))
	}
	return r
}

// mulXMod multiplies h by x (shifts left one bit) and reduces modulo the
// folder polynomial if the top bit overflowed PolynomialShift bits.
func (r *rabin) mulXMod(h uint64) uint64 {
	h <<= 1
	if h&(uint64(1)<<r.shift) != 0 {
		h ^= r.poly
	}
	return h & (uint64(1)<<r.shift - 1)
}

func (r *rabin) roll(b byte) {
	out := r.window[r.wpos]
	r.window[r.wpos] = b
	r.wpos = (r.wpos + 1) % windowSize
	r.digest ^= r.outTab[out]
	r.digest = r.mulXMod(r.digest)
	r.digest ^= r.modTab[b]
}

// Split reads r to EOF and returns the ordered list of content-defined
// chunks. The chunker is deterministic: identical params and input always
// yield identical boundaries (spec.md §4.3), which is what lets two peers
// that independently re-index the same bytes converge on identical Chunk
// lists (spec.md §8 invariant 2).
func Split(r io.Reader, p Params) ([]Chunk, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	rb := newRabin(p)
	mask := uint64(1)<<p.AvgBits - 1

	var chunks []Chunk
	var cur []byte
	var offset int64

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, Chunk{Offset: offset, Data: cur})
		offset += int64(len(cur))
		cur = nil
	}

	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		cur = append(cur, b)
		rb.roll(b)

		if len(cur) >= p.MaxChunkSize {
			flush()
			continue
		}
		if len(cur) >= p.MinChunkSize && rb.digest&mask == 0 {
			flush()
		}
	}
	flush()
	return chunks, nil
}
