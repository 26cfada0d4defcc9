package chunker

import (
	"bytes"
	"strings"
	"testing"
)

func testParams() Params {
	p := DefaultParams()
	p.MinChunkSize = 64
	p.MaxChunkSize = 512
	p.AvgBits = 6 // small average size so the test input actually produces cuts
	return p
}

func reassemble(chunks []Chunk) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

func TestSplitDeterministic(t *testing.T) {
	data := []byte(strings.Repeat("abcdefghij", 10000))
	p := testParams()

	c1, err := Split(bytes.NewReader(data), p)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Split(bytes.NewReader(data), p)
	if err != nil {
		t.Fatal(err)
	}
	if len(c1) != len(c2) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(c1), len(c2))
	}
	for i := range c1 {
		if c1[i].Offset != c2[i].Offset || !bytes.Equal(c1[i].Data, c2[i].Data) {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitReassembles(t *testing.T) {
	data := []byte(strings.Repeat("the quick brown fox ", 5000))
	p := testParams()
	chunks, err := Split(bytes.NewReader(data), p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reassemble(chunks), data) {
		t.Fatal("reassembled chunks do not match original data")
	}
}

func TestSplitRespectsMinMax(t *testing.T) {
	data := []byte(strings.Repeat("z", 100000)) // no variation: digest never changes, so only max forces cuts
	p := testParams()
	chunks, err := Split(bytes.NewReader(data), p)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range chunks {
		if len(c.Data) > p.MaxChunkSize {
			t.Fatalf("chunk %d exceeds max size: %d > %d", i, len(c.Data), p.MaxChunkSize)
		}
		if i != len(chunks)-1 && len(c.Data) < p.MinChunkSize {
			t.Fatalf("non-final chunk %d below min size: %d < %d", i, len(c.Data), p.MinChunkSize)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	chunks, err := Split(bytes.NewReader(nil), testParams())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}
