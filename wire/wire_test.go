package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := MetaRequest{Revision: 7}
	req.PathID[0] = 0xAB

	if err := Encode(&buf, KindMetaRequest, req); err != nil {
		t.Fatal(err)
	}

	f, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindMetaRequest {
		t.Fatalf("kind = %v, want MetaRequest", f.Kind)
	}

	var got MetaRequest
	if err := f.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Revision != 7 || got.PathID != req.PathID {
		t.Fatalf("decoded = %+v, want %+v", got, req)
	}
}

func TestEncodeNoPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, KindChoke, nil); err != nil {
		t.Fatal(err)
	}
	f, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindChoke {
		t.Fatalf("kind = %v, want Choke", f.Kind)
	}
	if len(f.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(f.Payload))
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)
	if _, err := ReadFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, KindInterested, nil); err != nil {
		t.Fatal(err)
	}
	if err := Encode(&buf, KindHaveChunk, HaveChunk{}); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	f1, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if f1.Kind != KindInterested {
		t.Fatalf("first frame kind = %v, want Interested", f1.Kind)
	}
	f2, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if f2.Kind != KindHaveChunk {
		t.Fatalf("second frame kind = %v, want HaveChunk", f2.Kind)
	}
}
