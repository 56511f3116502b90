package blob

import (
	"bytes"
	"testing"
)

func sendSequence(r *Receiver, data []byte) bool {
	r.OnStart(uint32(len(data)))
	for _, c := range Chunks(data) {
		if err := r.OnChunk(c.Offset, c.Data); err != nil {
			return false
		}
	}
	return r.OnEnd(Checksum(data))
}

func TestRoundTripSmallBlob(t *testing.T) {
	var r Receiver
	data := []byte("hello savestate")
	if !sendSequence(&r, data) {
		t.Fatal("expected successful transfer")
	}
	if !r.IsComplete() {
		t.Fatal("expected IsComplete true")
	}
	if !bytes.Equal(r.Data(), data) {
		t.Errorf("data = %q, want %q", r.Data(), data)
	}
}

func TestChunksSpanMultipleChunksAboveMaxSize(t *testing.T) {
	data := make([]byte, MaxChunkSize+10)
	for i := range data {
		data[i] = byte(i)
	}
	chunks := Chunks(data)
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if len(chunks[0].Data) != MaxChunkSize {
		t.Errorf("first chunk len = %d, want %d", len(chunks[0].Data), MaxChunkSize)
	}
	if len(chunks[1].Data) != 10 {
		t.Errorf("second chunk len = %d, want 10", len(chunks[1].Data))
	}

	var r Receiver
	if !sendSequence(&r, data) {
		t.Fatal("expected successful transfer")
	}
	if !bytes.Equal(r.Data(), data) {
		t.Error("reassembled data mismatch")
	}
}

func TestChecksumMismatchResetsReceiver(t *testing.T) {
	var r Receiver
	data := []byte("state bytes")
	r.OnStart(uint32(len(data)))
	for _, c := range Chunks(data) {
		if err := r.OnChunk(c.Offset, c.Data); err != nil {
			t.Fatalf("OnChunk: %v", err)
		}
	}
	if ok := r.OnEnd(Checksum(data) + 1); ok {
		t.Fatal("expected checksum mismatch to return false")
	}
	if r.IsComplete() {
		t.Error("expected IsComplete false after checksum mismatch")
	}
}

func TestOutOfBoundsChunkResetsReceiver(t *testing.T) {
	var r Receiver
	r.OnStart(4)
	if err := r.OnChunk(2, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
	if r.receiving {
		t.Error("expected receiver reset after out-of-bounds chunk")
	}
}

func TestDuplicateEndIsIdempotent(t *testing.T) {
	var r Receiver
	data := []byte("idempotent blob")
	if !sendSequence(&r, data) {
		t.Fatal("expected successful transfer")
	}
	before := append([]byte(nil), r.Data()...)

	if ok := r.OnEnd(Checksum(data)); ok {
		t.Error("expected duplicate End to return false")
	}
	if !bytes.Equal(r.Data(), before) {
		t.Error("expected buffer unchanged after duplicate End")
	}
}

func TestChunkWithoutStartErrors(t *testing.T) {
	var r Receiver
	if err := r.OnChunk(0, []byte{1}); err == nil {
		t.Fatal("expected error for chunk before start")
	}
}
