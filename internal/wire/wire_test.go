package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/localmesh/node/internal/errs"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("message", "dev-a", "Alice's PC", "pc", 1234, map[string]string{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatal(err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Kind != KindJSON {
		t.Fatalf("expected KindJSON, got %v", frame.Kind)
	}
	if frame.Envelope.Type != "message" || frame.Envelope.DeviceID != "dev-a" {
		t.Fatalf("round-trip mismatch: %+v", frame.Envelope)
	}
	var payload struct{ Text string }
	if err := frame.Envelope.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Text != "hi" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestFileMetaRoundTrip(t *testing.T) {
	var id FileID
	copy(id[:], "0123456789abcdef")

	m := FileMeta{FileID: id, Size: 1572864, Filename: "report.pdf"}
	enc, err := EncodeFileMeta(m)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := ReadFrame(bytes.NewReader(enc))
	if err != nil {
		t.Fatal(err)
	}
	if frame.Kind != KindFileMeta {
		t.Fatalf("expected KindFileMeta, got %v", frame.Kind)
	}
	if frame.FileMeta.Size != m.Size || frame.FileMeta.Filename != m.Filename || frame.FileMeta.FileID != m.FileID {
		t.Fatalf("round-trip mismatch: %+v", frame.FileMeta)
	}
}

func TestFileChunkRoundTrip(t *testing.T) {
	var id FileID
	copy(id[:], "0123456789abcdef")

	data := bytes.Repeat([]byte{0xAB}, 4096)
	c := FileChunk{FileID: id, ChunkIndex: 7, Data: data}
	enc, err := EncodeFileChunk(c)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := ReadFrame(bytes.NewReader(enc))
	if err != nil {
		t.Fatal(err)
	}
	if frame.Kind != KindFileChunk {
		t.Fatalf("expected KindFileChunk, got %v", frame.Kind)
	}
	if frame.FileChunk.ChunkIndex != 7 || !bytes.Equal(frame.FileChunk.Data, data) {
		t.Fatalf("round-trip mismatch: index=%d len=%d", frame.FileChunk.ChunkIndex, len(frame.FileChunk.Data))
	}
}

func TestCorruptedChunkFailsCRC(t *testing.T) {
	var id FileID
	c := FileChunk{FileID: id, ChunkIndex: 0, Data: []byte("hello world")}
	enc, err := EncodeFileChunk(c)
	if err != nil {
		t.Fatal(err)
	}

	// Flip the last byte of the chunk data, leaving the CRC untouched.
	dataEnd := len(enc) - crcSize
	enc[dataEnd-1] ^= 0xFF

	_, err = ReadFrame(bytes.NewReader(enc))
	if !errors.Is(err, errs.Protocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestZeroLengthJSONFrameRejected(t *testing.T) {
	var hdr [4]byte // length 0
	_, err := ReadFrame(bytes.NewReader(append(hdr[:], '{')))
	if !errors.Is(err, errs.Protocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestOversizeChunkRejectedAtEncode(t *testing.T) {
	var id FileID
	_, err := EncodeFileChunk(FileChunk{FileID: id, Data: make([]byte, MaxChunkSize+1)})
	if !errors.Is(err, errs.Invalid) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestZeroByteFile(t *testing.T) {
	var id FileID
	enc, err := EncodeFileMeta(FileMeta{FileID: id, Size: 0, Filename: "empty.txt"})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := ReadFrame(bytes.NewReader(enc))
	if err != nil {
		t.Fatal(err)
	}
	if frame.FileMeta.Size != 0 {
		t.Fatalf("expected size 0, got %d", frame.FileMeta.Size)
	}
}

func TestUnexpectedDiscriminatorTerminates(t *testing.T) {
	var hdr [4]byte
	_, err := ReadFrame(bytes.NewReader(append(hdr[:], 'X')))
	if !errors.Is(err, errs.Protocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}
