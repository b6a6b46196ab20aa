package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/localmesh/node/internal/wire"
)

func TestSanitizeFilenameStripsDirAndRejectsDotdot(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "passwd",
		"a/b/c.txt":        "c.txt",
		"..":               "unnamed",
		".":                "unnamed",
		"":                 "unnamed",
	}
	for in, want := range cases {
		got := SanitizeFilename(in, nil)
		if got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeFilenameIsIdempotent(t *testing.T) {
	name := SanitizeFilename("../weird/name.txt", nil)
	again := SanitizeFilename(name, nil)
	if name != again {
		t.Fatalf("not idempotent: %q != %q", name, again)
	}
}

func TestSanitizeFilenameAvoidsCollision(t *testing.T) {
	seen := map[string]bool{"report.pdf": true, "report-1.pdf": true}
	got := SanitizeFilename("report.pdf", func(n string) bool { return seen[n] })
	if got != "report-2.pdf" {
		t.Fatalf("expected report-2.pdf, got %q", got)
	}
}

type recordingSink struct {
	metas  []wire.FileMeta
	chunks []wire.FileChunk
}

func (s *recordingSink) SendFileMeta(m wire.FileMeta) error {
	s.metas = append(s.metas, m)
	return nil
}

func (s *recordingSink) SendFileChunk(c wire.FileChunk) error {
	cp := make([]byte, len(c.Data))
	copy(cp, c.Data)
	s.chunks = append(s.chunks, wire.FileChunk{FileID: c.FileID, ChunkIndex: c.ChunkIndex, Data: cp})
	return nil
}

func TestSendProducesExpectedChunkCountAndProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	data := bytes.Repeat([]byte{0x7}, 1572864) // 3 * 512 KiB
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	var totals []uint64
	err := Send(context.Background(), path, sink, nil, func(sent, total uint64) {
		totals = append(totals, sent)
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(sink.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(sink.chunks))
	}
	want := []uint64{524288, 1048576, 1572864}
	for i, w := range want {
		if totals[i] != w {
			t.Fatalf("progress[%d] = %d, want %d", i, totals[i], w)
		}
	}
}

func TestSendZeroByteFileProducesNoChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	if err := Send(context.Background(), path, sink, nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(sink.chunks) != 0 {
		t.Fatalf("expected no chunks for empty file, got %d", len(sink.chunks))
	}
	if sink.metas[0].Size != 0 {
		t.Fatalf("expected size 0 in file_meta, got %d", sink.metas[0].Size)
	}
}

func TestReceiverReassemblesByteIdentical(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	var id wire.FileID
	copy(id[:], "abcdefghijklmnop")
	data := bytes.Repeat([]byte{0xAB}, 100)

	if err := mgr.OnFileMeta("peer-a", wire.FileMeta{FileID: id, Size: uint64(len(data)), Filename: "out.bin"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.OnFileChunk("peer-a", wire.FileChunk{FileID: id, ChunkIndex: 0, Data: data}); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled file does not match source bytes")
	}
}

func TestReceiverRejectsNonZeroCompression(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	var id wire.FileID
	err = mgr.OnFileMeta("peer-a", wire.FileMeta{FileID: id, Size: 10, Compression: 1, Filename: "x.bin"})
	if err == nil {
		t.Fatal("expected error for non-zero compression flag")
	}
}

func TestReceiverFinalizesZeroByteFileImmediately(t *testing.T) {
	dir := t.TempDir()
	received := make(chan string, 1)
	mgr, err := NewManager(dir, Callbacks{OnReceived: func(_ string, filename, _ string) { received <- filename }})
	if err != nil {
		t.Fatal(err)
	}

	var id wire.FileID
	if err := mgr.OnFileMeta("peer-a", wire.FileMeta{FileID: id, Size: 0, Filename: "empty.txt"}); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-received:
		if name != "empty.txt" {
			t.Fatalf("unexpected filename: %q", name)
		}
	default:
		t.Fatal("expected immediate OnReceived for zero-byte file")
	}
}

func TestReceiverRestartsSessionOnRepeatedFileMeta(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	var id wire.FileID
	mgr.OnFileMeta("peer-a", wire.FileMeta{FileID: id, Size: 4, Filename: "x.bin"})
	mgr.OnFileChunk("peer-a", wire.FileChunk{FileID: id, ChunkIndex: 0, Data: []byte("ab")})
	// Restart before completion.
	if err := mgr.OnFileMeta("peer-a", wire.FileMeta{FileID: id, Size: 4, Filename: "x.bin"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.OnFileChunk("peer-a", wire.FileChunk{FileID: id, ChunkIndex: 0, Data: []byte("wxyz")}); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "x.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "wxyz" {
		t.Fatalf("expected restarted session content, got %q", got)
	}
}
