package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/localmesh/node/internal/errs"
)

const (
	binMagic0, binMagic1, binMagic2 = 'B', 'I', 'N'

	TypeFileMeta  byte = 0x01
	TypeFileChunk byte = 0x02

	FileIDSize = 16

	// MaxBinaryFrameLen bounds the on-wire total frame length (the 4-byte
	// length field plus the bytes it covers).
	MaxBinaryFrameLen = 11 * 1024 * 1024

	// MaxFileSize bounds the declared size in a file_meta frame.
	MaxFileSize = 10 * 1024 * 1024 * 1024

	// MaxChunkSize bounds the payload size of a file_chunk frame.
	MaxChunkSize = 10 * 1024 * 1024

	// MaxFilenameLen bounds the filename length in a file_meta frame.
	MaxFilenameLen = 1024

	// BinaryChunkSize is the chunk size the sender uses on the binary
	// file-transfer path.
	BinaryChunkSize = 512 * 1024

	// LegacyJSONChunkSize is the chunk size used on the base64-in-JSON
	// backward-compatible path.
	LegacyJSONChunkSize = 64 * 1024

	crcSize = 4
)

// FileID is the 16-byte identifier of one file transfer.
type FileID [FileIDSize]byte

// FileMeta is the decoded payload of a 0x01 binary frame.
type FileMeta struct {
	FileID      FileID
	Size        uint64
	Compression byte
	Filename    string
}

// FileChunk is the decoded payload of a 0x02 binary frame.
type FileChunk struct {
	FileID     FileID
	ChunkIndex uint32
	Data       []byte
}

// EncodeFileMeta serializes a file_meta frame: length, magic, type, payload, crc32.
func EncodeFileMeta(m FileMeta) ([]byte, error) {
	if m.Size > MaxFileSize {
		return nil, errs.New(errs.InvalidInput, fmt.Sprintf("declared file size %d exceeds bound", m.Size))
	}
	if len(m.Filename) > MaxFilenameLen {
		return nil, errs.New(errs.InvalidInput, fmt.Sprintf("filename length %d exceeds bound", len(m.Filename)))
	}

	payload := make([]byte, 0, FileIDSize+8+1+2+len(m.Filename))
	payload = append(payload, m.FileID[:]...)
	payload = binary.BigEndian.AppendUint64(payload, m.Size)
	payload = append(payload, m.Compression)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(m.Filename)))
	payload = append(payload, m.Filename...)

	return encodeBinaryFrame(TypeFileMeta, payload)
}

// EncodeFileChunk serializes a file_chunk frame.
func EncodeFileChunk(c FileChunk) ([]byte, error) {
	if len(c.Data) > MaxChunkSize {
		return nil, errs.New(errs.InvalidInput, fmt.Sprintf("chunk size %d exceeds bound", len(c.Data)))
	}

	payload := make([]byte, 0, FileIDSize+4+4+len(c.Data))
	payload = append(payload, c.FileID[:]...)
	payload = binary.BigEndian.AppendUint32(payload, c.ChunkIndex)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(c.Data)))
	payload = append(payload, c.Data...)

	return encodeBinaryFrame(TypeFileChunk, payload)
}

func encodeBinaryFrame(typ byte, payload []byte) ([]byte, error) {
	// Everything the length field covers: magic(3) + type(1) + payload + crc(4).
	covered := 3 + 1 + len(payload) + crcSize
	if lengthPrefixSize+covered > MaxBinaryFrameLen {
		return nil, errs.New(errs.InvalidInput, fmt.Sprintf("binary frame length %d exceeds bound", lengthPrefixSize+covered))
	}

	buf := make([]byte, 0, lengthPrefixSize+covered)
	buf = binary.BigEndian.AppendUint32(buf, uint32(covered))
	buf = append(buf, binMagic0, binMagic1, binMagic2, typ)
	buf = append(buf, payload...)

	crc := crc32.ChecksumIEEE(buf[lengthPrefixSize:])
	buf = binary.BigEndian.AppendUint32(buf, crc)
	return buf, nil
}

// readBinaryFrame reads a binary frame whose length prefix has already been
// consumed (length is the value of that prefix) and whose first byte ('B')
// has already been consumed and is passed in. It validates magic, bounds
// and CRC32, then decodes the payload into a FileMeta or FileChunk.
func readBinaryFrame(r io.Reader, length int, first byte) (FileMeta, FileChunk, byte, error) {
	if lengthPrefixSize+length > MaxBinaryFrameLen {
		return FileMeta{}, FileChunk{}, 0, errs.New(errs.ProtocolError, fmt.Sprintf("binary frame length %d exceeds bound", lengthPrefixSize+length))
	}
	// length covers magic(3)+type(1)+payload+crc(4); we've already read 1
	// magic byte (first).
	if length < 3+1+crcSize {
		return FileMeta{}, FileChunk{}, 0, errs.New(errs.ProtocolError, "binary frame too short")
	}

	rest := make([]byte, length-1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return FileMeta{}, FileChunk{}, 0, errs.Wrap(errs.IoError, "read binary frame", err)
	}

	if rest[0] != binMagic1 || rest[1] != binMagic2 {
		return FileMeta{}, FileChunk{}, 0, errs.New(errs.ProtocolError, "bad binary frame magic")
	}
	typ := rest[2]
	payload := rest[3 : len(rest)-crcSize]
	wantCRC := binary.BigEndian.Uint32(rest[len(rest)-crcSize:])

	full := make([]byte, 0, 1+len(rest))
	full = append(full, first)
	full = append(full, rest...)
	gotCRC := crc32.ChecksumIEEE(full[:len(full)-crcSize])
	if gotCRC != wantCRC {
		return FileMeta{}, FileChunk{}, 0, errs.New(errs.ProtocolError, "crc32 mismatch")
	}

	switch typ {
	case TypeFileMeta:
		m, err := decodeFileMetaPayload(payload)
		return m, FileChunk{}, typ, err
	case TypeFileChunk:
		c, err := decodeFileChunkPayload(payload)
		return FileMeta{}, c, typ, err
	default:
		return FileMeta{}, FileChunk{}, 0, errs.New(errs.ProtocolError, fmt.Sprintf("unknown binary frame type 0x%02x", typ))
	}
}

func decodeFileMetaPayload(b []byte) (FileMeta, error) {
	if len(b) < FileIDSize+8+1+2 {
		return FileMeta{}, errs.New(errs.ProtocolError, "file_meta payload too short")
	}
	var m FileMeta
	copy(m.FileID[:], b[:FileIDSize])
	off := FileIDSize
	m.Size = binary.BigEndian.Uint64(b[off:])
	off += 8
	m.Compression = b[off]
	off++
	nameLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2

	if m.Size > MaxFileSize {
		return FileMeta{}, errs.New(errs.ProtocolError, fmt.Sprintf("declared file size %d exceeds bound", m.Size))
	}
	if nameLen > MaxFilenameLen {
		return FileMeta{}, errs.New(errs.ProtocolError, fmt.Sprintf("filename length %d exceeds bound", nameLen))
	}
	if off+nameLen != len(b) {
		return FileMeta{}, errs.New(errs.ProtocolError, "file_meta filename length mismatch")
	}
	m.Filename = string(b[off : off+nameLen])
	return m, nil
}

func decodeFileChunkPayload(b []byte) (FileChunk, error) {
	if len(b) < FileIDSize+4+4 {
		return FileChunk{}, errs.New(errs.ProtocolError, "file_chunk payload too short")
	}
	var c FileChunk
	copy(c.FileID[:], b[:FileIDSize])
	off := FileIDSize
	c.ChunkIndex = binary.BigEndian.Uint32(b[off:])
	off += 4
	chunkSize := binary.BigEndian.Uint32(b[off:])
	off += 4

	if chunkSize > MaxChunkSize {
		return FileChunk{}, errs.New(errs.ProtocolError, fmt.Sprintf("chunk size %d exceeds bound", chunkSize))
	}
	if off+int(chunkSize) != len(b) {
		return FileChunk{}, errs.New(errs.ProtocolError, "file_chunk size mismatch")
	}
	c.Data = bytes.Clone(b[off:])
	return c, nil
}
