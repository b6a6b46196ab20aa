package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/localmesh/node/internal/errs"
)

// Kind identifies which payload a decoded Frame carries.
type Kind int

const (
	KindJSON Kind = iota
	KindFileMeta
	KindFileChunk
)

// Frame is one decoded unit off the wire: exactly one of Envelope,
// FileMeta or FileChunk is populated, selected by Kind.
type Frame struct {
	Kind      Kind
	Envelope  Envelope
	FileMeta  FileMeta
	FileChunk FileChunk
}

// ReadFrame reads and demultiplexes the next frame from r. It always reads
// the 4-byte length prefix first, then one more byte to discriminate '{'
// (JSON) from 'B' (binary), per the design note that a MSG_PEEK-free
// implementation buffers the length then the discriminator rather than
// peeking the stream.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, errs.Wrap(errs.IoError, "read length prefix", err)
	}
	length := int(binary.BigEndian.Uint32(hdr[:]))

	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return Frame{}, errs.Wrap(errs.IoError, "read frame discriminator", err)
	}

	switch first[0] {
	case '{':
		env, err := readEnvelopeBody(r, length, first[0])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindJSON, Envelope: env}, nil

	case binMagic0:
		meta, chunk, typ, err := readBinaryFrame(r, length, first[0])
		if err != nil {
			return Frame{}, err
		}
		switch typ {
		case TypeFileMeta:
			return Frame{Kind: KindFileMeta, FileMeta: meta}, nil
		case TypeFileChunk:
			return Frame{Kind: KindFileChunk, FileChunk: chunk}, nil
		default:
			return Frame{}, errs.New(errs.ProtocolError, fmt.Sprintf("unknown binary frame type 0x%02x", typ))
		}

	default:
		return Frame{}, errs.New(errs.ProtocolError, fmt.Sprintf("unexpected frame discriminator 0x%02x", first[0]))
	}
}
