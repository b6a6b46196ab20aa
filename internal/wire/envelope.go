// Package wire implements the hybrid JSON/binary frame codec that shares
// one TCP stream between small control envelopes and large file chunks:
// a 4-byte big-endian length prefix precedes either a JSON envelope or a
// CRC32-checked binary frame, and the stream is demultiplexed by the byte
// that follows the length prefix ('{' for JSON, 'B' for binary).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/localmesh/node/internal/errs"
)

const (
	// MaxJSONFrameLen bounds the length field of a JSON frame (spec: a
	// length of 0 or greater than 16 MiB fails).
	MaxJSONFrameLen = 16 * 1024 * 1024

	lengthPrefixSize = 4
)

// Envelope is the JSON control message carried by every non-binary frame.
type Envelope struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	Platform   string          `json:"platform"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into the envelope's Payload field.
func NewEnvelope(typ, deviceID, deviceName, platform string, timestamp int64, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errs.Wrap(errs.InvalidInput, "marshal payload", err)
	}
	return Envelope{
		Type:       typ,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Platform:   platform,
		Timestamp:  timestamp,
		Payload:    raw,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.Wrap(errs.ProtocolError, "decode payload", err)
	}
	return nil
}

// WriteEnvelope writes one length-prefixed JSON frame to w. The caller is
// responsible for serializing concurrent writes to the same w (the peer
// connection's write mutex does this).
func WriteEnvelope(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "marshal envelope", err)
	}
	if len(body) == 0 || len(body) > MaxJSONFrameLen {
		return errs.New(errs.InvalidInput, fmt.Sprintf("envelope size %d out of bounds", len(body)))
	}

	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	if _, err := w.Write(hdr[:]); err != nil {
		return errs.Wrap(errs.IoError, "write length prefix", err)
	}
	if _, err := w.Write(body); err != nil {
		return errs.Wrap(errs.IoError, "write envelope body", err)
	}
	return nil
}

// readEnvelopeBody reads exactly length bytes (the JSON body, whose first
// byte, '{', has already been consumed and is passed in as first) and
// unmarshals it into an Envelope.
func readEnvelopeBody(r io.Reader, length int, first byte) (Envelope, error) {
	if length <= 0 || length > MaxJSONFrameLen {
		return Envelope{}, errs.New(errs.ProtocolError, fmt.Sprintf("json frame length %d out of bounds", length))
	}

	body := make([]byte, length)
	body[0] = first
	if length > 1 {
		if _, err := io.ReadFull(r, body[1:]); err != nil {
			return Envelope{}, errs.Wrap(errs.IoError, "read envelope body", err)
		}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, errs.Wrap(errs.ProtocolError, "unmarshal envelope", err)
	}
	return env, nil
}
