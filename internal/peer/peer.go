// Package peer owns a single TCP socket to a remote device: one reader
// goroutine demultiplexing JSON envelopes from binary file frames, and a
// write path serialized by a per-peer mutex so frames are never torn by
// concurrent senders (spec §4.2).
package peer

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/localmesh/node/internal/errs"
	"github.com/localmesh/node/internal/logger"
	"github.com/localmesh/node/internal/syncutil"
	"github.com/localmesh/node/internal/wire"
)

var l = logger.DefaultLogger.NewFacility("peer", "per-connection socket owner")

// CloseReason classifies why a peer connection ended.
type CloseReason int

const (
	ReasonEOF CloseReason = iota
	ReasonIO
	ReasonProtocol
	ReasonLocal
)

func (r CloseReason) String() string {
	switch r {
	case ReasonEOF:
		return "eof"
	case ReasonIO:
		return "io"
	case ReasonProtocol:
		return "protocol"
	case ReasonLocal:
		return "local"
	default:
		return "unknown"
	}
}

// EventKind discriminates the events delivered to a Handler.
type EventKind int

const (
	EventHandshake EventKind = iota
	EventJSON
	EventBinaryFileMeta
	EventBinaryFileChunk
	EventClosed
)

// Event is the single upstream notification type a Peer emits. Exactly one
// of the payload fields is meaningful, selected by Kind.
type Event struct {
	Kind      EventKind
	Envelope  wire.Envelope
	FileMeta  wire.FileMeta
	FileChunk wire.FileChunk
	Reason    CloseReason
	Err       error
}

// Handler receives events from a Peer's read loop. Implementations must not
// block for long; the reader is stalled for the duration of the callback.
type Handler func(p *Peer, ev Event)

// Peer wraps one live connection. The first event delivered to Handler is
// always EventHandshake; any other frame arriving first is a protocol
// violation and closes the connection.
type Peer struct {
	conn   net.Conn
	handle Handler

	writeMu syncutil.Mutex

	closeOnce sync.Once
	closed    atomic.Bool

	DeviceID   string
	DeviceName string
	Platform   string
}

// New wraps conn; Run must be called (typically in its own goroutine) to
// start delivering events.
func New(conn net.Conn, handle Handler) *Peer {
	return &Peer{
		conn:    conn,
		handle:  handle,
		writeMu: syncutil.NewMutex(),
	}
}

// RemoteAddr returns the underlying connection's remote address.
func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// Run reads frames until the connection ends, dispatching each to the
// handler. The first frame must be a handshake-shaped JSON envelope
// (type == "handshake"). The connection manager starts Run and then sends
// its own handshake, on dialed and accepted connections alike.
func (p *Peer) Run() {
	first := true
	reason := ReasonEOF
	var closeErr error

	for {
		frame, err := wire.ReadFrame(p.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				reason = ReasonEOF
			} else if errors.Is(err, errs.Protocol) {
				reason = ReasonProtocol
			} else {
				reason = ReasonIO
			}
			closeErr = err
			break
		}

		if first {
			if frame.Kind != wire.KindJSON || frame.Envelope.Type != "handshake" {
				l.Warnln("first frame was not a handshake, closing peer")
				reason = ReasonProtocol
				closeErr = errs.New(errs.ProtocolError, "first frame was not a handshake")
				break
			}
			first = false
			p.DeviceID = frame.Envelope.DeviceID
			p.DeviceName = frame.Envelope.DeviceName
			p.Platform = frame.Envelope.Platform
			p.handle(p, Event{Kind: EventHandshake, Envelope: frame.Envelope})
			continue
		}

		switch frame.Kind {
		case wire.KindJSON:
			p.handle(p, Event{Kind: EventJSON, Envelope: frame.Envelope})
		case wire.KindFileMeta:
			p.handle(p, Event{Kind: EventBinaryFileMeta, FileMeta: frame.FileMeta})
		case wire.KindFileChunk:
			p.handle(p, Event{Kind: EventBinaryFileChunk, FileChunk: frame.FileChunk})
		}
	}

	p.closeInternal(reason, closeErr)
}

// SendEnvelope writes env as a whole frame under the write mutex.
func (p *Peer) SendEnvelope(env wire.Envelope) error {
	if p.closed.Load() {
		return errs.New(errs.NotConnected, "peer closed")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := wire.WriteEnvelope(p.conn, env); err != nil {
		go p.closeInternal(ReasonIO, err)
		return errs.Wrap(errs.IoError, "write envelope", err)
	}
	return nil
}

// SendRaw writes an already-encoded binary frame (file_meta or file_chunk)
// as a whole under the write mutex.
func (p *Peer) SendRaw(frame []byte) error {
	if p.closed.Load() {
		return errs.New(errs.NotConnected, "peer closed")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.conn.Write(frame); err != nil {
		go p.closeInternal(ReasonIO, err)
		return errs.Wrap(errs.IoError, "write binary frame", err)
	}
	return nil
}

// Close ends the connection. Safe to call repeatedly and from any
// goroutine; subsequent sends fail fast with NotConnected.
func (p *Peer) Close() {
	p.closeInternal(ReasonLocal, nil)
}

func (p *Peer) closeInternal(reason CloseReason, err error) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.conn.Close()
		p.handle(p, Event{Kind: EventClosed, Reason: reason, Err: err})
	})
}
