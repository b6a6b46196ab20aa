package transfer

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/localmesh/node/internal/errs"
	"github.com/localmesh/node/internal/metrics"
	"github.com/localmesh/node/internal/wire"
)

// Session tracks one in-progress incoming file, keyed by (peer, file_id).
type Session struct {
	PeerID       string
	FileID       wire.FileID
	Filename     string
	Path         string
	DeclaredSize uint64
	BytesWritten uint64
	Received     map[uint32]struct{}

	file *os.File
}

type sessionKey struct {
	peerID string
	fileID wire.FileID
}

// Callbacks notifies the application layer of transfer lifecycle events.
type Callbacks struct {
	OnStarted  func(peerID string, fileID wire.FileID, filename string, size uint64)
	OnProgress func(peerID string, fileID wire.FileID, bytesSent, total uint64)
	OnReceived func(peerID string, filename, path string)
	OnFailed   func(peerID string, fileID wire.FileID, reason error)
}

// Manager owns every in-progress receive session. Sessions are only ever
// touched from the owning peer's reader goroutine, so the lock here
// guards the session index itself, not the per-session I/O.
type Manager struct {
	dir string
	cb  Callbacks

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

func NewManager(receivedDir string, cb Callbacks) (*Manager, error) {
	if err := os.MkdirAll(receivedDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoError, "create received directory", err)
	}
	return &Manager{dir: receivedDir, cb: cb, sessions: make(map[sessionKey]*Session)}, nil
}

// OnFileMeta starts a fresh session for (peerID, meta.FileID), replacing
// any existing session for the same key and removing its partial file.
func (m *Manager) OnFileMeta(peerID string, meta wire.FileMeta) error {
	if meta.Compression != 0 {
		return errs.New(errs.ProtocolError, "non-zero compression flag not supported")
	}
	if meta.Size > wire.MaxFileSize {
		return errs.New(errs.ProtocolError, "declared file size exceeds bound")
	}

	key := sessionKey{peerID: peerID, fileID: meta.FileID}

	m.mu.Lock()
	if old, ok := m.sessions[key]; ok {
		old.file.Close()
		os.Remove(old.Path)
		delete(m.sessions, key)
		metrics.TransfersActive.Dec()
	}
	m.mu.Unlock()

	name := SanitizeFilename(meta.Filename, m.existsInDir)
	path := filepath.Join(m.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IoError, "create received file", err)
	}

	sess := &Session{
		PeerID:       peerID,
		FileID:       meta.FileID,
		Filename:     name,
		Path:         path,
		DeclaredSize: meta.Size,
		Received:     make(map[uint32]struct{}),
		file:         f,
	}

	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()

	metrics.TransfersActive.Inc()

	if m.cb.OnStarted != nil {
		m.cb.OnStarted(peerID, meta.FileID, name, meta.Size)
	}

	if meta.Size == 0 {
		return m.finish(key, sess)
	}
	return nil
}

func (m *Manager) existsInDir(name string) bool {
	_, err := os.Stat(filepath.Join(m.dir, name))
	return err == nil
}

// OnFileChunk appends a chunk's bytes to the matching session. An unknown
// file_id is dropped with a warning (spec §4.4), not an error, since the
// sender might be retransmitting after we've already finished or aborted.
func (m *Manager) OnFileChunk(peerID string, chunk wire.FileChunk) error {
	key := sessionKey{peerID: peerID, fileID: chunk.FileID}

	m.mu.Lock()
	sess, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		l.Warnln("dropping file_chunk for unknown session, peer", peerID)
		return nil
	}

	if sess.BytesWritten+uint64(len(chunk.Data)) > sess.DeclaredSize {
		m.abort(key, sess, errs.New(errs.ProtocolError, "received more bytes than declared size"))
		return errs.New(errs.ProtocolError, "chunk exceeds declared size")
	}

	if _, err := sess.file.Write(chunk.Data); err != nil {
		werr := errs.Wrap(errs.IoError, "write received chunk", err)
		m.abort(key, sess, werr)
		return werr
	}

	sess.BytesWritten += uint64(len(chunk.Data))
	sess.Received[chunk.ChunkIndex] = struct{}{}

	if m.cb.OnProgress != nil {
		m.cb.OnProgress(peerID, chunk.FileID, sess.BytesWritten, sess.DeclaredSize)
	}

	if sess.BytesWritten == sess.DeclaredSize {
		return m.finish(key, sess)
	}
	return nil
}

func (m *Manager) finish(key sessionKey, sess *Session) error {
	if err := sess.file.Close(); err != nil {
		return errs.Wrap(errs.IoError, "close received file", err)
	}
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	metrics.TransfersActive.Dec()

	if m.cb.OnReceived != nil {
		m.cb.OnReceived(sess.PeerID, sess.Filename, sess.Path)
	}
	return nil
}

func (m *Manager) abort(key sessionKey, sess *Session, reason error) {
	sess.file.Close()
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	metrics.TransfersActive.Dec()

	if m.cb.OnFailed != nil {
		m.cb.OnFailed(sess.PeerID, sess.FileID, reason)
	}
}

// ClosePeer aborts every session owned by peerID, e.g. on disconnect or a
// protocol violation; reason is surfaced verbatim through OnFailed so
// callers don't lose the real cause (e.g. a corrupted-chunk CRC failure)
// behind a generic "peer disconnected".
func (m *Manager) ClosePeer(peerID string, reason error) {
	m.mu.Lock()
	var toClose []sessionKey
	for k := range m.sessions {
		if k.peerID == peerID {
			toClose = append(toClose, k)
		}
	}
	m.mu.Unlock()

	for _, k := range toClose {
		m.mu.Lock()
		sess := m.sessions[k]
		m.mu.Unlock()
		if sess != nil {
			m.abort(k, sess, reason)
		}
	}
}
