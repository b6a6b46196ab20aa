// Package connmgr is the connection manager (spec §4.3): it accepts
// inbound sockets, dials outbound ones, tracks peers by device_id, routes
// parsed events to the right collaborator, and owns per-transfer receiver
// state.
package connmgr

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/localmesh/node/internal/directmsg"
	"github.com/localmesh/node/internal/discovery"
	"github.com/localmesh/node/internal/errs"
	"github.com/localmesh/node/internal/events"
	"github.com/localmesh/node/internal/group"
	"github.com/localmesh/node/internal/history"
	"github.com/localmesh/node/internal/identity"
	"github.com/localmesh/node/internal/logger"
	"github.com/localmesh/node/internal/metrics"
	"github.com/localmesh/node/internal/peer"
	"github.com/localmesh/node/internal/transfer"
	"github.com/localmesh/node/internal/wire"
)

var l = logger.DefaultLogger.NewFacility("connmgr", "accept/dial, peer index, dispatch")

// PeerInfo is the public view of one handshook peer.
type PeerInfo struct {
	DeviceID   string
	DeviceName string
	Platform   string
	RemoteAddr string
}

// Manager is the core's public contract (spec §4.3).
type Manager struct {
	self  identity.Identity
	store *history.Store

	dmsg  *directmsg.Service
	group *group.Engine
	xfer  *transfer.Manager

	peers   *xsync.MapOf[string, *peer.Peer]
	limiter *rate.Limiter
	bus     *events.Bus

	listener net.Listener
}

// Options configures optional ambient behavior.
type Options struct {
	// Limiter caps outbound file-transfer bandwidth when non-nil.
	Limiter *rate.Limiter
	Bus     *events.Bus
}

// New wires the manager and its collaborators together; self is this
// node's identity, store the durable history/group-state collaborator,
// receivedDir where completed incoming files are written.
func New(self identity.Identity, store *history.Store, receivedDir string, opts Options) (*Manager, error) {
	bus := opts.Bus
	if bus == nil {
		bus = events.Default
	}

	m := &Manager{
		self:    self,
		store:   store,
		peers:   xsync.NewMapOf[string, *peer.Peer](),
		limiter: opts.Limiter,
		bus:     bus,
	}

	m.dmsg = directmsg.New(self, store, m, directmsg.Callbacks{
		OnMessage: func(peerID string, env wire.Envelope) {
			bus.Log(events.MessageReceived, map[string]string{"peer_id": peerID})
		},
	})

	groupEngine, err := group.NewEngine(self.DeviceID, store, m, group.Callbacks{
		OnInvite: func(inv group.Invite) {
			bus.Log(events.GroupInvite, inv)
		},
		OnGroupMessage: func(groupID string, env wire.Envelope) {
			bus.Log(events.GroupMessage, map[string]string{"group_id": groupID})
		},
		OnMasterChanged: func(groupID, masterID string, epoch int64) {
			bus.Log(events.GroupMasterChanged, map[string]interface{}{"group_id": groupID, "master_id": masterID, "epoch": epoch})
		},
	})
	if err != nil {
		return nil, err
	}
	m.group = groupEngine

	xferMgr, err := transfer.NewManager(receivedDir, transfer.Callbacks{
		OnStarted: func(peerID string, fileID wire.FileID, filename string, size uint64) {
			bus.Log(events.TransferStarted, map[string]interface{}{"peer_id": peerID, "filename": filename, "size": size})
		},
		OnProgress: func(peerID string, fileID wire.FileID, sent, total uint64) {
			bus.Log(events.TransferProgress, map[string]interface{}{"peer_id": peerID, "sent": sent, "total": total})
		},
		OnReceived: func(peerID string, filename, path string) {
			bus.Log(events.TransferCompleted, map[string]string{"peer_id": peerID, "filename": filename, "path": path})
		},
		OnFailed: func(peerID string, fileID wire.FileID, reason error) {
			bus.Log(events.TransferFailed, map[string]string{"peer_id": peerID, "reason": reason.Error()})
		},
	})
	if err != nil {
		return nil, err
	}
	m.xfer = xferMgr

	return m, nil
}

// Connected implements directmsg.Transport and group.Transport.
func (m *Manager) Connected(deviceID string) bool {
	_, ok := m.peers.Load(deviceID)
	return ok
}

// Send implements directmsg.Transport and group.Transport.
func (m *Manager) Send(deviceID string, env wire.Envelope) error {
	p, ok := m.peers.Load(deviceID)
	if !ok {
		return errs.New(errs.NotConnected, "peer "+deviceID+" is not connected")
	}
	return p.SendEnvelope(env)
}

// Start begins accepting TCP connections on listenPort and subscribes to
// discoveryIn, dialing any discovered peer whose device_id is unknown.
func (m *Manager) Start(listenPort int, discoveryIn <-chan discovery.Discovered) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return errs.Wrap(errs.IoError, "listen", err)
	}
	m.listener = ln

	go m.acceptLoop(ln)
	if discoveryIn != nil {
		go m.consumeDiscoveries(discoveryIn)
	}
	return nil
}

// ListenAddr returns the address Start bound to, once Start has returned.
func (m *Manager) ListenAddr() net.Addr {
	return m.listener.Addr()
}

// Shutdown closes the listener, then every peer.
func (m *Manager) Shutdown() {
	if m.listener != nil {
		m.listener.Close()
	}
	m.peers.Range(func(_ string, p *peer.Peer) bool {
		p.Close()
		return true
	})
}

func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.Infoln("accept loop stopping:", err)
			return
		}
		metrics.ConnectionsAccepted.Inc()
		m.adopt(conn)
	}
}

func (m *Manager) consumeDiscoveries(in <-chan discovery.Discovered) {
	for d := range in {
		if m.Connected(d.DeviceID) {
			continue
		}
		m.bus.Log(events.DeviceDiscovered, d)
		if err := m.Connect(d.IP, d.TCPPort); err != nil {
			l.Debugln("dial discovered peer", d.DeviceID, "failed:", err)
		}
	}
}

// Connect dials ip:port and performs the handshake.
func (m *Manager) Connect(ip string, port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), 5*time.Second)
	if err != nil {
		return errs.Wrap(errs.IoError, "dial", err)
	}
	metrics.ConnectionsDialed.Inc()
	m.adopt(conn)
	return nil
}

func (m *Manager) adopt(conn net.Conn) {
	p := peer.New(conn, m.onEvent)
	go p.Run()

	env, err := wire.NewEnvelope("handshake", m.self.DeviceID, m.self.DeviceName, m.self.Platform, time.Now().Unix(), map[string]string{})
	if err != nil {
		l.Warnln("building handshake envelope:", err)
		p.Close()
		return
	}
	if err := p.SendEnvelope(env); err != nil {
		l.Debugln("sending handshake failed:", err)
	}
}

// Peers returns the current set of handshook peers.
func (m *Manager) Peers() []PeerInfo {
	var out []PeerInfo
	m.peers.Range(func(_ string, p *peer.Peer) bool {
		out = append(out, PeerInfo{
			DeviceID:   p.DeviceID,
			DeviceName: p.DeviceName,
			Platform:   p.Platform,
			RemoteAddr: p.RemoteAddr().String(),
		})
		return true
	})
	return out
}

// SendDirect appends to local history for peerID and transmits a message
// envelope.
func (m *Manager) SendDirect(peerID, text string) error {
	return m.dmsg.SendDirect(peerID, text)
}

// History returns the direct-message log kept for peerID.
func (m *Manager) History(peerID string) ([]wire.Envelope, error) {
	return m.dmsg.History(peerID)
}

// SendFile begins a file transfer to peerID; progress/completion/failure
// are reported through the event bus, not this call's return value.
func (m *Manager) SendFile(peerID, path string) error {
	p, ok := m.peers.Load(peerID)
	if !ok {
		return errs.New(errs.NotConnected, "peer "+peerID+" is not connected")
	}
	if _, err := os.Stat(path); err != nil {
		return errs.Wrap(errs.InvalidInput, "stat file", err)
	}

	sink := peerSink{p: p}
	progress := func(sent, total uint64) {
		m.bus.Log(events.TransferProgress, map[string]interface{}{"peer_id": peerID, "sent": sent, "total": total})
	}
	go func() {
		if err := transfer.Send(context.Background(), path, sink, m.limiter, progress); err != nil {
			l.Warnln("file send to", peerID, "failed:", err)
			m.bus.Log(events.TransferFailed, map[string]string{"peer_id": peerID, "reason": err.Error()})
			return
		}
		m.bus.Log(events.TransferCompleted, map[string]string{"peer_id": peerID, "path": path})
	}()
	return nil
}

func (m *Manager) CreateGroup(name string, initialMembers []string) (group.Record, error) {
	return m.group.CreateGroup(name, initialMembers)
}

func (m *Manager) Invite(groupID, peerID string) error {
	return m.group.Invite(groupID, peerID)
}

func (m *Manager) AcceptInvite(groupID string) error {
	return m.group.AcceptInvite(groupID)
}

func (m *Manager) SendGroup(groupID, text string) error {
	return m.group.SendGroupMessage(groupID, text)
}

func (m *Manager) GroupHistory(groupID string) ([]wire.Envelope, error) {
	return m.group.GroupHistory(groupID)
}

func (m *Manager) Groups() []group.Record {
	return m.group.Groups()
}

// peerSink adapts a peer connection to transfer.Sink.
type peerSink struct {
	p *peer.Peer
}

func (s peerSink) SendFileMeta(meta wire.FileMeta) error {
	b, err := wire.EncodeFileMeta(meta)
	if err != nil {
		return err
	}
	return s.p.SendRaw(b)
}

func (s peerSink) SendFileChunk(chunk wire.FileChunk) error {
	b, err := wire.EncodeFileChunk(chunk)
	if err != nil {
		return err
	}
	return s.p.SendRaw(b)
}

func (m *Manager) onEvent(p *peer.Peer, ev peer.Event) {
	switch ev.Kind {
	case peer.EventHandshake:
		if old, ok := m.peers.Load(p.DeviceID); ok && old != p {
			old.Close()
		}
		m.peers.Store(p.DeviceID, p)
		m.bus.Log(events.DeviceConnected, PeerInfo{DeviceID: p.DeviceID, DeviceName: p.DeviceName, Platform: p.Platform})

	case peer.EventJSON:
		m.dispatch(p, ev.Envelope)

	case peer.EventBinaryFileMeta:
		if err := m.xfer.OnFileMeta(p.DeviceID, ev.FileMeta); err != nil {
			l.Warnln("file_meta from", p.DeviceID, ":", err)
		}

	case peer.EventBinaryFileChunk:
		if err := m.xfer.OnFileChunk(p.DeviceID, ev.FileChunk); err != nil {
			l.Warnln("file_chunk from", p.DeviceID, ":", err)
		}

	case peer.EventClosed:
		metrics.ConnectionsClosed.WithLabelValues(ev.Reason.String()).Inc()
		if p.DeviceID == "" {
			if ev.Reason == peer.ReasonProtocol {
				m.bus.Log(events.DeviceRejected, map[string]string{"remote_addr": p.RemoteAddr().String()})
			}
			return
		}
		if cur, ok := m.peers.Load(p.DeviceID); ok && cur == p {
			m.peers.Delete(p.DeviceID)
			m.bus.Log(events.DeviceDisconnected, PeerInfo{DeviceID: p.DeviceID})
		}
		reason := ev.Err
		if reason == nil {
			reason = errs.New(errs.IoError, "peer "+ev.Reason.String())
		}
		m.xfer.ClosePeer(p.DeviceID, reason)
	}
}

func (m *Manager) dispatch(p *peer.Peer, env wire.Envelope) {
	metrics.EnvelopesDispatched.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case "message":
		if err := m.dmsg.HandleMessage(env); err != nil {
			l.Warnln("storing message from", p.DeviceID, ":", err)
		}
	case "group_invite":
		m.group.HandleInvite(env)
	case "group_join":
		m.group.HandleJoin(env)
	case "group_join_ack":
		m.group.HandleJoinAck(env)
	case "group_join_reject":
		m.group.HandleJoinReject(env)
	case "group_master":
		m.group.HandleGroupMaster(env)
	case "group_message":
		m.group.HandleGroupMessage(env)
	default:
		l.Warnln("dropping envelope of unknown type:", env.Type)
	}
}
