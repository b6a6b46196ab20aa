// Package directmsg implements 1:1 text messaging (spec §4.5): send and
// receive both append to the local history log independently, and the
// sender also transmits a message envelope to the peer.
package directmsg

import (
	"time"

	"github.com/localmesh/node/internal/errs"
	"github.com/localmesh/node/internal/history"
	"github.com/localmesh/node/internal/identity"
	"github.com/localmesh/node/internal/wire"
)

// Transport is the narrow connectivity view this package needs from the
// connection manager.
type Transport interface {
	Connected(deviceID string) bool
	Send(deviceID string, env wire.Envelope) error
}

// Callbacks notifies the UI layer of newly stored messages.
type Callbacks struct {
	OnMessage func(peerID string, env wire.Envelope)
}

// Service glues the wire protocol's message envelope to the history
// collaborator on both the send and receive paths.
type Service struct {
	self      identity.Identity
	store     *history.Store
	transport Transport
	cb        Callbacks
}

func New(self identity.Identity, store *history.Store, transport Transport, cb Callbacks) *Service {
	return &Service{self: self, store: store, transport: transport, cb: cb}
}

// SendDirect appends to the caller's own history for peerID and transmits
// a message envelope, unless peerID is this node's own device_id: a
// self-directed message is recorded exactly once (not once per role) and
// delivered to the UI inline, since looping it back through the network
// layer would otherwise double-record it (spec §9 open question).
func (s *Service) SendDirect(peerID, text string) error {
	env, err := wire.NewEnvelope("message", s.self.DeviceID, s.self.DeviceName, s.self.Platform, time.Now().Unix(), map[string]string{"text": text})
	if err != nil {
		return err
	}

	if peerID == s.self.DeviceID {
		if err := s.store.AppendDirect(peerID, env); err != nil {
			return err
		}
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(peerID, env)
		}
		return nil
	}

	if !s.transport.Connected(peerID) {
		return errs.New(errs.NotConnected, "peer "+peerID+" is not connected")
	}

	if err := s.store.AppendDirect(peerID, env); err != nil {
		return err
	}
	return s.transport.Send(peerID, env)
}

// HandleMessage is called by the connection manager on an incoming
// `message` envelope; it appends to history under the sender's key and
// notifies the UI.
func (s *Service) HandleMessage(env wire.Envelope) error {
	if err := s.store.AppendDirect(env.DeviceID, env); err != nil {
		return err
	}
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(env.DeviceID, env)
	}
	return nil
}

// History returns every message ever exchanged with peerID, in order.
func (s *Service) History(peerID string) ([]wire.Envelope, error) {
	return s.store.ReadDirect(peerID)
}
