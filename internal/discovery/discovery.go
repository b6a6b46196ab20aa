// Package discovery implements the UDP broadcast discovery collaborator
// (spec §6): a periodic JSON broadcast of this node's identity and TCP
// listen port to 255.255.255.255:50000, answered point-to-point by any
// listening peer, producing a stream of Discovered records for the
// connection manager to dial.
//
// This is treated as an external collaborator by the core engine — it owns
// its own blocking UDP loops and is wired in only through the channel
// Discoverer.Events returns.
package discovery

import (
	"encoding/json"
	"net"
	"time"

	"github.com/localmesh/node/internal/identity"
	"github.com/localmesh/node/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("discovery", "LAN UDP broadcast discovery")

const (
	// Port is the well-known UDP discovery port (spec §6).
	Port = 50000

	broadcastInterval = 3 * time.Second

	requestType  = "discovery_request"
	responseType = "discovery_response"
)

type packet struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
	IP         string `json:"ip"`
	TCPPort    int    `json:"tcp_port"`
	Timestamp  int64  `json:"timestamp"`
}

// Discovered is one sighting of a remote node.
type Discovered struct {
	DeviceID   string
	IP         string
	TCPPort    int
	Name       string
	Platform   string
}

// Discoverer owns the broadcast/listen UDP socket and the identity it
// announces; Run runs until its stop channel is closed.
type Discoverer struct {
	id      identity.Identity
	tcpPort int
	udpPort int
	events  chan Discovered
}

// New builds a Discoverer that announces tcpPort as this node's TCP
// listen port. udpPort is the discovery broadcast/listen port; pass 0 to
// use the well-known Port constant.
func New(id identity.Identity, tcpPort, udpPort int) *Discoverer {
	if udpPort == 0 {
		udpPort = Port
	}
	return &Discoverer{
		id:      id,
		tcpPort: tcpPort,
		udpPort: udpPort,
		events:  make(chan Discovered, 64),
	}
}

// Events returns the stream of peers discovered on the LAN. cmd/lanmsgd
// forwards it into the channel passed to the connection manager's Start.
func (d *Discoverer) Events() <-chan Discovered {
	return d.events
}

// Run listens for and answers discovery traffic, and periodically
// broadcasts this node's own presence, until stop is closed.
func (d *Discoverer) Run(stop <-chan struct{}) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.udpPort})
	if err != nil {
		return err
	}
	defer conn.Close()

	go d.broadcastLoop(conn, stop)

	buf := make([]byte, 65536)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		select {
		case <-stop:
			return nil
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		d.handlePacket(conn, buf[:n], addr)
	}
}

func (d *Discoverer) handlePacket(conn *net.UDPConn, raw []byte, addr *net.UDPAddr) {
	var p packet
	if err := json.Unmarshal(raw, &p); err != nil {
		l.Debugln("malformed discovery packet from", addr, ":", err)
		return
	}

	switch p.Type {
	case requestType:
		if p.DeviceID == d.id.DeviceID {
			return
		}
		select {
		case d.events <- Discovered{DeviceID: p.DeviceID, IP: addr.IP.String(), TCPPort: p.TCPPort, Name: p.DeviceName, Platform: p.Platform}:
		default:
			l.Debugln("dropping discovery event, channel full")
		}
		d.respond(conn, addr)

	case responseType:
		select {
		case d.events <- Discovered{DeviceID: p.DeviceID, IP: addr.IP.String(), TCPPort: p.TCPPort, Name: p.DeviceName, Platform: p.Platform}:
		default:
			l.Debugln("dropping discovery event, channel full")
		}

	default:
		l.Debugln("ignoring unknown discovery packet type:", p.Type)
	}
}

func (d *Discoverer) respond(conn *net.UDPConn, to *net.UDPAddr) {
	p := d.selfPacket(responseType)
	b, err := json.Marshal(p)
	if err != nil {
		l.Warnln("marshal discovery_response:", err)
		return
	}
	if _, err := conn.WriteToUDP(b, to); err != nil {
		l.Debugln("send discovery_response:", err)
	}
}

func (d *Discoverer) broadcastLoop(conn *net.UDPConn, stop <-chan struct{}) {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.udpPort}
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		p := d.selfPacket(requestType)
		if b, err := json.Marshal(p); err == nil {
			if _, err := conn.WriteToUDP(b, dst); err != nil {
				l.Debugln("broadcast discovery_request:", err)
			}
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (d *Discoverer) selfPacket(typ string) packet {
	return packet{
		Type:       typ,
		DeviceID:   d.id.DeviceID,
		DeviceName: d.id.DeviceName,
		Platform:   d.id.Platform,
		TCPPort:    d.tcpPort,
		Timestamp:  time.Now().Unix(),
	}
}
