package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/localmesh/node/internal/identity"
)

func TestSelfPacketFields(t *testing.T) {
	id := identity.Identity{DeviceID: "dev-a", DeviceName: "Alice's PC", Platform: identity.PlatformPC}
	d := New(id, 9000, 0)

	p := d.selfPacket(requestType)
	if p.Type != requestType || p.DeviceID != "dev-a" || p.TCPPort != 9000 {
		t.Fatalf("unexpected self packet: %+v", p)
	}
}

func TestHandlePacketIgnoresSelf(t *testing.T) {
	id := identity.Identity{DeviceID: "dev-a", DeviceName: "Alice's PC", Platform: identity.PlatformPC}
	d := New(id, 9000, 0)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Skipf("no udp available in sandbox: %v", err)
	}
	defer conn.Close()

	raw, _ := json.Marshal(packet{Type: requestType, DeviceID: "dev-a", TCPPort: 1234})
	d.handlePacket(conn, raw, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})

	select {
	case ev := <-d.events:
		t.Fatalf("expected no event for self-announcement, got %+v", ev)
	default:
	}
}

func TestHandlePacketPublishesRemoteRequest(t *testing.T) {
	id := identity.Identity{DeviceID: "dev-a", DeviceName: "Alice's PC", Platform: identity.PlatformPC}
	d := New(id, 9000, 0)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Skipf("no udp available in sandbox: %v", err)
	}
	defer conn.Close()

	raw, _ := json.Marshal(packet{Type: requestType, DeviceID: "dev-b", DeviceName: "Bob", Platform: "pc", TCPPort: 4321})
	d.handlePacket(conn, raw, &net.UDPAddr{IP: net.IPv4(192, 168, 1, 2), Port: Port})

	select {
	case ev := <-d.events:
		if ev.DeviceID != "dev-b" || ev.TCPPort != 4321 || ev.IP != "192.168.1.2" {
			t.Fatalf("unexpected discovered record: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Discovered event")
	}
}

func TestHandlePacketIgnoresMalformed(t *testing.T) {
	id := identity.Identity{DeviceID: "dev-a"}
	d := New(id, 9000, 0)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Skipf("no udp available in sandbox: %v", err)
	}
	defer conn.Close()

	d.handlePacket(conn, []byte("not json"), &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1})

	select {
	case ev := <-d.events:
		t.Fatalf("expected no event for malformed packet, got %+v", ev)
	default:
	}
}
