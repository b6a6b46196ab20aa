package connmgr

import (
	"net"
	"testing"
	"time"

	"github.com/localmesh/node/internal/history"
	"github.com/localmesh/node/internal/identity"
)

func newTestManager(t *testing.T, deviceID string) *Manager {
	t.Helper()
	store, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	self := identity.Identity{DeviceID: deviceID, DeviceName: deviceID, Platform: "pc"}
	m, err := New(self, store, t.TempDir(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(0, nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func waitForPeer(t *testing.T, m *Manager, deviceID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Connected(deviceID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to connect", deviceID)
}

func dial(t *testing.T, from, to *Manager) {
	t.Helper()
	addr := to.ListenAddr().(*net.TCPAddr)
	if err := from.Connect("127.0.0.1", addr.Port); err != nil {
		t.Fatal(err)
	}
}

func TestDirectChatEndToEnd(t *testing.T) {
	a := newTestManager(t, "a")
	b := newTestManager(t, "b")

	dial(t, a, b)
	waitForPeer(t, a, "b")
	waitForPeer(t, b, "a")

	if err := a.SendDirect("b", "hi"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, _ := b.History("a")
		if len(recs) == 1 {
			var p struct{ Text string }
			recs[0].DecodePayload(&p)
			if p.Text != "hi" {
				t.Fatalf("unexpected text: %q", p.Text)
			}
			aRecs, _ := a.History("b")
			if len(aRecs) != 1 {
				t.Fatalf("expected sender history to have one record too, got %d", len(aRecs))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for direct message to arrive")
}

func TestTwoSimultaneousConnectionsReplaceOlder(t *testing.T) {
	a := newTestManager(t, "a")
	b := newTestManager(t, "b")

	dial(t, a, b)
	waitForPeer(t, a, "b")

	dial(t, a, b)
	waitForPeer(t, a, "b")

	if len(a.Peers()) != 1 {
		t.Fatalf("expected exactly one peer record for device b, got %d", len(a.Peers()))
	}
}

func TestGroupRelayThroughMaster(t *testing.T) {
	a := newTestManager(t, "a")
	b := newTestManager(t, "b")
	c := newTestManager(t, "c")

	dial(t, b, a)
	dial(t, c, a)
	waitForPeer(t, a, "b")
	waitForPeer(t, a, "c")
	waitForPeer(t, b, "a")
	waitForPeer(t, c, "a")

	rec, err := a.CreateGroup("chat", []string{"b", "c"})
	if err != nil {
		t.Fatal(err)
	}

	// Let b and c learn about the group via group_master before sending.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Groups()) == 1 && len(c.Groups()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.SendGroup(rec.GroupID, "hello"); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		aHist, _ := a.GroupHistory(rec.GroupID)
		bHistG, _ := b.GroupHistory(rec.GroupID)
		cHist, _ := c.GroupHistory(rec.GroupID)
		if len(aHist) == 1 && len(bHistG) == 1 && len(cHist) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for group message to converge across all three members")
}

func TestSendDirectToUnknownPeerFailsWithNotConnected(t *testing.T) {
	a := newTestManager(t, "a")
	if err := a.SendDirect("nobody", "hi"); err == nil {
		t.Fatal("expected error for unconnected peer")
	}
}
