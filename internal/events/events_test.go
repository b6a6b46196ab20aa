package events_test

import (
	"testing"
	"time"

	"github.com/localmesh/node/internal/events"
)

var timeout = 100 * time.Millisecond

func TestNewBus(t *testing.T) {
	b := events.NewBus()
	if b == nil {
		t.Fatal("Unexpected nil Bus")
	}
}

func TestSubscriber(t *testing.T) {
	b := events.NewBus()
	s := b.Subscribe(0)
	if s == nil {
		t.Fatal("Unexpected nil Subscription")
	}
}

func TestTimeout(t *testing.T) {
	b := events.NewBus()
	s := b.Subscribe(0)
	if _, err := s.Poll(timeout); err != events.ErrTimeout {
		t.Fatal("Unexpected non-Timeout error:", err)
	}
}

func TestEventBeforeSubscribe(t *testing.T) {
	b := events.NewBus()

	b.Log(events.DeviceConnected, "foo")
	s := b.Subscribe(0)

	if _, err := s.Poll(timeout); err != events.ErrTimeout {
		t.Fatal("Unexpected non-Timeout error:", err)
	}
}

func TestEventAfterSubscribe(t *testing.T) {
	b := events.NewBus()

	s := b.Subscribe(events.AllEvents)
	b.Log(events.DeviceConnected, "foo")

	ev, err := s.Poll(timeout)
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if ev.Type != events.DeviceConnected {
		t.Error("Incorrect event type", ev.Type)
	}
	if v, ok := ev.Data.(string); !ok || v != "foo" {
		t.Errorf("Incorrect Data %#v", ev.Data)
	}
}

func TestEventAfterSubscribeIgnoreMask(t *testing.T) {
	b := events.NewBus()

	s := b.Subscribe(events.DeviceDisconnected)
	b.Log(events.DeviceConnected, "foo")

	if _, err := s.Poll(timeout); err != events.ErrTimeout {
		t.Fatal("Unexpected non-Timeout error:", err)
	}
}

func TestBufferOverflow(t *testing.T) {
	b := events.NewBus()

	_ = b.Subscribe(events.AllEvents)

	t0 := time.Now()
	for i := 0; i < events.BufferSize*2; i++ {
		b.Log(events.DeviceConnected, "foo")
	}
	if time.Since(t0) > timeout {
		t.Fatalf("Logging took too long")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := events.NewBus()

	s := b.Subscribe(events.AllEvents)
	b.Log(events.DeviceConnected, "foo")

	if _, err := s.Poll(timeout); err != nil {
		t.Fatal("Unexpected error:", err)
	}

	b.Unsubscribe(s)
	b.Log(events.DeviceConnected, "foo")

	if _, err := s.Poll(timeout); err != events.ErrClosed {
		t.Fatal("Unexpected non-Closed error:", err)
	}
}

func TestIDs(t *testing.T) {
	b := events.NewBus()

	s := b.Subscribe(events.AllEvents)
	b.Log(events.DeviceConnected, "foo")
	b.Log(events.DeviceConnected, "bar")

	ev, err := s.Poll(timeout)
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if ev.Data.(string) != "foo" {
		t.Fatal("Incorrect event:", ev)
	}
	id := ev.ID

	ev, err = s.Poll(timeout)
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if ev.Data.(string) != "bar" {
		t.Fatal("Incorrect event:", ev)
	}
	if !(ev.ID > id) {
		t.Fatalf("ID not incremented (%d !> %d)", ev.ID, id)
	}
}
