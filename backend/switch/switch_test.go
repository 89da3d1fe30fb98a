package _switch

import (
	"testing"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/rs/zerolog"
)

func TestSwitch_BroadcastIsolatesFullOutbox(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger, "room")

	full := model.NewWire(1)
	full.TX <- &model.SignalMessage{Type: "stale"}
	ok1, ok2 := model.NewWire(4), model.NewWire(4)
	sw.Connect("full", full)
	sw.Connect("a", ok1)
	sw.Connect("b", ok2)

	res := sw.Broadcast(&model.SignalMessage{Type: "offer", From: "a"})
	if res.Sent != 2 || res.Dropped != 1 {
		t.Fatalf("result=%+v, want sent=2 dropped=1", res)
	}
	if len(ok1.TX) != 1 || len(ok2.TX) != 1 {
		t.Fatalf("healthy endpoints got %d and %d messages, want 1", len(ok1.TX), len(ok2.TX))
	}
	if len(res.Overflowed) != 1 || res.Overflowed[0] != "full" {
		t.Fatalf("overflowed=%v, want [full]", res.Overflowed)
	}
	select {
	case <-full.Gone():
	default:
		t.Fatal("wire of overflowed endpoint is not cut")
	}
	if sw.Len() != 2 {
		t.Fatalf("len=%d, want 2", sw.Len())
	}

	// nothing reaches the overflowed endpoint afterwards, even with room in its outbox
	<-full.TX
	sw.Broadcast(&model.SignalMessage{Type: "candidate", From: "a"})
	if len(full.TX) != 0 {
		t.Fatal("overflowed endpoint still receives messages")
	}
}

func TestSwitch_Disconnect(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger, "room")
	wire := model.NewWire(1)
	sw.Connect("a", wire)

	if !sw.Disconnect("a") {
		t.Fatal("disconnect of connected endpoint returned false")
	}
	if sw.Disconnect("a") {
		t.Fatal("second disconnect returned true")
	}
	if res := sw.Broadcast(&model.SignalMessage{Type: "offer"}); res.Sent != 0 {
		t.Fatalf("sent=%d after disconnect", res.Sent)
	}
	if sw.Len() != 0 {
		t.Fatalf("len=%d, want 0", sw.Len())
	}
	select {
	case <-wire.Gone():
		t.Fatal("regular disconnect must not cut the wire")
	default:
	}
}
