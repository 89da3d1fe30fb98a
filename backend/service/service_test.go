package service

import (
	"slices"
	"sync"
	"testing"

	"github.com/adwski/signal-relay/backend/analytics"
	"github.com/adwski/signal-relay/backend/model"
	store "github.com/adwski/signal-relay/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type recordedEvent struct {
	kind   analytics.Kind
	userID model.UserID
	roomID string
}

type recordingSink struct {
	mx     sync.Mutex
	events []recordedEvent
}

func (r *recordingSink) Notify(kind analytics.Kind, userID model.UserID, roomID string) {
	r.mx.Lock()
	r.events = append(r.events, recordedEvent{kind, userID, roomID})
	r.mx.Unlock()
}

func (r *recordingSink) snapshot() []recordedEvent {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.events)
}

type harness struct {
	svc  *Service
	reg  *store.Registry
	sink *recordingSink
}

func newHarness() *harness {
	logger := zerolog.Nop()
	reg := store.NewRegistry(&logger)
	sink := &recordingSink{}
	return &harness{
		reg:  reg,
		sink: sink,
		svc: NewService(Config{
			Registry:   reg,
			Analytics:  sink,
			Logger:     &logger,
			JoinMarkup: DefaultJoinMarkup,
		}),
	}
}

type member struct {
	sess *Session
	wire model.Wire
}

func (h *harness) join(t *testing.T, roomID string, ident model.Identity, policy model.Policy, features model.Features) member {
	t.Helper()
	wire := model.NewWire(64)
	sess, dec, err := h.svc.Subscribe(ident, model.SubscribeParams{
		RoomID:   roomID,
		Policy:   policy,
		Features: features,
	}, wire)
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	if !dec.Accepted() || sess == nil {
		t.Fatalf("subscribe of %s rejected: %s", ident.UserID, dec.Reason)
	}
	return member{sess: sess, wire: wire}
}

func drain(wire model.Wire) []model.Message {
	var out []model.Message
	for {
		select {
		case msg := <-wire.TX:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func guest(id string) model.Identity {
	return model.Identity{UserID: model.UserID(id), Role: model.RoleGuest}
}

func host(id string) model.Identity {
	return model.Identity{UserID: model.UserID(id), Role: model.RoleHost}
}

func TestSubscribe_Rejections(t *testing.T) {
	h := newHarness()

	tests := []struct {
		name   string
		ident  model.Identity
		params model.SubscribeParams
		want   model.RejectReason
	}{
		{
			name:   "no identity",
			ident:  model.Identity{Role: model.RoleHost},
			params: model.SubscribeParams{RoomID: "r"},
			want:   model.RejectNoIdentity,
		},
		{
			name:   "no identity wins over blank room",
			ident:  model.Identity{},
			params: model.SubscribeParams{RoomID: ""},
			want:   model.RejectNoIdentity,
		},
		{
			name:   "blank room",
			ident:  guest("A"),
			params: model.SubscribeParams{RoomID: "   "},
			want:   model.RejectBadRoom,
		},
		{
			name:   "locked",
			ident:  guest("D"),
			params: model.SubscribeParams{RoomID: "r2", Policy: model.Policy{Locked: true}},
			want:   model.RejectLocked,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, dec, err := h.svc.Subscribe(tt.ident, tt.params, model.NewWire(1))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sess != nil {
				t.Fatal("rejected subscription returned a session")
			}
			if dec.Reason != tt.want {
				t.Fatalf("reason=%q, want %q", dec.Reason, tt.want)
			}
		})
	}
	if _, ok := h.reg.Get(""); ok {
		t.Fatal("blank room id reached registry")
	}
}

func TestScenario_CapacityRoom(t *testing.T) {
	h := newHarness()
	policy := model.Policy{MaxParticipants: 2}

	h.join(t, "r1", guest("A"), policy, model.Features{})
	h.join(t, "r1", guest("B"), policy, model.Features{})

	sess, dec, _ := h.svc.Subscribe(guest("C"), model.SubscribeParams{RoomID: "r1", Policy: policy}, model.NewWire(1))
	if sess != nil || dec.Reason != model.RejectFull {
		t.Fatalf("C: session=%v reason=%q, want full", sess, dec.Reason)
	}
	info, _ := h.reg.Room("r1")
	if !slices.Equal(info.Participants, []model.UserID{"A", "B"}) {
		t.Fatalf("members=%v", info.Participants)
	}
}

func TestScenario_LockedRoom(t *testing.T) {
	h := newHarness()
	policy := model.Policy{Locked: true}

	if sess, dec, _ := h.svc.Subscribe(guest("D"), model.SubscribeParams{RoomID: "r2", Policy: policy}, model.NewWire(1)); sess != nil || dec.Reason != model.RejectLocked {
		t.Fatalf("guest D: reason=%q", dec.Reason)
	}
	h.join(t, "r2", host("E"), policy, model.Features{})
}

func TestScenario_ScreenShare(t *testing.T) {
	h := newHarness()
	f := h.join(t, "r3", guest("F"), model.Policy{}, model.Features{})
	other := h.join(t, "r3", guest("O"), model.Policy{}, model.Features{})

	if f.sess.Signal(model.MessageTypeScreenShare, map[string]any{"action": "start"}) {
		t.Fatal("screen share relayed while disabled")
	}
	if msgs := drain(other.wire); len(msgs) != 0 {
		t.Fatalf("unexpected broadcast: %s", spew.Sdump(msgs))
	}

	h2 := newHarness()
	f2 := h2.join(t, "r3", guest("F"), model.Policy{}, model.Features{ScreenSharing: true})
	other2 := h2.join(t, "r3", guest("O"), model.Policy{}, model.Features{})
	if !f2.sess.Signal(model.MessageTypeScreenShare, map[string]any{"action": "start"}) {
		t.Fatal("screen share not relayed while enabled")
	}
	for _, m := range []member{f2, other2} {
		msgs := drain(m.wire)
		if len(msgs) != 1 {
			t.Fatalf("%s got %d messages, want 1", m.sess.UserID(), len(msgs))
		}
		sig, ok := msgs[0].(*model.SignalMessage)
		if !ok || sig.Type != model.MessageTypeScreenShare || sig.From != "F" {
			t.Fatalf("unexpected message: %s", spew.Sdump(msgs[0]))
		}
	}
}

func TestScenario_KickRequiresHost(t *testing.T) {
	h := newHarness()
	g := h.join(t, "mod", guest("G"), model.Policy{}, model.Features{})
	hh := h.join(t, "mod", host("HOST"), model.Policy{}, model.Features{})
	target := h.join(t, "mod", guest("H"), model.Policy{}, model.Features{})

	if g.sess.Moderate(model.MessageTypeKick, "H") {
		t.Fatal("guest kick relayed")
	}
	for _, m := range []member{g, hh, target} {
		if msgs := drain(m.wire); len(msgs) != 0 {
			t.Fatalf("%s got %s", m.sess.UserID(), spew.Sdump(msgs))
		}
	}

	if !hh.sess.Moderate(model.MessageTypeKick, "H") {
		t.Fatal("host kick not relayed")
	}
	for _, m := range []member{g, hh, target} {
		msgs := drain(m.wire)
		if len(msgs) != 1 {
			t.Fatalf("%s got %d messages, want 1", m.sess.UserID(), len(msgs))
		}
		kick, ok := msgs[0].(*model.ModerationMessage)
		if !ok || kick.Type != model.MessageTypeKick || kick.From != "HOST" || kick.Payload.UserID != "H" {
			t.Fatalf("unexpected message: %s", spew.Sdump(msgs[0]))
		}
	}

	// kick is advisory
	info, _ := h.reg.Room("mod")
	if !slices.Contains(info.Participants, "H") {
		t.Fatalf("kicked user removed from members: %v", info.Participants)
	}
}

func TestMuteUnmute(t *testing.T) {
	h := newHarness()
	hh := h.join(t, "mod", host("1"), model.Policy{}, model.Features{})

	hh.sess.Moderate(model.MessageTypeMute, float64(42))
	hh.sess.Moderate(model.MessageTypeUnmute, float64(42))

	msgs := drain(hh.wire)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for i, typ := range []string{model.MessageTypeMute, model.MessageTypeUnmute} {
		m, ok := msgs[i].(*model.ModerationMessage)
		if !ok || m.Type != typ || m.Payload.UserID != float64(42) {
			t.Fatalf("message %d: %s", i, spew.Sdump(msgs[i]))
		}
	}
}

func TestChat(t *testing.T) {
	h := newHarness()
	a := h.join(t, "chat", guest("A"), model.Policy{}, model.Features{})
	b := h.join(t, "chat", guest("B"), model.Policy{}, model.Features{})

	if !a.sess.Chat("Hello world!", nil) {
		t.Fatal("public chat not relayed")
	}
	if a.sess.Chat("psst", "B") {
		t.Fatal("private chat relayed while disabled")
	}
	msgs := drain(b.wire)
	if len(msgs) != 1 {
		t.Fatalf("B got %d messages, want 1", len(msgs))
	}
	chat, ok := msgs[0].(*model.ChatMessage)
	if !ok || chat.From != "A" || chat.Payload.Message != "Hello world!" || chat.Payload.To != nil {
		t.Fatalf("unexpected message: %s", spew.Sdump(msgs[0]))
	}
}

func TestChat_PrivateReachesWholeRoom(t *testing.T) {
	h := newHarness()
	a := h.join(t, "chat", guest("A"), model.Policy{}, model.Features{PrivateChat: true})
	b := h.join(t, "chat", guest("B"), model.Policy{}, model.Features{})
	c := h.join(t, "chat", guest("C"), model.Policy{}, model.Features{})

	if !a.sess.Chat("hi", "B") {
		t.Fatal("private chat not relayed while enabled")
	}
	for _, m := range []member{a, b, c} {
		msgs := drain(m.wire)
		if len(msgs) != 1 {
			t.Fatalf("%s got %d messages, want 1", m.sess.UserID(), len(msgs))
		}
		if chat := msgs[0].(*model.ChatMessage); chat.Payload.To != "B" {
			t.Fatalf("unexpected message: %s", spew.Sdump(chat))
		}
	}
}

func TestAnnounceJoin(t *testing.T) {
	h := newHarness()
	a := h.join(t, "presence", guest("10"), model.Policy{Topic: "Math Help", MaxParticipants: 5}, model.Features{})
	if a.sess.Announced() {
		t.Fatal("session announced before join_room")
	}

	if !a.sess.AnnounceJoin() || !a.sess.AnnounceJoin() {
		t.Fatal("announce failed")
	}
	msgs := drain(a.wire)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	join := msgs[0].(*model.JoinMessage)
	if join.From != "10" || join.Topic != "Math Help" || join.MaxParticipants != 5 ||
		join.TurboStream == "" || !slices.Equal(join.Participants, []model.UserID{"10"}) {
		t.Fatalf("unexpected join: %s", spew.Sdump(join))
	}

	events := h.sink.snapshot()
	want := recordedEvent{analytics.KindJoin, "10", "presence"}
	if len(events) != 2 || events[0] != want {
		t.Fatalf("analytics=%s", spew.Sdump(events))
	}
}

func TestLeave_ExactlyOnceUnderRace(t *testing.T) {
	h := newHarness()
	a := h.join(t, "r", guest("A"), model.Policy{}, model.Features{})
	b := h.join(t, "r", guest("B"), model.Policy{}, model.Features{})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.sess.Leave()
		}()
	}
	wg.Wait()

	msgs := drain(a.wire)
	if len(msgs) != 1 {
		t.Fatalf("A got %d messages, want exactly one leave: %s", len(msgs), spew.Sdump(msgs))
	}
	leave, ok := msgs[0].(*model.LeaveMessage)
	if !ok || leave.From != "B" || !slices.Equal(leave.Participants, []model.UserID{"A"}) {
		t.Fatalf("unexpected leave: %s", spew.Sdump(msgs[0]))
	}
	if b.sess.Active() {
		t.Fatal("session still active after leave")
	}
	select {
	case <-b.sess.Done():
	default:
		t.Fatal("done channel not closed")
	}

	var leaves int
	for _, ev := range h.sink.snapshot() {
		if ev.kind == analytics.KindLeave {
			leaves++
		}
	}
	if leaves != 1 {
		t.Fatalf("leave analytics=%d, want 1", leaves)
	}
}

func TestLeftSessionIsInert(t *testing.T) {
	h := newHarness()
	a := h.join(t, "r", guest("A"), model.Policy{}, model.Features{})
	b := h.join(t, "r", host("B"), model.Policy{}, model.Features{})
	b.sess.Leave()
	drain(a.wire)

	if b.sess.AnnounceJoin() || b.sess.Signal("offer", nil) || b.sess.Chat("x", nil) || b.sess.Moderate(model.MessageTypeKick, "A") {
		t.Fatal("left session still relays")
	}
	if msgs := drain(a.wire); len(msgs) != 0 {
		t.Fatalf("A got %s", spew.Sdump(msgs))
	}
	info, _ := h.reg.Room("r")
	if slices.Contains(info.Participants, "B") {
		t.Fatal("left session re-added itself")
	}
}

func TestRejectedNeverInParticipants(t *testing.T) {
	h := newHarness()
	a := h.join(t, "r", guest("A"), model.Policy{MaxParticipants: 1}, model.Features{})
	if sess, _, _ := h.svc.Subscribe(guest("Z"), model.SubscribeParams{RoomID: "r", Policy: model.Policy{MaxParticipants: 1}}, model.NewWire(1)); sess != nil {
		t.Fatal("Z accepted")
	}
	a.sess.AnnounceJoin()
	a.sess.Leave()

	b := h.join(t, "r", guest("B"), model.Policy{}, model.Features{})
	b.sess.AnnounceJoin()
	for _, msg := range drain(b.wire) {
		if join, ok := msg.(*model.JoinMessage); ok && slices.Contains(join.Participants, "Z") {
			t.Fatalf("rejected user in participants: %s", spew.Sdump(join))
		}
	}
}

func TestSubscribe_AfterSweepRecreatesRoom(t *testing.T) {
	h := newHarness()
	stale := h.reg.GetOrCreate("r")
	h.reg.Sweep()

	m := h.join(t, "r", guest("A"), model.Policy{}, model.Features{})
	if st, _ := h.reg.Get("r"); st == stale {
		t.Fatal("joined evicted room")
	}
	if m.sess.RoomID() != "r" {
		t.Fatalf("room=%q", m.sess.RoomID())
	}
}

func TestSlowSessionIsDroppedOnce(t *testing.T) {
	h := newHarness()
	slow := model.NewWire(1)
	sess, dec, err := h.svc.Subscribe(guest("A"), model.SubscribeParams{RoomID: "r"}, slow)
	if err != nil || !dec.Accepted() {
		t.Fatalf("subscribe: %v %v", dec, err)
	}
	b := h.join(t, "r", guest("B"), model.Policy{}, model.Features{})

	b.sess.Signal("offer", nil)
	b.sess.Signal("candidate", nil)

	select {
	case <-slow.Gone():
	default:
		t.Fatal("slow session was not cut off")
	}
	if sess.Signal("answer", nil) {
		t.Fatal("dropped session still relays")
	}

	// transport reacts to the cut wire
	if !sess.Leave() {
		t.Fatal("leave of dropped session failed")
	}
	if sess.Leave() {
		t.Fatal("second leave succeeded")
	}

	var leaves int
	for _, msg := range drain(b.wire) {
		if msg.MessageType() == model.MessageTypeLeave {
			leaves++
		}
	}
	if leaves != 1 {
		t.Fatalf("B saw %d leaves, want 1", leaves)
	}
	var events int
	for _, ev := range h.sink.snapshot() {
		if ev.kind == analytics.KindLeave && ev.userID == "A" {
			events++
		}
	}
	if events != 1 {
		t.Fatalf("leave events=%d, want 1", events)
	}
}
