package telemetry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestStateOrdinal(t *testing.T) {
	cases := map[string]float64{
		"Idle": 0, "Connect": 1, "Active": 2,
		"OpenSent": 3, "OpenConfirm": 4, "Established": 5,
		"bogus": -1,
	}
	for state, want := range cases {
		if got := stateOrdinal(state); got != want {
			t.Errorf("stateOrdinal(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestMessageTypeName(t *testing.T) {
	cases := map[uint8]string{
		1: "open", 2: "update", 3: "notification",
		4: "keepalive", 5: "route_refresh", 9: "operational",
		77: "unknown",
	}
	for typ, want := range cases {
		if got := messageTypeName(typ); got != want {
			t.Errorf("messageTypeName(%d) = %q, want %q", typ, got, want)
		}
	}
}

func TestCodeString(t *testing.T) {
	cases := map[uint8]string{0: "0", 4: "4", 10: "10", 66: "66"}
	for code, want := range cases {
		if got := codeString(code); got != want {
			t.Errorf("codeString(%d) = %q, want %q", code, got, want)
		}
	}
}

// recordingSink captures events for assertions.
type recordingSink struct {
	events chan Event
}

func (s *recordingSink) Record(_ context.Context, ev Event) error {
	s.events <- ev
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestCollector_DeliversToSinks(t *testing.T) {
	sink := &recordingSink{events: make(chan Event, 8)}
	c := NewCollector(zap.NewNop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	want := Event{Time: time.Now(), Kind: KindPeerState, Peer: "192.0.2.2:179", State: "Established"}
	Emit(c.Channel(), want)

	select {
	case got := <-sink.events:
		if got.Peer != want.Peer || got.State != want.State {
			t.Errorf("event mangled: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}

	if err := c.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestEmit_NeverBlocks(t *testing.T) {
	ch := make(chan Event, 1)
	Emit(ch, Event{Kind: KindMessage})
	// Channel now full: the second emit must drop, not block.
	done := make(chan struct{})
	go func() {
		Emit(ch, Event{Kind: KindMessage})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full channel")
	}
}
