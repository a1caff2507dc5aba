package fsm

import "testing"

func step(t *testing.T, f *FSM, kind EventKind, want State) Outcome {
	t.Helper()
	o := f.Step(Event{Kind: kind})
	if f.State() != want {
		t.Fatalf("after %d: expected state %s, got %s", kind, want, f.State())
	}
	return o
}

func TestEstablishmentSequence_Active(t *testing.T) {
	f := New(false)
	if f.State() != Idle {
		t.Fatalf("initial state must be Idle, got %s", f.State())
	}

	o := step(t, f, EventAdminEnable, Connect)
	if !o.Connect || !o.StartConnectRetry {
		t.Errorf("enable must start an outbound connect: %+v", o)
	}

	o = step(t, f, EventTCPConnectionConfirmed, OpenSent)
	if !o.SendOpen || !o.ArmOpenSentTimer {
		t.Errorf("TCP up must send OPEN and arm the OpenSent hold: %+v", o)
	}

	o = step(t, f, EventOpenReceived, OpenConfirm)
	if !o.SendKeepalive {
		t.Errorf("peer OPEN must trigger our first KEEPALIVE: %+v", o)
	}

	o = step(t, f, EventKeepaliveReceived, Established)
	if !o.ResetHoldTimer || !o.ArmKeepaliveTimer {
		t.Errorf("establishment must arm timers: %+v", o)
	}
}

func TestEstablishmentSequence_Passive(t *testing.T) {
	f := New(true)
	step(t, f, EventAdminEnable, Active)
	o := step(t, f, EventIncomingConnection, OpenSent)
	if !o.SendOpen {
		t.Errorf("incoming connection must send OPEN: %+v", o)
	}
	step(t, f, EventOpenReceived, OpenConfirm)
	step(t, f, EventAnyMessageAfterOurKeepalive, Established)
}

func TestHoldTimerExpiry(t *testing.T) {
	f := New(false)
	step(t, f, EventAdminEnable, Connect)
	step(t, f, EventTCPConnectionConfirmed, OpenSent)
	step(t, f, EventOpenReceived, OpenConfirm)
	step(t, f, EventKeepaliveReceived, Established)

	o := step(t, f, EventHoldTimerExpired, Idle)
	if o.SendNotification == nil || o.SendNotification.Code != 4 || o.SendNotification.Subcode != 0 {
		t.Fatalf("hold expiry must send (4,0), got %+v", o.SendNotification)
	}
	if !o.CloseConnection {
		t.Error("hold expiry must close the connection")
	}
	if !o.StartConnectRetry {
		t.Error("hold expiry must arm connect-retry")
	}
}

func TestKeepaliveTickInEstablished(t *testing.T) {
	f := New(false)
	step(t, f, EventAdminEnable, Connect)
	step(t, f, EventTCPConnectionConfirmed, OpenSent)
	step(t, f, EventOpenReceived, OpenConfirm)
	step(t, f, EventKeepaliveReceived, Established)

	o := step(t, f, EventKeepaliveTimerExpired, Established)
	if !o.SendKeepalive {
		t.Error("keepalive tick must send KEEPALIVE")
	}
	o = step(t, f, EventKeepaliveReceived, Established)
	if !o.ResetHoldTimer {
		t.Error("received keepalive must reset the hold timer")
	}
}

func TestNotificationTearsDown(t *testing.T) {
	f := New(false)
	step(t, f, EventAdminEnable, Connect)
	step(t, f, EventTCPConnectionConfirmed, OpenSent)
	step(t, f, EventOpenReceived, OpenConfirm)
	step(t, f, EventKeepaliveReceived, Established)

	o := step(t, f, EventNotificationReceived, Idle)
	if !o.CloseConnection || !o.StartConnectRetry {
		t.Errorf("notification must close and back off: %+v", o)
	}
}

func TestOpenSentTimeout(t *testing.T) {
	f := New(false)
	step(t, f, EventAdminEnable, Connect)
	step(t, f, EventTCPConnectionConfirmed, OpenSent)
	o := step(t, f, EventOpenSentTimerExpired, Idle)
	if o.SendNotification == nil || o.SendNotification.Code != 4 {
		t.Errorf("waiting too long for the peer OPEN is a hold expiry: %+v", o.SendNotification)
	}
}

func TestTCPFailureFromConnectGoesActive(t *testing.T) {
	f := New(false)
	step(t, f, EventAdminEnable, Connect)
	step(t, f, EventTCPConnectionFails, Active)
	o := step(t, f, EventConnectRetryExpired, Connect)
	if !o.Connect {
		t.Error("retry from Active must dial again")
	}
}

func TestAdminDisableSendsCease(t *testing.T) {
	f := New(false)
	step(t, f, EventAdminEnable, Connect)
	step(t, f, EventTCPConnectionConfirmed, OpenSent)
	step(t, f, EventOpenReceived, OpenConfirm)
	step(t, f, EventKeepaliveReceived, Established)

	o := step(t, f, EventAdminDisable, Idle)
	if o.SendNotification == nil || o.SendNotification.Code != 6 || o.SendNotification.Subcode != 0 {
		t.Errorf("admin teardown must send cease (6,0), got %+v", o.SendNotification)
	}
	if !o.StopConnectRetry {
		t.Error("admin teardown must not re-dial")
	}
}

func TestUnhandledEventIsNoOp(t *testing.T) {
	f := New(false)
	o := f.Step(Event{Kind: EventKeepaliveReceived})
	if o != (Outcome{}) || f.State() != Idle {
		t.Error("an event with no transition defined must leave the FSM unchanged")
	}
}

func TestResolveCollision(t *testing.T) {
	hi := [4]byte{192, 0, 2, 2}
	lo := [4]byte{192, 0, 2, 1}

	// We have the higher identifier: the connection we initiated wins.
	if !ResolveCollision(hi, lo, true) {
		t.Error("higher local id, we initiated: keep")
	}
	if ResolveCollision(hi, lo, false) {
		t.Error("higher local id, peer initiated: drop")
	}
	// Peer has the higher identifier: their connection wins.
	if ResolveCollision(lo, hi, true) {
		t.Error("higher remote id, we initiated: drop")
	}
	if !ResolveCollision(lo, hi, false) {
		t.Error("higher remote id, peer initiated: keep")
	}
	// Exact tie: deterministic local rule, keep our own dial.
	if !ResolveCollision(hi, hi, true) || ResolveCollision(hi, hi, false) {
		t.Error("tie must deterministically prefer the locally initiated connection")
	}
}
