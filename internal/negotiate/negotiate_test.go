package negotiate

import (
	"testing"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/capability"
	"github.com/route-beacon/bgpd/internal/message"
)

func open(asnHeader uint16, hold uint16, id [4]byte, caps ...capability.Capability) message.Open {
	set := capability.NewSet()
	for _, c := range caps {
		set.Add(c)
	}
	return message.Open{Version: 4, MyASN: asnHeader, HoldTime: hold, Identifier: id, Params: set}
}

func TestNegotiate_ASN4AddPath(t *testing.T) {
	localID := [4]byte{192, 0, 2, 1}
	remoteID := [4]byte{192, 0, 2, 2}

	local := open(23456, 180, localID,
		capability.ASN4{ASN: 4200000000},
		capability.Multiprotocol{Family: afi.IPv4Unicast},
		capability.RouteRefresh{},
		capability.AddPath{Entries: []capability.AddPathEntry{
			{Family: afi.IPv4Unicast, Direction: capability.AddPathSend | capability.AddPathReceive},
		}},
	)
	remote := open(23456, 90, remoteID,
		capability.ASN4{ASN: 4200000001},
		capability.Multiprotocol{Family: afi.IPv4Unicast},
		capability.AddPath{Entries: []capability.AddPathEntry{
			{Family: afi.IPv4Unicast, Direction: capability.AddPathReceive},
		}},
	)

	n, notif := Negotiate(local, remote, localID, remoteID)
	if notif != nil {
		t.Fatalf("unexpected notification (%d,%d)", notif.Code, notif.Subcode)
	}
	if n.LocalASN != 4200000000 || n.RemoteASN != 4200000001 {
		t.Errorf("ASNs: local=%d remote=%d", n.LocalASN, n.RemoteASN)
	}
	if n.HoldTime != 90 || n.KeepaliveTime != 30 {
		t.Errorf("hold=%d keepalive=%d", n.HoldTime, n.KeepaliveTime)
	}
	if !n.FamiliesIn[afi.IPv4Unicast] || !n.FamiliesOut[afi.IPv4Unicast] {
		t.Errorf("family intersection wrong: in=%v out=%v", n.FamiliesIn, n.FamiliesOut)
	}
	dir := n.AddPathFor(afi.IPv4Unicast)
	if !dir.Send {
		t.Error("we offered send, peer offered receive: send must be on")
	}
	if dir.Receive {
		t.Error("peer never offered to send: receive must be off")
	}
	if n.RouteRefresh {
		t.Error("remote never advertised route-refresh")
	}
}

func TestNegotiate_HoldTimeSymmetry(t *testing.T) {
	a := open(65000, 180, [4]byte{1, 1, 1, 1}, capability.Multiprotocol{Family: afi.IPv4Unicast})
	b := open(65001, 90, [4]byte{2, 2, 2, 2}, capability.Multiprotocol{Family: afi.IPv4Unicast})

	n1, notif := Negotiate(a, b, a.Identifier, b.Identifier)
	if notif != nil {
		t.Fatalf("unexpected notification: %+v", notif)
	}
	n2, notif := Negotiate(b, a, b.Identifier, a.Identifier)
	if notif != nil {
		t.Fatalf("unexpected notification: %+v", notif)
	}
	if n1.HoldTime != n2.HoldTime || n1.KeepaliveTime != n2.KeepaliveTime {
		t.Errorf("hold negotiation is not symmetric: %d vs %d", n1.HoldTime, n2.HoldTime)
	}
	if len(n1.FamiliesIn) != len(n2.FamiliesIn) {
		t.Error("family intersection is not symmetric")
	}
}

func TestNegotiate_HoldTimeZeroDisablesKeepalive(t *testing.T) {
	a := open(65000, 0, [4]byte{1, 1, 1, 1})
	b := open(65001, 90, [4]byte{2, 2, 2, 2})
	n, notif := Negotiate(a, b, a.Identifier, b.Identifier)
	if notif != nil {
		t.Fatalf("unexpected notification: %+v", notif)
	}
	if n.HoldTime != 0 || n.KeepaliveTime != 0 {
		t.Errorf("hold=0 must disable keepalive, got hold=%d keepalive=%d", n.HoldTime, n.KeepaliveTime)
	}
}

func TestNegotiate_Errors(t *testing.T) {
	good := open(65000, 90, [4]byte{1, 1, 1, 1})

	badVersion := open(65001, 90, [4]byte{2, 2, 2, 2})
	badVersion.Version = 3
	if _, notif := Negotiate(good, badVersion, good.Identifier, badVersion.Identifier); notif == nil || notif.Code != 1 || notif.Subcode != 1 {
		t.Errorf("unsupported version: expected (1,1), got %+v", notif)
	}

	badHold := open(65001, 2, [4]byte{2, 2, 2, 2})
	if _, notif := Negotiate(good, badHold, good.Identifier, badHold.Identifier); notif == nil || notif.Code != 2 || notif.Subcode != 6 {
		t.Errorf("hold-time 2: expected (2,6), got %+v", notif)
	}

	collide := open(65001, 90, [4]byte{1, 1, 1, 1})
	if _, notif := Negotiate(good, collide, good.Identifier, collide.Identifier); notif == nil || notif.Code != 2 || notif.Subcode != 3 {
		t.Errorf("identifier collision: expected (2,3), got %+v", notif)
	}
}

func TestNegotiate_DefaultsToIPv4UnicastWithoutMP(t *testing.T) {
	a := open(65000, 90, [4]byte{1, 1, 1, 1})
	b := open(65001, 90, [4]byte{2, 2, 2, 2})
	n, notif := Negotiate(a, b, a.Identifier, b.Identifier)
	if notif != nil {
		t.Fatalf("unexpected notification: %+v", notif)
	}
	if !n.FamiliesIn[afi.IPv4Unicast] {
		t.Error("a session without MP capabilities still speaks IPv4 unicast")
	}
}

func TestNegotiate_ExtendedMessageRequiresBoth(t *testing.T) {
	a := open(65000, 90, [4]byte{1, 1, 1, 1}, capability.ExtendedMessage{})
	b := open(65001, 90, [4]byte{2, 2, 2, 2})
	n, _ := Negotiate(a, b, a.Identifier, b.Identifier)
	if n.ExtendedMessage {
		t.Error("extended-message must require both sides")
	}
	b2 := open(65001, 90, [4]byte{2, 2, 2, 2}, capability.ExtendedMessage{})
	n2, _ := Negotiate(a, b2, a.Identifier, b2.Identifier)
	if !n2.ExtendedMessage {
		t.Error("extended-message should be on when both advertise")
	}
}
