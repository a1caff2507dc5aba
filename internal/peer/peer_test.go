package peer

import (
	"net"
	"testing"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/capability"
	"github.com/route-beacon/bgpd/internal/message"
	"github.com/route-beacon/bgpd/internal/negotiate"
	"github.com/route-beacon/bgpd/internal/nlri"
	"github.com/route-beacon/bgpd/internal/rib"
)

func testConfig() Config {
	return Config{
		RemoteAddress: "192.0.2.2",
		RemotePort:    179,
		LocalASN:      4200000000,
		HoldTime:      90,
		Identifier:    [4]byte{192, 0, 2, 1},
		Families:      []afi.Family{afi.IPv4Unicast, afi.IPv6Unicast},
		RouteRefresh:  true,
	}
}

func TestBuildOpen_ASTrans(t *testing.T) {
	p := New(testConfig())
	open := p.BuildOpen()
	if open.MyASN != 23456 {
		t.Errorf("a 4-byte ASN must put AS_TRANS in the header, got %d", open.MyASN)
	}
	asn, ok := open.Params.ASN4Value()
	if !ok || asn != 4200000000 {
		t.Errorf("ASN4 capability must carry the real ASN, got %d", asn)
	}
	mp := open.Params.Multiprotocols()
	if !mp[afi.IPv4Unicast] || !mp[afi.IPv6Unicast] {
		t.Errorf("configured families must be advertised: %v", mp)
	}
	if !open.Params.Has(capability.CodeRouteRefresh) {
		t.Error("route-refresh capability missing")
	}
	if p.OpenSent == nil {
		t.Error("BuildOpen must record the sent OPEN")
	}
}

func TestBuildOpen_SmallASN(t *testing.T) {
	cfg := testConfig()
	cfg.LocalASN = 65000
	open := New(cfg).BuildOpen()
	if open.MyASN != 65000 {
		t.Errorf("a 2-byte ASN goes in the header unchanged, got %d", open.MyASN)
	}
}

func mandatoryAttrs() attr.Attributes {
	return attr.Attributes{List: []attr.Attribute{
		attr.Origin{Value: attr.OriginIGP},
		attr.ASPath{},
		attr.NextHop{IP: net.IPv4(192, 0, 2, 9)},
	}}
}

func v4(a, b, c, d byte, bits int, action nlri.Action) nlri.Entry {
	return nlri.Entry{
		NLRI:   nlri.IPPrefix{Fam: afi.IPv4Unicast, IP: net.IPv4(a, b, c, d).To4(), Bits: bits},
		Action: action,
	}
}

func TestExpandedChanges_V4Fields(t *testing.T) {
	p := New(testConfig())
	u := message.Update{
		Withdrawn:  []nlri.Entry{v4(10, 1, 0, 0, 16, nlri.Withdraw)},
		Attributes: mandatoryAttrs(),
		NLRI:       []nlri.Entry{v4(10, 0, 0, 0, 24, nlri.Announce)},
	}
	changes, err := p.ExpandedChanges(u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	var withdraws, announces int
	for _, c := range changes {
		if c.Attrs == nil {
			withdraws++
		} else {
			announces++
		}
	}
	if withdraws != 1 || announces != 1 {
		t.Errorf("withdraws=%d announces=%d", withdraws, announces)
	}
}

func TestExpandedChanges_MP(t *testing.T) {
	p := New(testConfig())
	p.Negotiated = &negotiate.Negotiated{
		FamiliesIn:  map[afi.Family]bool{afi.IPv6Unicast: true},
		FamiliesOut: map[afi.Family]bool{afi.IPv6Unicast: true},
	}
	v6 := nlri.IPPrefix{Fam: afi.IPv6Unicast, IP: net.ParseIP("2001:db8::").To16(), Bits: 32}
	raw, err := nlri.EncodeOne(nlri.Entry{NLRI: v6}, false)
	if err != nil {
		t.Fatal(err)
	}
	u := message.Update{Attributes: attr.Attributes{List: []attr.Attribute{
		attr.MPReachNLRI{Fam: afi.IPv6Unicast, NextHop: net.ParseIP("2001:db8::1").To16(), RawNLRI: raw},
	}}}
	changes, err := p.ExpandedChanges(u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].Attrs == nil {
		t.Fatalf("expected one MP announce, got %+v", changes)
	}
	if changes[0].NLRI.Key() != "2001:db8::/32" {
		t.Errorf("unexpected key %q", changes[0].NLRI.Key())
	}
}

func TestDowngradeToWithdraws(t *testing.T) {
	attrs := mandatoryAttrs()
	changes := []rib.Change{
		{NLRI: nlri.IPPrefix{Fam: afi.IPv4Unicast, IP: net.IPv4(10, 0, 0, 0).To4(), Bits: 24}, Attrs: &attrs},
	}
	down := DowngradeToWithdraws(changes)
	if down[0].Attrs != nil {
		t.Error("downgraded change must carry no attributes")
	}
	if down[0].NLRI.Key() != changes[0].NLRI.Key() {
		t.Error("downgrade must preserve the route key")
	}
}

func TestBuildUpdates_WithdrawsAndAnnounces(t *testing.T) {
	p := New(testConfig())
	p.Negotiated = &negotiate.Negotiated{
		FamiliesOut: map[afi.Family]bool{afi.IPv4Unicast: true, afi.IPv6Unicast: true},
	}
	attrs := mandatoryAttrs()

	v6 := nlri.IPPrefix{Fam: afi.IPv6Unicast, IP: net.ParseIP("2001:db8::").To16(), Bits: 32}
	batch := &rib.Batch{
		Withdraws: []rib.Change{
			{NLRI: nlri.IPPrefix{Fam: afi.IPv4Unicast, IP: net.IPv4(10, 1, 0, 0).To4(), Bits: 16}},
			{NLRI: v6},
		},
		Announces: []rib.Change{
			{NLRI: nlri.IPPrefix{Fam: afi.IPv4Unicast, IP: net.IPv4(10, 0, 0, 0).To4(), Bits: 24}, Attrs: &attrs},
		},
		Attrs: &attrs,
	}
	updates := p.BuildUpdates(batch)
	if len(updates) != 2 {
		t.Fatalf("expected a withdraw UPDATE then an announce UPDATE, got %d", len(updates))
	}

	w := updates[0]
	if len(w.Withdrawn) != 1 {
		t.Errorf("IPv4 withdraw belongs in the withdrawn field: %+v", w.Withdrawn)
	}
	mp, ok := w.Attributes.Get(attr.CodeMPUnreachNLRI)
	if !ok {
		t.Fatal("IPv6 withdraw belongs in MP_UNREACH_NLRI")
	}
	if mp.(attr.MPUnreachNLRI).Fam != afi.IPv6Unicast {
		t.Errorf("wrong MP_UNREACH family: %v", mp.(attr.MPUnreachNLRI).Fam)
	}

	a := updates[1]
	if len(a.NLRI) != 1 {
		t.Errorf("IPv4 announce belongs in the trailing NLRI: %+v", a.NLRI)
	}
	if _, hasNH := a.Attributes.Get(attr.CodeNextHop); !hasNH {
		t.Error("announce UPDATE must carry the batch attributes")
	}
}

func TestBuildUpdates_Empty(t *testing.T) {
	p := New(testConfig())
	if got := p.BuildUpdates(nil); got != nil {
		t.Errorf("nil batch must produce no updates, got %d", len(got))
	}
}

func TestTreatAsWithdrawFlag(t *testing.T) {
	u := message.Update{Attributes: attr.Attributes{Result: attr.TreatAsWithdraw}}
	if !TreatAsWithdraw(u) {
		t.Error("the soft-failure verdict must surface")
	}
	if TreatAsWithdraw(message.Update{}) {
		t.Error("a clean update is not treat-as-withdraw")
	}
}
