package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/message"
	"github.com/route-beacon/bgpd/internal/nlri"
	"github.com/route-beacon/bgpd/internal/peer"
)

func testPeerConfig() peer.Config {
	return peer.Config{
		RemoteAddress: "192.0.2.2",
		RemotePort:    179,
		LocalASN:      65000,
		RemoteASN:     65001,
		HoldTime:      90,
		Identifier:    [4]byte{192, 0, 2, 1},
		Families:      []afi.Family{afi.IPv4Unicast},
	}
}

func TestParseRouteCommand_Announce(t *testing.T) {
	c, err := parseRouteCommand("announce route 10.0.0.0/24 next-hop 192.0.2.1 med 50 local-preference 200 community [65000:1 65000:2] as-path [65001 65002]")
	require.NoError(t, err)
	require.NotNil(t, c.Attrs, "announce must carry attributes")
	assert.Equal(t, "10.0.0.0/24", c.NLRI.Key())
	assert.Equal(t, afi.IPv4Unicast, c.NLRI.Family())

	nh, ok := c.Attrs.Get(attr.CodeNextHop)
	require.True(t, ok, "next-hop missing")
	assert.Equal(t, "192.0.2.1", nh.(attr.NextHop).IP.String())

	med, ok := c.Attrs.Get(attr.CodeMED)
	require.True(t, ok, "med missing")
	assert.Equal(t, uint32(50), med.(attr.MED).Value)

	lp, ok := c.Attrs.Get(attr.CodeLocalPref)
	require.True(t, ok, "local-preference missing")
	assert.Equal(t, uint32(200), lp.(attr.LocalPref).Value)

	comm, ok := c.Attrs.Get(attr.CodeCommunity)
	require.True(t, ok, "community missing")
	assert.Equal(t, []uint32{65000<<16 | 1, 65000<<16 | 2}, comm.(attr.Community).Values)

	asp, ok := c.Attrs.Get(attr.CodeASPath)
	require.True(t, ok, "as-path missing")
	segs := asp.(attr.ASPath).Segments
	require.Len(t, segs, 1)
	assert.Equal(t, []uint32{65001, 65002}, segs[0].ASNs)
}

func TestParseRouteCommand_AnnounceV6(t *testing.T) {
	c, err := parseRouteCommand("announce route 2001:db8::/32 next-hop 2001:db8::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.NLRI.Family() != afi.IPv6Unicast {
		t.Errorf("family: %v", c.NLRI.Family())
	}
}

func TestParseRouteCommand_Withdraw(t *testing.T) {
	c, err := parseRouteCommand("withdraw route 10.0.0.0/24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Attrs != nil {
		t.Error("withdraw must carry no attributes")
	}
	if c.NLRI.Key() != "10.0.0.0/24" {
		t.Errorf("key: %q", c.NLRI.Key())
	}
}

func TestParseRouteCommand_Errors(t *testing.T) {
	cases := []string{
		"announce route",
		"announce route not-a-prefix next-hop 10.0.0.1",
		"announce route 10.0.0.0/24",                          // no next-hop
		"announce route 10.0.0.0/24 next-hop nope",
		"announce route 10.0.0.0/24 next-hop 10.0.0.1 med",    // missing value
		"announce route 10.0.0.0/24 next-hop 10.0.0.1 community [65000:1", // unterminated list
		"announce route 10.0.0.0/24 next-hop 10.0.0.1 frobnicate 1",
		"promote route 10.0.0.0/24",
	}
	for _, line := range cases {
		if _, err := parseRouteCommand(line); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}

func TestEndOfRIBFamily(t *testing.T) {
	if fam, ok := endOfRIBFamily(message.Update{}); !ok || fam != afi.IPv4Unicast {
		t.Errorf("bare empty UPDATE is the IPv4 EoR, got (%v,%v)", fam, ok)
	}

	generic := message.MPUnreachEndOfRIB(afi.IPv6Unicast)
	if fam, ok := endOfRIBFamily(generic); !ok || fam != afi.IPv6Unicast {
		t.Errorf("empty MP_UNREACH is that family's EoR, got (%v,%v)", fam, ok)
	}

	notEoR := message.Update{Attributes: attrsWithRoute(t)}
	if _, ok := endOfRIBFamily(notEoR); ok {
		t.Error("an UPDATE with real NLRI is not an EoR")
	}
}

func attrsWithRoute(t *testing.T) attr.Attributes {
	t.Helper()
	raw, err := nlri.EncodeOne(nlri.Entry{NLRI: nlri.IPPrefix{Fam: afi.IPv6Unicast, IP: make([]byte, 16), Bits: 0}}, false)
	if err != nil {
		t.Fatal(err)
	}
	return attr.Attributes{List: []attr.Attribute{attr.MPUnreachNLRI{Fam: afi.IPv6Unicast, RawNLRI: raw}}}
}

func TestSameNeighbor(t *testing.T) {
	base := testPeerConfig()
	if !sameNeighbor(base, testPeerConfig()) {
		t.Error("identical configs must compare equal")
	}
	changed := testPeerConfig()
	changed.RemoteASN = 65099
	if sameNeighbor(base, changed) {
		t.Error("a changed remote ASN is a material change")
	}
	moreFamilies := testPeerConfig()
	moreFamilies.Families = append(moreFamilies.Families, afi.IPv6Unicast)
	if sameNeighbor(base, moreFamilies) {
		t.Error("a changed family list is a material change")
	}
}
