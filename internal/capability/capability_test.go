package capability

import (
	"bytes"
	"testing"

	"github.com/route-beacon/bgpd/internal/afi"
)

func TestDecode_RoundTrip(t *testing.T) {
	in := NewSet()
	in.Add(Multiprotocol{Family: afi.IPv4Unicast})
	in.Add(Multiprotocol{Family: afi.IPv6Unicast})
	in.Add(RouteRefresh{})
	in.Add(ASN4{ASN: 4200000000})
	in.Add(AddPath{Entries: []AddPathEntry{
		{Family: afi.IPv4Unicast, Direction: AddPathSend | AddPathReceive},
	}})
	in.Add(GracefulRestart{
		RestartFlag: true,
		RestartTime: 120,
		Families:    []GracefulRestartFamily{{Family: afi.IPv4Unicast, ForwardingPreserved: true}},
	})

	encoded := Encode(in)
	out, err := Decode(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mp := out.Multiprotocols()
	if !mp[afi.IPv4Unicast] || !mp[afi.IPv6Unicast] || len(mp) != 2 {
		t.Errorf("unexpected multiprotocol set: %v", mp)
	}
	if !out.Has(CodeRouteRefresh) {
		t.Error("route-refresh capability lost")
	}
	asn, ok := out.ASN4Value()
	if !ok || asn != 4200000000 {
		t.Errorf("expected ASN4 4200000000, got %d (present=%v)", asn, ok)
	}
	ap := out.AddPathDirections()
	if ap[afi.IPv4Unicast] != AddPathSend|AddPathReceive {
		t.Errorf("unexpected add-path directions: %v", ap)
	}
	grs := out.ByCode(CodeGracefulRestart)
	if len(grs) != 1 {
		t.Fatalf("expected one graceful-restart capability, got %d", len(grs))
	}
	gr := grs[0].(GracefulRestart)
	if !gr.RestartFlag || gr.RestartTime != 120 {
		t.Errorf("graceful restart header lost: %+v", gr)
	}
	if len(gr.Families) != 1 || !gr.Families[0].ForwardingPreserved {
		t.Errorf("graceful restart family lost: %+v", gr.Families)
	}

	if !bytes.Equal(Encode(out), encoded) {
		t.Error("encode(decode(b)) differs from b")
	}
}

func TestDecode_UnknownCodeKeptOpaque(t *testing.T) {
	raw := []byte{99, 3, 0xaa, 0xbb, 0xcc}
	set, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	caps := set.ByCode(99)
	if len(caps) != 1 {
		t.Fatalf("expected one opaque capability, got %d", len(caps))
	}
	if !bytes.Equal(Encode(set), raw) {
		t.Error("opaque capability does not round-trip")
	}
}

func TestDecode_Truncated(t *testing.T) {
	if _, err := Decode([]byte{1}); err == nil {
		t.Fatal("expected error for truncated header")
	}
	if _, err := Decode([]byte{1, 4, 0, 1}); err == nil {
		t.Fatal("expected error for truncated value")
	}
}

func TestCiscoRouteRefreshAlias(t *testing.T) {
	set, err := Decode([]byte{CodeRouteRefreshCisco, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !set.Has(CodeRouteRefresh) {
		t.Error("cisco refresh should decode as RouteRefresh")
	}
	if !set.Has(CodeRouteRefresh) && !set.Has(CodeRouteRefreshCisco) {
		t.Error("refresh capability lost entirely")
	}
}
