package rib

import (
	"net"
	"testing"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/nlri"
)

func prefix(s string, bits int) nlri.IPPrefix {
	ip := net.ParseIP(s)
	fam := afi.IPv6Unicast
	if v4 := ip.To4(); v4 != nil {
		fam = afi.IPv4Unicast
		ip = v4
	}
	return nlri.IPPrefix{Fam: fam, IP: ip, Bits: bits}
}

func attrSet(med uint32) *attr.Attributes {
	return &attr.Attributes{List: []attr.Attribute{
		attr.Origin{Value: attr.OriginIGP},
		attr.ASPath{},
		attr.NextHop{IP: net.IPv4(192, 0, 2, 1)},
		attr.MED{Value: med},
	}}
}

// drainAll collects every batch until the queue is empty.
func drainAll(a *AdjOut) []*Batch {
	var out []*Batch
	for {
		b := a.Drain(0)
		if b == nil {
			return out
		}
		out = append(out, b)
	}
}

func TestAdjOut_LastActionWins_Announce(t *testing.T) {
	attrsA := attrSet(1)
	attrsB := attrSet(2)
	out := NewAdjOut()
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrsA})
	out.Add(Change{NLRI: prefix("10.0.0.0", 24)}) // withdraw
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrsB})
	out.Add(Change{NLRI: prefix("10.0.1.0", 24), Attrs: attrsB})

	batches := drainAll(out)
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}
	b := batches[0]
	if len(b.Withdraws) != 0 {
		t.Errorf("last action for 10.0.0.0/24 was announce; nothing should be withdrawn, got %d", len(b.Withdraws))
	}
	if len(b.Announces) != 2 {
		t.Fatalf("expected both prefixes announced, got %d", len(b.Announces))
	}
	if b.Attrs != attrsB {
		t.Error("announces must share the final attribute set")
	}
	keys := map[string]bool{}
	for _, c := range b.Announces {
		keys[c.Key()] = true
	}
	if !keys["10.0.0.0/24"] || !keys["10.0.1.0/24"] {
		t.Errorf("unexpected announce keys: %v", keys)
	}
}

func TestAdjOut_LastActionWins_Withdraw(t *testing.T) {
	attrsA := attrSet(1)
	attrsB := attrSet(2)
	out := NewAdjOut()
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrsA})
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrsB})
	out.Add(Change{NLRI: prefix("10.0.0.0", 24)}) // final action: withdraw
	out.Add(Change{NLRI: prefix("10.0.1.0", 24), Attrs: attrsB})

	batches := drainAll(out)
	var sawWithdraw, sawAnnounce bool
	for _, b := range batches {
		for _, w := range b.Withdraws {
			if w.Key() == "10.0.0.0/24" {
				sawWithdraw = true
			}
			if len(b.Announces) > 0 {
				// Within one batch every withdraw precedes every announce
				// by construction; a withdraw sharing a batch with the
				// same key's announce would be an ordering bug.
				for _, a := range b.Announces {
					if a.Key() == w.Key() {
						t.Error("withdraw and announce of the same key in one batch")
					}
				}
			}
		}
		for _, a := range b.Announces {
			if a.Key() == "10.0.0.0/24" {
				t.Error("withdrawn key must not be announced")
			}
			if a.Key() == "10.0.1.0/24" {
				sawAnnounce = true
			}
		}
	}
	if !sawWithdraw || !sawAnnounce {
		t.Errorf("withdraw=%v announce=%v", sawWithdraw, sawAnnounce)
	}
}

func TestAdjOut_WithdrawsDrainFirst(t *testing.T) {
	out := NewAdjOut()
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrSet(1)})
	out.Add(Change{NLRI: prefix("10.0.1.0", 24)})

	first := out.Drain(0)
	if len(first.Withdraws) != 1 || len(first.Announces) != 0 {
		t.Fatalf("first batch must carry the withdraws: %+v", first)
	}
	second := out.Drain(0)
	if len(second.Announces) != 1 {
		t.Fatalf("second batch must carry the announce: %+v", second)
	}
	if out.Drain(0) != nil {
		t.Error("queue should be empty")
	}
}

func TestAdjOut_GroupsByAttributeSet(t *testing.T) {
	attrsA := attrSet(1)
	attrsB := attrSet(2)
	out := NewAdjOut()
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrsA})
	out.Add(Change{NLRI: prefix("10.0.1.0", 24), Attrs: attrsA})
	out.Add(Change{NLRI: prefix("10.0.2.0", 24), Attrs: attrsB})

	batches := drainAll(out)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches (one per attribute set), got %d", len(batches))
	}
	for _, b := range batches {
		for _, c := range b.Announces {
			if c.Attrs != b.Attrs {
				t.Error("batch announce with a foreign attribute set")
			}
		}
	}
}

func TestAdjOut_MsgBudget(t *testing.T) {
	attrs := attrSet(1)
	out := NewAdjOut()
	for i := 0; i < 10; i++ {
		out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrs})
		out.Add(Change{NLRI: prefix(net.IPv4(10, byte(i), 0, 0).String(), 16), Attrs: attrs})
	}
	b := out.Drain(3)
	if len(b.Announces) != 3 {
		t.Errorf("budget of 3 must cap the batch, got %d", len(b.Announces))
	}
	if out.Pending() == 0 {
		t.Error("remaining announces must stay queued")
	}
}

func TestAdjOut_AddPathKeys(t *testing.T) {
	attrs := attrSet(1)
	out := NewAdjOut()
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrs, PathID: 1, HasPathID: true})
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrs, PathID: 2, HasPathID: true})
	if out.Pending() != 2 {
		t.Errorf("distinct path-ids are distinct routes, got %d pending", out.Pending())
	}
}

func TestAdjOut_Flush(t *testing.T) {
	out := NewAdjOut()
	out.Add(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrSet(1)})
	out.Flush()
	if out.Pending() != 0 || out.Drain(0) != nil {
		t.Error("flush must discard everything silently")
	}
}

func TestAdjIn_ObserveAndStale(t *testing.T) {
	in := NewAdjIn()
	v4 := Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrSet(1)}
	v6 := Change{NLRI: prefix("2001:db8::", 32), Attrs: attrSet(1)}
	in.Observe(v4)
	in.Observe(v6)
	if in.Len() != 2 {
		t.Fatalf("expected 2 routes, got %d", in.Len())
	}

	in.MarkAllStale()
	in.ClearStaleFamily(afi.IPv6Unicast)
	if in.Len() != 1 {
		t.Fatalf("only the IPv6 stale route should be gone, got %d", in.Len())
	}
	if _, ok := in.Get("10.0.0.0/24"); !ok {
		t.Error("IPv4 route should survive an IPv6 End-of-RIB")
	}

	// A re-observed route is no longer stale.
	in.Observe(v4)
	in.ClearStale()
	if in.Len() != 1 {
		t.Error("refreshed route must survive ClearStale")
	}
}

func TestAdjIn_WithdrawRemoves(t *testing.T) {
	in := NewAdjIn()
	in.Observe(Change{NLRI: prefix("10.0.0.0", 24), Attrs: attrSet(1)})
	in.Observe(Change{NLRI: prefix("10.0.0.0", 24)})
	if in.Len() != 0 {
		t.Error("withdraw must remove the entry")
	}
}
