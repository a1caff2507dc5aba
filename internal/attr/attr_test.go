package attr

import (
	"bytes"
	"net"
	"testing"
)

// buildPathAttr assembles one wire-form attribute record.
func buildPathAttr(flags, code uint8, data []byte) []byte {
	out := []byte{flags, code}
	if flags&FlagExtLength != 0 {
		out = append(out, byte(len(data)>>8), byte(len(data)))
	} else {
		out = append(out, byte(len(data)))
	}
	return append(out, data...)
}

func mandatorySet() []byte {
	var b []byte
	b = append(b, buildPathAttr(FlagTransitive, CodeOrigin, []byte{OriginIGP})...)
	b = append(b, buildPathAttr(FlagTransitive, CodeASPath, []byte{2, 1, 0, 0, 0xfd, 0xe8})...)
	b = append(b, buildPathAttr(FlagTransitive, CodeNextHop, []byte{192, 0, 2, 1})...)
	return b
}

func TestUnpack_Mandatory(t *testing.T) {
	attrs, derr := Unpack(mandatorySet())
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if attrs.Result != Decoded {
		t.Fatalf("expected clean decode, got result %d", attrs.Result)
	}
	o, ok := attrs.Get(CodeOrigin)
	if !ok || o.(Origin).Value != OriginIGP {
		t.Errorf("ORIGIN missing or wrong: %v", o)
	}
	p, ok := attrs.Get(CodeASPath)
	if !ok {
		t.Fatal("AS_PATH missing")
	}
	segs := p.(ASPath).Segments
	if len(segs) != 1 || len(segs[0].ASNs) != 1 || segs[0].ASNs[0] != 65000 {
		t.Errorf("unexpected AS_PATH: %+v", segs)
	}
	nh, ok := attrs.Get(CodeNextHop)
	if !ok || !nh.(NextHop).IP.Equal(net.IPv4(192, 0, 2, 1)) {
		t.Errorf("NEXT_HOP missing or wrong: %v", nh)
	}
}

func TestUnpack_DuplicateCode(t *testing.T) {
	b := append(mandatorySet(), buildPathAttr(FlagTransitive, CodeOrigin, []byte{OriginEGP})...)
	_, derr := Unpack(b)
	if derr == nil {
		t.Fatal("expected hard error for duplicate attribute code")
	}
	if derr.Code != 3 || derr.Subcode != 1 {
		t.Errorf("expected (3,1), got (%d,%d)", derr.Code, derr.Subcode)
	}
}

func TestUnpack_MalformedCommunity_TreatAsWithdraw(t *testing.T) {
	// COMMUNITIES whose length is not a multiple of 4.
	b := append(mandatorySet(), buildPathAttr(FlagOptional|FlagTransitive, CodeCommunity, []byte{0xfd, 0xe8, 0x00})...)
	attrs, derr := Unpack(b)
	if derr != nil {
		t.Fatalf("malformed community must not be a hard error: %v", derr)
	}
	if attrs.Result != TreatAsWithdraw {
		t.Fatalf("expected TreatAsWithdraw, got %d", attrs.Result)
	}
	// The well-known attributes before the bad one survive.
	if _, ok := attrs.Get(CodeNextHop); !ok {
		t.Error("NEXT_HOP should still be present")
	}
}

func TestUnpack_UnknownOptionalTransitive_KeptPartial(t *testing.T) {
	payload := []byte{0xde, 0xad}
	b := buildPathAttr(FlagOptional|FlagTransitive, 200, payload)
	attrs, derr := Unpack(b)
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	a, ok := attrs.Get(200)
	if !ok {
		t.Fatal("unknown optional-transitive attribute should be kept")
	}
	op := a.(Opaque)
	if op.Flags&FlagPartial == 0 {
		t.Error("partial bit should be forced on")
	}
	if !bytes.Equal(op.Data, payload) {
		t.Errorf("payload not preserved: %v", op.Data)
	}
}

func TestUnpack_UnknownOptionalNonTransitive_Dropped(t *testing.T) {
	b := buildPathAttr(FlagOptional, 201, []byte{1, 2, 3})
	attrs, derr := Unpack(b)
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if _, ok := attrs.Get(201); ok {
		t.Error("unknown optional-non-transitive attribute should be dropped")
	}
	if attrs.Result != Decoded {
		t.Errorf("dropping is not a soft failure, got result %d", attrs.Result)
	}
}

func TestUnpack_UnknownWellKnown_Reset(t *testing.T) {
	b := buildPathAttr(FlagTransitive, 202, nil)
	_, derr := Unpack(b)
	if derr == nil {
		t.Fatal("expected hard error for unrecognized well-known attribute")
	}
	if derr.Code != 3 || derr.Subcode != 2 {
		t.Errorf("expected (3,2), got (%d,%d)", derr.Code, derr.Subcode)
	}
}

func TestUnpack_PartialBitOnWellKnown_TreatAsWithdraw(t *testing.T) {
	b := append(mandatorySet(), buildPathAttr(FlagOptional|FlagTransitive|FlagPartial, CodeAggregator, []byte{0, 0, 0xfd, 0xe8, 192, 0, 2, 1})...)
	attrs, derr := Unpack(b)
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	// Aggregator is optional-transitive, so partial is legal there.
	if attrs.Result != Decoded {
		t.Fatalf("partial on optional-transitive must be accepted, got %d", attrs.Result)
	}

	bad := buildPathAttr(FlagTransitive|FlagPartial, CodeOrigin, []byte{OriginIGP})
	attrs, derr = Unpack(bad)
	if derr != nil {
		t.Fatalf("unexpected hard error: %v", derr)
	}
	if attrs.Result != TreatAsWithdraw {
		t.Errorf("partial on a well-known attribute should downgrade, got %d", attrs.Result)
	}
}

func TestUnpack_ExtendedLength(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i % 251)
	}
	b := buildPathAttr(FlagOptional|FlagTransitive|FlagExtLength, 200, long)
	attrs, derr := Unpack(b)
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	a, ok := attrs.Get(200)
	if !ok || len(a.(Opaque).Data) != 300 {
		t.Fatal("extended-length attribute not decoded")
	}
}

func TestPack_RoundTrip(t *testing.T) {
	in := []Attribute{
		Community{Values: []uint32{0xfde80001}},
		NextHop{IP: net.IPv4(192, 0, 2, 1)},
		ASPath{Segments: []ASPathSegment{{ASNs: []uint32{65000, 65001}}}},
		Origin{Value: OriginIGP},
		MED{Value: 50},
	}
	packed := Pack(in, nil)
	attrs, derr := Unpack(packed)
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if len(attrs.List) != len(in) {
		t.Fatalf("expected %d attributes back, got %d", len(in), len(attrs.List))
	}
	// Canonical order: the well-known mandatory three lead.
	if attrs.List[0].Code() != CodeOrigin || attrs.List[1].Code() != CodeASPath || attrs.List[2].Code() != CodeNextHop {
		t.Errorf("mandatory attributes not first: %d %d %d",
			attrs.List[0].Code(), attrs.List[1].Code(), attrs.List[2].Code())
	}
	if !bytes.Equal(Pack(in, nil), packed) {
		t.Error("Pack is not deterministic")
	}
}

func TestPack_CacheHit(t *testing.T) {
	cache := NewPackCache(4)
	in := []Attribute{Origin{Value: OriginIGP}, ASPath{}, NextHop{IP: net.IPv4(10, 0, 0, 1)}}
	first := Pack(in, cache)
	second := Pack([]Attribute{NextHop{IP: net.IPv4(10, 0, 0, 1)}, ASPath{}, Origin{Value: OriginIGP}}, cache)
	if !bytes.Equal(first, second) {
		t.Error("structurally identical sets must pack identically through the cache")
	}
}

func TestPackCache_Eviction(t *testing.T) {
	cache := NewPackCache(2)
	cache.put(1, []byte{1})
	cache.put(2, []byte{2})
	cache.put(3, []byte{3})
	if _, ok := cache.get(1); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := cache.get(3); !ok {
		t.Error("newest entry should be present")
	}
}
