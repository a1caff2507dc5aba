package attr

import (
	"net"

	"github.com/route-beacon/bgpd/internal/wire"
)

// Origin is the mandatory well-known ORIGIN attribute.
type Origin struct{ Value uint8 }

func (Origin) Code() uint8 { return CodeOrigin }

const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// ASPathSegment is one segment (AS_SET or AS_SEQUENCE) of an AS_PATH.
type ASPathSegment struct {
	Set bool // true: AS_SET, false: AS_SEQUENCE
	ASNs []uint32
}

// ASPath is the mandatory AS_PATH attribute. Always stored in 4-byte-ASN
// form, and always read and written on the wire with 4-byte ASNs; the
// 2-byte-ASN wire form of legacy peers is not supported.
type ASPath struct{ Segments []ASPathSegment }

func (ASPath) Code() uint8 { return CodeASPath }

// NextHop is the mandatory (for IPv4 unicast) NEXT_HOP attribute.
type NextHop struct{ IP net.IP }

func (NextHop) Code() uint8 { return CodeNextHop }

// MED is the optional non-transitive MULTI_EXIT_DISC attribute.
type MED struct{ Value uint32 }

func (MED) Code() uint8 { return CodeMED }

// LocalPref is the well-known (iBGP) LOCAL_PREF attribute.
type LocalPref struct{ Value uint32 }

func (LocalPref) Code() uint8 { return CodeLocalPref }

// AtomicAggregate is the well-known discretionary flag attribute.
type AtomicAggregate struct{}

func (AtomicAggregate) Code() uint8 { return CodeAtomicAggregate }

// Aggregator carries the ASN/IP of the router that performed aggregation.
type Aggregator struct {
	ASN uint32
	IP  net.IP
}

func (Aggregator) Code() uint8 { return CodeAggregator }

// Community is one or more 4-byte community values (RFC 1997).
type Community struct{ Values []uint32 }

func (Community) Code() uint8 { return CodeCommunity }

// ExtCommunity is one or more 8-byte extended community values (RFC 4360).
type ExtCommunity struct{ Values [][8]byte }

func (ExtCommunity) Code() uint8 { return CodeExtCommunity }

// LargeCommunity is one or more 12-byte large community values (RFC 8092).
type LargeCommunity struct {
	Values []LargeCommunityValue
}

type LargeCommunityValue struct {
	Global, Local1, Local2 uint32
}

func (LargeCommunity) Code() uint8 { return CodeLargeCommunity }

// OriginatorID / ClusterList are route-reflection attributes (RFC 4456).
type OriginatorID struct{ IP net.IP }

func (OriginatorID) Code() uint8 { return CodeOriginatorID }

type ClusterList struct{ IDs []net.IP }

func (ClusterList) Code() uint8 { return CodeClusterList }

// AIGP carries the Accumulated IGP Metric (RFC 7311), stored opaque here
// since this speaker does not itself compute IGP cost.
type AIGP struct{ Data []byte }

func (AIGP) Code() uint8 { return CodeAIGP }

func init() {
	register(CodeOrigin, WellKnownMandatory, decodeOrigin, encodeOrigin)
	register(CodeASPath, WellKnownMandatory, decodeASPath, encodeASPath)
	register(CodeNextHop, WellKnownMandatory, decodeNextHop, encodeNextHop)
	register(CodeMED, OptionalNonTransitive, decodeMED, encodeMED)
	register(CodeLocalPref, WellKnownDiscretionary, decodeLocalPref, encodeLocalPref)
	register(CodeAtomicAggregate, WellKnownDiscretionary, decodeAtomicAggregate, encodeAtomicAggregate)
	register(CodeAggregator, OptionalTransitive, decodeAggregator, encodeAggregator)
	register(CodeCommunity, OptionalTransitive, decodeCommunity, encodeCommunity)
	register(CodeExtCommunity, OptionalTransitive, decodeExtCommunity, encodeExtCommunity)
	register(CodeLargeCommunity, OptionalTransitive, decodeLargeCommunity, encodeLargeCommunity)
	register(CodeOriginatorID, OptionalNonTransitive, decodeOriginatorID, encodeOriginatorID)
	register(CodeClusterList, OptionalNonTransitive, decodeClusterList, encodeClusterList)
	register(CodeAIGP, OptionalNonTransitive, decodeAIGP, encodeAIGP)
}

func decodeOrigin(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) != 1 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: ORIGIN must be 1 byte")
	}
	return Origin{Value: data[0]}, Decoded, nil
}

func encodeOrigin(a Attribute) (uint8, []byte) {
	o := a.(Origin)
	return FlagTransitive, []byte{o.Value}
}

// decodeASPath mirrors internal/bgp/attributes.go::parseASPath's segment
// loop (2-byte segment header: type, count; then count x 4-byte ASNs)
// but returns a structured value instead of a pre-formatted string so
// it can be re-encoded.
func decodeASPath(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	var segs []ASPathSegment
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, TreatAsWithdraw, newDecodeError(3, 11, "attr: AS_PATH segment header truncated")
		}
		segType := data[0]
		count := int(data[1])
		data = data[2:]
		if len(data) < count*4 {
			return nil, TreatAsWithdraw, newDecodeError(3, 11, "attr: AS_PATH segment truncated")
		}
		asns := make([]uint32, count)
		for i := 0; i < count; i++ {
			v, rest, _ := wire.Uint32(data)
			asns[i] = v
			data = rest
		}
		segs = append(segs, ASPathSegment{Set: segType == 1, ASNs: asns})
	}
	return ASPath{Segments: segs}, Decoded, nil
}

func encodeASPath(a Attribute) (uint8, []byte) {
	p := a.(ASPath)
	var b []byte
	for _, seg := range p.Segments {
		segType := byte(2)
		if seg.Set {
			segType = 1
		}
		b = append(b, segType, byte(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			b = append(b, wire.PutUint32(asn)...)
		}
	}
	return FlagTransitive, b
}

func decodeNextHop(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) != 4 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: NEXT_HOP must be 4 bytes")
	}
	ip := make(net.IP, 4)
	copy(ip, data)
	return NextHop{IP: ip}, Decoded, nil
}

func encodeNextHop(a Attribute) (uint8, []byte) {
	n := a.(NextHop)
	return FlagTransitive, []byte(n.IP.To4())
}

func decodeMED(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) != 4 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: MED must be 4 bytes")
	}
	v, _, _ := wire.Uint32(data)
	return MED{Value: v}, Decoded, nil
}

func encodeMED(a Attribute) (uint8, []byte) {
	return FlagOptional, wire.PutUint32(a.(MED).Value)
}

func decodeLocalPref(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) != 4 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: LOCAL_PREF must be 4 bytes")
	}
	v, _, _ := wire.Uint32(data)
	return LocalPref{Value: v}, Decoded, nil
}

func encodeLocalPref(a Attribute) (uint8, []byte) {
	return FlagTransitive, wire.PutUint32(a.(LocalPref).Value)
}

func decodeAtomicAggregate(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) != 0 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: ATOMIC_AGGREGATE must be empty")
	}
	return AtomicAggregate{}, Decoded, nil
}

func encodeAtomicAggregate(a Attribute) (uint8, []byte) { return FlagTransitive, nil }

func decodeAggregator(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) != 8 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: AGGREGATOR must be 8 bytes")
	}
	asn, rest, _ := wire.Uint32(data)
	ip := make(net.IP, 4)
	copy(ip, rest)
	return Aggregator{ASN: asn, IP: ip}, Decoded, nil
}

func encodeAggregator(a Attribute) (uint8, []byte) {
	g := a.(Aggregator)
	b := wire.PutUint32(g.ASN)
	b = append(b, []byte(g.IP.To4())...)
	return FlagOptional | FlagTransitive, b
}

func decodeCommunity(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data)%4 != 0 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: COMMUNITIES length not a multiple of 4")
	}
	var vals []uint32
	for len(data) > 0 {
		v, rest, _ := wire.Uint32(data)
		vals = append(vals, v)
		data = rest
	}
	return Community{Values: vals}, Decoded, nil
}

func encodeCommunity(a Attribute) (uint8, []byte) {
	c := a.(Community)
	var b []byte
	for _, v := range c.Values {
		b = append(b, wire.PutUint32(v)...)
	}
	return FlagOptional | FlagTransitive, b
}

func decodeExtCommunity(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data)%8 != 0 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: EXTENDED_COMMUNITIES length not a multiple of 8")
	}
	var vals [][8]byte
	for i := 0; i+8 <= len(data); i += 8 {
		var v [8]byte
		copy(v[:], data[i:i+8])
		vals = append(vals, v)
	}
	return ExtCommunity{Values: vals}, Decoded, nil
}

func encodeExtCommunity(a Attribute) (uint8, []byte) {
	c := a.(ExtCommunity)
	var b []byte
	for _, v := range c.Values {
		b = append(b, v[:]...)
	}
	return FlagOptional | FlagTransitive, b
}

func decodeLargeCommunity(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data)%12 != 0 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: LARGE_COMMUNITY length not a multiple of 12")
	}
	var vals []LargeCommunityValue
	for i := 0; i+12 <= len(data); i += 12 {
		g, _, _ := wire.Uint32(data[i : i+4])
		d1, _, _ := wire.Uint32(data[i+4 : i+8])
		d2, _, _ := wire.Uint32(data[i+8 : i+12])
		vals = append(vals, LargeCommunityValue{Global: g, Local1: d1, Local2: d2})
	}
	return LargeCommunity{Values: vals}, Decoded, nil
}

func encodeLargeCommunity(a Attribute) (uint8, []byte) {
	c := a.(LargeCommunity)
	var b []byte
	for _, v := range c.Values {
		b = append(b, wire.PutUint32(v.Global)...)
		b = append(b, wire.PutUint32(v.Local1)...)
		b = append(b, wire.PutUint32(v.Local2)...)
	}
	return FlagOptional | FlagTransitive, b
}

func decodeOriginatorID(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) != 4 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: ORIGINATOR_ID must be 4 bytes")
	}
	ip := make(net.IP, 4)
	copy(ip, data)
	return OriginatorID{IP: ip}, Decoded, nil
}

func encodeOriginatorID(a Attribute) (uint8, []byte) {
	return FlagOptional, []byte(a.(OriginatorID).IP.To4())
}

func decodeClusterList(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data)%4 != 0 {
		return nil, TreatAsWithdraw, newDecodeError(3, 5, "attr: CLUSTER_LIST length not a multiple of 4")
	}
	var ids []net.IP
	for len(data) > 0 {
		ip := make(net.IP, 4)
		copy(ip, data[:4])
		ids = append(ids, ip)
		data = data[4:]
	}
	return ClusterList{IDs: ids}, Decoded, nil
}

func encodeClusterList(a Attribute) (uint8, []byte) {
	c := a.(ClusterList)
	var b []byte
	for _, ip := range c.IDs {
		b = append(b, []byte(ip.To4())...)
	}
	return FlagOptional, b
}

func decodeAIGP(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	return AIGP{Data: append([]byte(nil), data...)}, Decoded, nil
}

func encodeAIGP(a Attribute) (uint8, []byte) {
	return FlagOptional, a.(AIGP).Data
}
