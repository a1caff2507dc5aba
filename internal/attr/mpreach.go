package attr

import (
	"net"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/wire"
)

// MPReachNLRI and MPUnreachNLRI (RFC 4760) are decoded only down to the
// attribute envelope: AFI/SAFI, next hop, and the raw NLRI byte run.
// Turning that byte run into nlri.Entry values needs to know whether
// ADD-PATH is negotiated for this family/direction, which is session
// state this package has no business holding; the message/rib layer
// calls nlri.DecodeAll(family, addpath, RawNLRI, ...) once it has that
// context. Keeping the split here is what lets attr stay decodable
// without a negotiated session at hand, same as every other attribute.
type MPReachNLRI struct {
	Fam      afi.Family
	NextHop  []byte // raw next-hop bytes, width and count vary by family (RFC 5549 etc.)
	RawNLRI  []byte
}

func (MPReachNLRI) Code() uint8 { return CodeMPReachNLRI }

type MPUnreachNLRI struct {
	Fam     afi.Family
	RawNLRI []byte
}

func (MPUnreachNLRI) Code() uint8 { return CodeMPUnreachNLRI }

func init() {
	register(CodeMPReachNLRI, OptionalNonTransitive, decodeMPReach, encodeMPReach)
	register(CodeMPUnreachNLRI, OptionalNonTransitive, decodeMPUnreach, encodeMPUnreach)
}

func decodeMPReach(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) < 5 {
		return nil, TreatAsWithdraw, newDecodeError(3, 9, "attr: MP_REACH_NLRI header truncated")
	}
	afiCode, rest, _ := wire.Uint16(data)
	safiCode := rest[0]
	nhLen := int(rest[1])
	rest = rest[2:]
	if len(rest) < nhLen+1 {
		return nil, TreatAsWithdraw, newDecodeError(3, 9, "attr: MP_REACH_NLRI next-hop truncated")
	}
	nextHop := append([]byte(nil), rest[:nhLen]...)
	rest = rest[nhLen:]
	// Reserved "number of SNPAs" octet, always 0 since RFC 4760 deprecated it.
	rest = rest[1:]
	return MPReachNLRI{
		Fam:     afi.Family{AFI: afiCode, SAFI: safiCode},
		NextHop: nextHop,
		RawNLRI: append([]byte(nil), rest...),
	}, Decoded, nil
}

func encodeMPReach(a Attribute) (uint8, []byte) {
	m := a.(MPReachNLRI)
	b := wire.PutUint16(m.Fam.AFI)
	b = append(b, m.Fam.SAFI)
	b = append(b, byte(len(m.NextHop)))
	b = append(b, m.NextHop...)
	b = append(b, 0) // reserved
	b = append(b, m.RawNLRI...)
	return FlagOptional, b
}

func decodeMPUnreach(flags uint8, data []byte) (Attribute, DecodeResult, *DecodeError) {
	if len(data) < 3 {
		return nil, TreatAsWithdraw, newDecodeError(3, 9, "attr: MP_UNREACH_NLRI header truncated")
	}
	afiCode, rest, _ := wire.Uint16(data)
	safiCode := rest[0]
	rest = rest[1:]
	return MPUnreachNLRI{
		Fam:     afi.Family{AFI: afiCode, SAFI: safiCode},
		RawNLRI: append([]byte(nil), rest...),
	}, Decoded, nil
}

func encodeMPUnreach(a Attribute) (uint8, []byte) {
	m := a.(MPUnreachNLRI)
	b := wire.PutUint16(m.Fam.AFI)
	b = append(b, m.Fam.SAFI)
	b = append(b, m.RawNLRI...)
	return FlagOptional, b
}

// nextHopIP is a convenience accessor for the common single-IP next hop
// case (IPv4 unicast, IPv6 unicast with or without a link-local pair).
func (m MPReachNLRI) nextHopIP() net.IP {
	switch len(m.NextHop) {
	case 4, 16:
		return net.IP(m.NextHop)
	case 32:
		return net.IP(m.NextHop[:16])
	default:
		return nil
	}
}
