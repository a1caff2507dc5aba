package nlri

import (
	"fmt"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/wire"
)

// BGPLSTLV is one descriptor or attribute TLV inside a BGP-LS NLRI (RFC
// 7752 3.2): node, link and prefix descriptors are all instances of this
// same {type, length, value} shape, so rather than modeling every
// descriptor type (AS number, BGP-LS identifier, OSPF/ISIS area, IGP
// router-ID, SRv6 SID, ...) as a distinct Go field, the descriptor list
// is kept as an ordered TLV sequence. Callers that need a specific
// descriptor look it up by Type.
type BGPLSTLV struct {
	Type  uint16
	Value []byte
}

// BGP-LS NLRI types (RFC 7752 3.2).
const (
	BGPLSNodeNLRI           uint16 = 1
	BGPLSLinkNLRI           uint16 = 2
	BGPLSIPv4PrefixNLRI     uint16 = 3
	BGPLSIPv6PrefixNLRI     uint16 = 4
	BGPLSSRv6SIDNLRI        uint16 = 6
)

// BGP-LS protocol IDs (RFC 7752 3.1).
const (
	BGPLSProtoISISLevel1 uint8 = 1
	BGPLSProtoISISLevel2 uint8 = 2
	BGPLSProtoOSPFv2     uint8 = 3
	BGPLSProtoDirect     uint8 = 4
	BGPLSProtoStatic     uint8 = 5
	BGPLSProtoOSPFv3     uint8 = 6
)

// BGPLSRoute is a link-state NLRI: a node, link, prefix or SRv6-SID
// route distinguished by NLRIType, carrying an ordered descriptor TLV
// list specific to that type.
type BGPLSRoute struct {
	NLRIType   uint16
	ProtocolID uint8
	Identifier uint64
	Descriptors []BGPLSTLV
}

func (r BGPLSRoute) Family() afi.Family { return afi.BGPLSNLRI }
func (r BGPLSRoute) Key() string {
	return fmt.Sprintf("%d:%d:%d:%x", r.NLRIType, r.ProtocolID, r.Identifier, r.Descriptors)
}

func init() {
	Register(afi.BGPLSNLRI, bgplsCodec())
	Register(afi.BGPLSVPN, bgplsCodec())
}

func bgplsCodec() Codec {
	return Codec{
		Decode: decodeBGPLS,
		Encode: encodeBGPLS,
	}
}

func decodeBGPLS(b []byte) (NLRI, []byte, error) {
	if len(b) < 4 {
		return nil, nil, wire.ErrShort("bgp-ls nlri header")
	}
	nlriType := uint16(b[0])<<8 | uint16(b[1])
	length := int(b[2])<<8 | int(b[3])
	b = b[4:]
	if len(b) < length {
		return nil, nil, wire.ErrShort("bgp-ls nlri body")
	}
	body := b[:length]
	rest := b[length:]

	if len(body) < 9 {
		return nil, nil, wire.ErrShort("bgp-ls protocol-id/identifier")
	}
	protocolID := body[0]
	identifier, _, _ := wire.Uint64(body[1:9])
	body = body[9:]

	descriptors, err := decodeBGPLSTLVs(body)
	if err != nil {
		return nil, nil, err
	}
	return BGPLSRoute{NLRIType: nlriType, ProtocolID: protocolID, Identifier: identifier, Descriptors: descriptors}, rest, nil
}

func decodeBGPLSTLVs(b []byte) ([]BGPLSTLV, error) {
	var out []BGPLSTLV
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, wire.ErrShort("bgp-ls descriptor tlv header")
		}
		t := uint16(b[0])<<8 | uint16(b[1])
		l := int(b[2])<<8 | int(b[3])
		b = b[4:]
		if len(b) < l {
			return nil, wire.ErrShort("bgp-ls descriptor tlv value")
		}
		out = append(out, BGPLSTLV{Type: t, Value: append([]byte(nil), b[:l]...)})
		b = b[l:]
	}
	return out, nil
}

func encodeBGPLS(n NLRI) []byte {
	r := n.(BGPLSRoute)
	var body []byte
	body = append(body, r.ProtocolID)
	body = append(body, wire.PutUint64(r.Identifier)...)
	for _, t := range r.Descriptors {
		body = append(body, byte(t.Type>>8), byte(t.Type))
		body = append(body, byte(len(t.Value)>>8), byte(len(t.Value)))
		body = append(body, t.Value...)
	}
	out := []byte{byte(r.NLRIType >> 8), byte(r.NLRIType), byte(len(body) >> 8), byte(len(body))}
	return append(out, body...)
}
