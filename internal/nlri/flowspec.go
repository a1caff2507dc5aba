package nlri

import (
	"fmt"
	"net"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/rd"
	"github.com/route-beacon/bgpd/internal/wire"
)

// FlowSpec component types (RFC 8955 4, RFC 8956 for IPv6).
const (
	FlowDestPrefix   uint8 = 1
	FlowSrcPrefix    uint8 = 2
	FlowIPProtocol   uint8 = 3
	FlowPort         uint8 = 4
	FlowDestPort     uint8 = 5
	FlowSrcPort      uint8 = 6
	FlowICMPType     uint8 = 7
	FlowICMPCode     uint8 = 8
	FlowTCPFlags     uint8 = 9
	FlowPacketLength uint8 = 10
	FlowDSCP         uint8 = 11
	FlowFragment     uint8 = 12
)

// Numeric op-value op-byte bit layout (RFC 8955 4.2.1).
const (
	opEndOfList uint8 = 0x80
	opAnd       uint8 = 0x40
	opLenMask   uint8 = 0x30
	opLenShift  uint8 = 4
)

// FlowComponent is one ordered (type, value) pair of a FlowSpec rule.
// Prefix components (dest/src) store their prefix in Prefix/Bits;
// numeric components store their raw op-value list verbatim in Raw so
// that every operator/value combination round-trips exactly, which
// matters more here than fully modeling every comparison semantic.
type FlowComponent struct {
	Type   uint8
	Prefix net.IP
	Bits   int
	Raw    []byte // for non-prefix component types: the raw op-value byte sequence
}

// FlowSpecRule is a FlowSpec NLRI: a route distinguisher (zero value
// for the non-VPN SAFI) followed by an ordered list of strictly-
// increasing component types. An ordering violation is a session reset,
// not a soft failure, since a rule is unsafe to apply if misordered.
type FlowSpecRule struct {
	Fam        afi.Family
	RD         rd.RD
	HasRD      bool
	Components []FlowComponent
}

func (f FlowSpecRule) Family() afi.Family { return f.Fam }
func (f FlowSpecRule) Key() string {
	key := fmt.Sprintf("%v", f.Components)
	if f.HasRD {
		return f.RD.String() + ":" + key
	}
	return key
}

func init() {
	for _, f := range []afi.Family{afi.IPv4FlowSpec, afi.IPv6FlowSpec} {
		f := f
		Register(f, flowCodec(f, false))
	}
	for _, f := range []afi.Family{afi.IPv4FlowSpecVPN, afi.IPv6FlowSpecVPN} {
		f := f
		Register(f, flowCodec(f, true))
	}
}

func flowCodec(f afi.Family, hasRD bool) Codec {
	return Codec{
		Decode: func(b []byte) (NLRI, []byte, error) {
			if len(b) < 1 {
				return nil, nil, wire.ErrShort("flowspec length")
			}
			length := int(b[0])
			b = b[1:]
			if length >= 240 {
				if len(b) < 1 {
					return nil, nil, wire.ErrShort("flowspec extended length")
				}
				length = (length&0x0f)<<8 | int(b[0])
				b = b[1:]
			}
			if len(b) < length {
				return nil, nil, wire.ErrShort("flowspec body")
			}
			body := b[:length]
			rest := b[length:]

			rule := FlowSpecRule{Fam: f, HasRD: hasRD}
			if hasRD {
				routeDist, next, err := rd.Unpack(body)
				if err != nil {
					return nil, nil, err
				}
				rule.RD = routeDist
				body = next
			}

			var lastType uint8
			for len(body) > 0 {
				compType := body[0]
				body = body[1:]
				if lastType != 0 && compType <= lastType {
					return nil, nil, wire.NewEncodingError(3, 1, "flowspec: component types must strictly increase")
				}
				lastType = compType

				if compType == FlowDestPrefix || compType == FlowSrcPrefix {
					ip, bits, next, err := wire.UnpackPrefix(body, f.Version())
					if err != nil {
						return nil, nil, err
					}
					rule.Components = append(rule.Components, FlowComponent{Type: compType, Prefix: ip, Bits: bits})
					body = next
					continue
				}

				raw, next, err := consumeOpValueList(body)
				if err != nil {
					return nil, nil, err
				}
				rule.Components = append(rule.Components, FlowComponent{Type: compType, Raw: raw})
				body = next
			}
			return rule, rest, nil
		},
		Encode: func(nl NLRI) []byte {
			rule := nl.(FlowSpecRule)
			var body []byte
			if hasRD {
				body = append(body, rule.RD.Pack()...)
			}
			for _, c := range rule.Components {
				body = append(body, c.Type)
				if c.Type == FlowDestPrefix || c.Type == FlowSrcPrefix {
					body = append(body, wire.PackPrefix(c.Prefix, c.Bits)...)
				} else {
					body = append(body, c.Raw...)
				}
			}
			var out []byte
			if len(body) < 240 {
				out = append(out, byte(len(body)))
			} else {
				out = append(out, byte(0xf0|(len(body)>>8)), byte(len(body)))
			}
			return append(out, body...)
		},
	}
}

// consumeOpValueList reads one or more {op-byte, value} pairs until the
// end-of-list bit is set, returning the raw bytes consumed so they can
// be stored and re-emitted verbatim.
func consumeOpValueList(b []byte) ([]byte, []byte, error) {
	start := b
	for {
		if len(b) < 1 {
			return nil, nil, wire.ErrShort("flowspec op byte")
		}
		op := b[0]
		valLen := 1 << ((op & opLenMask) >> opLenShift)
		if len(b) < 1+valLen {
			return nil, nil, wire.ErrShort("flowspec op value")
		}
		b = b[1+valLen:]
		if op&opEndOfList != 0 {
			break
		}
	}
	return start[:len(start)-len(b)], b, nil
}
