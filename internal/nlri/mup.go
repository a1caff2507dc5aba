package nlri

import (
	"fmt"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/wire"
)

// MUP architecture types and route types (draft-ietf-bess-bgp-mup-safi).
const (
	MUPArch3GPP uint8 = 1

	MUPRouteInterworkSegmentDiscovery uint16 = 1
	MUPRouteDirectSegmentDiscovery    uint16 = 2
	MUPRouteType1SessionTransformed   uint16 = 3
	MUPRouteType2SessionTransformed   uint16 = 4
)

// MUPRoute is Mobile User Plane NLRI. The route-type-specific body is
// kept as a raw payload rather than decomposed field-by-field: the
// family is new enough, and varied enough across architecture types,
// that round-tripping the payload verbatim is what this speaker's RIB
// and transit forwarding actually need; a control-plane component that
// needs to reason about individual fields decodes Payload itself.
type MUPRoute struct {
	Fam        afi.Family
	ArchType   uint8
	RouteType  uint16
	Payload    []byte
}

func (m MUPRoute) Family() afi.Family { return m.Fam }
func (m MUPRoute) Key() string {
	return fmt.Sprintf("%d:%d:%x", m.ArchType, m.RouteType, m.Payload)
}

func init() {
	for _, f := range []afi.Family{afi.IPv4MUP, afi.IPv6MUP} {
		f := f
		Register(f, Codec{
			Decode: func(b []byte) (NLRI, []byte, error) {
				if len(b) < 4 {
					return nil, nil, wire.ErrShort("mup nlri header")
				}
				archType := b[0]
				routeType := uint16(b[1])<<8 | uint16(b[2])
				length := int(b[3])
				b = b[4:]
				if len(b) < length {
					return nil, nil, wire.ErrShort("mup nlri body")
				}
				return MUPRoute{Fam: f, ArchType: archType, RouteType: routeType, Payload: append([]byte(nil), b[:length]...)}, b[length:], nil
			},
			Encode: func(n NLRI) []byte {
				m := n.(MUPRoute)
				out := []byte{m.ArchType, byte(m.RouteType >> 8), byte(m.RouteType), byte(len(m.Payload))}
				return append(out, m.Payload...)
			},
		})
	}
}
