package nlri

import (
	"fmt"
	"net"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/rd"
	"github.com/route-beacon/bgpd/internal/wire"
)

// EVPN route types (RFC 7432 / RFC 9136).
const (
	EVPNEthernetAutoDiscovery uint8 = 1
	EVPNMACIPAdvertisement    uint8 = 2
	EVPNInclusiveMulticastEthernetTag uint8 = 3
	EVPNEthernetSegment       uint8 = 4
	EVPNIPPrefix              uint8 = 5
)

// ESI is the 10-byte Ethernet Segment Identifier.
type ESI [10]byte

// EVPNRoute is L2VPN/EVPN NLRI. RT2 (MAC/IP advertisement) and RT5 (IP
// prefix route) are decoded into their structured fields since they are
// the two types this speaker's control plane reasons about most; every
// other route type, and any type this registry does not recognise, is
// kept as an opaque payload so the session survives regardless.
type EVPNRoute struct {
	RouteType uint8
	RD        rd.RD

	// Populated for RouteType == EVPNMACIPAdvertisement.
	ESI            ESI
	EthernetTag    uint32
	MAC            net.HardwareAddr
	IP             net.IP // may be nil (no IP in the advertisement)
	Label1, Label2 Label
	HasLabel2      bool

	// Populated for RouteType == EVPNIPPrefix.
	PrefixBits int
	Prefix     net.IP
	GWIP       net.IP
	Label      Label

	// Opaque holds the verbatim payload (after RD) for any route type
	// not structurally decoded above. It stays nil for decoded RT2/RT5
	// routes, and Encode ignores it for those two types.
	Opaque []byte
}

func (e EVPNRoute) Family() afi.Family { return afi.L2VPNEVPN }
func (e EVPNRoute) Key() string {
	switch e.RouteType {
	case EVPNMACIPAdvertisement:
		return fmt.Sprintf("rt2:%s:%d:%s:%s", e.RD.String(), e.EthernetTag, e.MAC.String(), e.IP)
	case EVPNIPPrefix:
		return fmt.Sprintf("rt5:%s:%s/%d", e.RD.String(), e.Prefix, e.PrefixBits)
	default:
		return fmt.Sprintf("rt%d:%s:%x", e.RouteType, e.RD.String(), e.Opaque)
	}
}

func init() {
	Register(afi.L2VPNEVPN, Codec{
		Decode: decodeEVPN,
		Encode: encodeEVPN,
	})
}

func decodeEVPN(b []byte) (NLRI, []byte, error) {
	if len(b) < 2 {
		return nil, nil, wire.ErrShort("evpn route header")
	}
	routeType := b[0]
	length := int(b[1])
	b = b[2:]
	if len(b) < length {
		return nil, nil, wire.ErrShort("evpn route body")
	}
	body := b[:length]
	rest := b[length:]

	routeDist, payload, err := rd.Unpack(body)
	if err != nil {
		// A malformed RD still leaves the route opaque-decodable so the
		// session survives; store the whole body verbatim.
		return EVPNRoute{RouteType: routeType, Opaque: append([]byte(nil), body...)}, rest, nil
	}

	switch routeType {
	case EVPNMACIPAdvertisement:
		r, ok := decodeEVPNMACIP(routeDist, payload)
		if ok {
			return r, rest, nil
		}
	case EVPNIPPrefix:
		r, ok := decodeEVPNIPPrefix(routeDist, payload)
		if ok {
			return r, rest, nil
		}
	}
	return EVPNRoute{RouteType: routeType, RD: routeDist, Opaque: append([]byte(nil), payload...)}, rest, nil
}

func decodeEVPNMACIP(rd rd.RD, b []byte) (EVPNRoute, bool) {
	// ESI(10) + EthTag(4) + MAC-len(1) + MAC(6) + IP-len(1) + IP(0/4/16) + labels(3 or 6)
	if len(b) < 10+4+1+6+1 {
		return EVPNRoute{}, false
	}
	var esi ESI
	copy(esi[:], b[0:10])
	ethTag, _, _ := wire.Uint32(b[10:14])
	macLen := b[14]
	if macLen != 48 || len(b) < 15+6 {
		return EVPNRoute{}, false
	}
	mac := net.HardwareAddr(append([]byte(nil), b[15:21]...))
	offset := 21
	if offset >= len(b) {
		return EVPNRoute{}, false
	}
	ipLen := int(b[offset])
	offset++
	var ip net.IP
	switch ipLen {
	case 0:
	case 32:
		if len(b) < offset+4 {
			return EVPNRoute{}, false
		}
		ip = net.IP(append([]byte(nil), b[offset:offset+4]...))
		offset += 4
	case 128:
		if len(b) < offset+16 {
			return EVPNRoute{}, false
		}
		ip = net.IP(append([]byte(nil), b[offset:offset+16]...))
		offset += 16
	default:
		return EVPNRoute{}, false
	}
	if len(b) < offset+3 {
		return EVPNRoute{}, false
	}
	lbl1, rest, err := unpackLabel(b[offset:])
	if err != nil {
		return EVPNRoute{}, false
	}
	r := EVPNRoute{RouteType: EVPNMACIPAdvertisement, RD: rd, ESI: esi, EthernetTag: ethTag, MAC: mac, IP: ip, Label1: lbl1}
	if len(rest) >= 3 {
		lbl2, _, err := unpackLabel(rest)
		if err == nil {
			r.Label2 = lbl2
			r.HasLabel2 = true
		}
	}
	return r, true
}

func decodeEVPNIPPrefix(rd rd.RD, b []byte) (EVPNRoute, bool) {
	// ESI(10) + EthTag(4) + PrefixLen(1) + Prefix(4 or 16) + GW(4 or 16) + Label(3)
	if len(b) < 10+4+1 {
		return EVPNRoute{}, false
	}
	var esi ESI
	copy(esi[:], b[0:10])
	ethTag, _, _ := wire.Uint32(b[10:14])
	prefixBits := int(b[14])
	offset := 15
	version := 4
	if prefixBits > 32 {
		version = 16
	}
	n := version
	if len(b) < offset+n+n+3 {
		return EVPNRoute{}, false
	}
	prefix := net.IP(append([]byte(nil), b[offset:offset+n]...))
	offset += n
	gw := net.IP(append([]byte(nil), b[offset:offset+n]...))
	offset += n
	lbl, _, err := unpackLabel(b[offset:])
	if err != nil {
		return EVPNRoute{}, false
	}
	return EVPNRoute{RouteType: EVPNIPPrefix, RD: rd, ESI: esi, EthernetTag: ethTag, PrefixBits: prefixBits, Prefix: prefix, GWIP: gw, Label: lbl}, true
}

func encodeEVPN(n NLRI) []byte {
	r := n.(EVPNRoute)
	var body []byte
	if r.Opaque != nil && r.RouteType != EVPNMACIPAdvertisement && r.RouteType != EVPNIPPrefix {
		body = append(body, r.RD.Pack()...)
		body = append(body, r.Opaque...)
	} else {
		switch r.RouteType {
		case EVPNMACIPAdvertisement:
			body = append(body, r.RD.Pack()...)
			body = append(body, r.ESI[:]...)
			body = append(body, wire.PutUint32(r.EthernetTag)...)
			body = append(body, 48)
			body = append(body, []byte(r.MAC)...)
			switch len(r.IP) {
			case 0:
				body = append(body, 0)
			case 4:
				body = append(body, 32)
				body = append(body, r.IP...)
			case 16:
				body = append(body, 128)
				body = append(body, r.IP...)
			}
			body = append(body, packLabel(r.Label1)...)
			if r.HasLabel2 {
				body = append(body, packLabel(r.Label2)...)
			}
		case EVPNIPPrefix:
			body = append(body, r.RD.Pack()...)
			body = append(body, r.ESI[:]...)
			body = append(body, wire.PutUint32(r.EthernetTag)...)
			body = append(body, byte(r.PrefixBits))
			n := 4
			if len(r.Prefix) == 16 {
				n = 16
			}
			addr := make([]byte, n)
			copy(addr, r.Prefix)
			body = append(body, addr...)
			gw := make([]byte, n)
			copy(gw, r.GWIP)
			body = append(body, gw...)
			body = append(body, packLabel(r.Label)...)
		default:
			body = append(body, r.RD.Pack()...)
			body = append(body, r.Opaque...)
		}
	}
	out := []byte{r.RouteType, byte(len(body))}
	return append(out, body...)
}
