// Package rd packs and unpacks the 8-byte Route Distinguisher carried by
// MPLS-VPN and EVPN NLRI (RFC 4364 4.2), covering the three assigned
// number subtypes (Type 0/1/2).
package rd

import (
	"fmt"

	"github.com/route-beacon/bgpd/internal/wire"
)

type Type uint16

const (
	TypeASN2   Type = 0 // 2-byte ASN : 4-byte number
	TypeIPv4   Type = 1 // 4-byte IPv4 address : 2-byte number
	TypeASN4   Type = 2 // 4-byte ASN : 2-byte number
)

// RD is an 8-byte route distinguisher, stored in its raw wire form plus
// a decoded view for display/equality.
type RD struct {
	Raw [8]byte
}

func (r RD) Type() Type {
	v, _, _ := wire.Uint16(r.Raw[0:2])
	return Type(v)
}

// Pack returns the 8-byte wire form.
func (r RD) Pack() []byte { return append([]byte(nil), r.Raw[:]...) }

// Unpack consumes exactly 8 bytes.
func Unpack(b []byte) (RD, []byte, error) {
	if len(b) < 8 {
		return RD{}, nil, wire.NewEncodingError(3, 5, "rd: truncated route distinguisher")
	}
	var r RD
	copy(r.Raw[:], b[:8])
	return r, b[8:], nil
}

// NewASN2 builds a Type-0 RD: 2-byte ASN : 4-byte assigned number.
func NewASN2(asn uint16, number uint32) RD {
	var r RD
	copy(r.Raw[0:2], wire.PutUint16(uint16(TypeASN2)))
	copy(r.Raw[2:4], wire.PutUint16(asn))
	copy(r.Raw[4:8], wire.PutUint32(number))
	return r
}

// NewIPv4 builds a Type-1 RD: 4-byte IPv4 address : 2-byte assigned number.
func NewIPv4(ip [4]byte, number uint16) RD {
	var r RD
	copy(r.Raw[0:2], wire.PutUint16(uint16(TypeIPv4)))
	copy(r.Raw[2:6], ip[:])
	copy(r.Raw[6:8], wire.PutUint16(number))
	return r
}

// NewASN4 builds a Type-2 RD: 4-byte ASN : 2-byte assigned number.
func NewASN4(asn uint32, number uint16) RD {
	var r RD
	copy(r.Raw[0:2], wire.PutUint16(uint16(TypeASN4)))
	copy(r.Raw[2:6], wire.PutUint32(asn))
	copy(r.Raw[6:8], wire.PutUint16(number))
	return r
}

func (r RD) String() string {
	switch r.Type() {
	case TypeASN2:
		asn, _, _ := wire.Uint16(r.Raw[2:4])
		num, _, _ := wire.Uint32(r.Raw[4:8])
		return fmt.Sprintf("%d:%d", asn, num)
	case TypeIPv4:
		num, _, _ := wire.Uint16(r.Raw[6:8])
		return fmt.Sprintf("%d.%d.%d.%d:%d", r.Raw[2], r.Raw[3], r.Raw[4], r.Raw[5], num)
	case TypeASN4:
		asn, _, _ := wire.Uint32(r.Raw[2:6])
		num, _, _ := wire.Uint16(r.Raw[6:8])
		return fmt.Sprintf("%d:%d", asn, num)
	default:
		return fmt.Sprintf("rd(%x)", r.Raw)
	}
}
