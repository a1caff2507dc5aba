package nlri

import (
	"fmt"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/rd"
	"github.com/route-beacon/bgpd/internal/wire"
)

// VPLSRoute is L2VPN/VPLS NLRI (RFC 4761): unlike the prefix families,
// its wire length field is a plain octet count, not a bit count, and
// every field is fixed-width.
type VPLSRoute struct {
	RD             rd.RD
	VEID           uint16
	VEBlockOffset  uint16
	VEBlockSize    uint16
	LabelBase      uint32 // 20 significant bits
}

func (v VPLSRoute) Family() afi.Family { return afi.L2VPNVPLS }
func (v VPLSRoute) Key() string {
	return fmt.Sprintf("%s:%d:%d:%d", v.RD.String(), v.VEID, v.VEBlockOffset, v.VEBlockSize)
}

const vplsBodyLen = 8 + 2 + 2 + 2 + 3

func init() {
	Register(afi.L2VPNVPLS, Codec{
		Decode: decodeVPLS,
		Encode: encodeVPLS,
	})
}

func decodeVPLS(b []byte) (NLRI, []byte, error) {
	if len(b) < 2 {
		return nil, nil, wire.ErrShort("vpls nlri length")
	}
	length := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if len(b) < length {
		return nil, nil, wire.ErrShort("vpls nlri body")
	}
	body := b[:length]
	rest := b[length:]
	if len(body) < vplsBodyLen {
		return nil, nil, wire.ErrShort("vpls nlri fixed fields")
	}
	routeDist, body, err := rd.Unpack(body)
	if err != nil {
		return nil, nil, err
	}
	veID, _, _ := wire.Uint16(body[0:2])
	blockOffset, _, _ := wire.Uint16(body[2:4])
	blockSize, _, _ := wire.Uint16(body[4:6])
	labelBase := uint32(body[6])<<12 | uint32(body[7])<<4 | uint32(body[8])>>4
	return VPLSRoute{RD: routeDist, VEID: veID, VEBlockOffset: blockOffset, VEBlockSize: blockSize, LabelBase: labelBase}, rest, nil
}

func encodeVPLS(n NLRI) []byte {
	v := n.(VPLSRoute)
	body := append([]byte(nil), v.RD.Pack()...)
	body = append(body, wire.PutUint16(v.VEID)...)
	body = append(body, wire.PutUint16(v.VEBlockOffset)...)
	body = append(body, wire.PutUint16(v.VEBlockSize)...)
	lb := v.LabelBase & 0xfffff
	body = append(body, byte(lb>>12), byte(lb>>4), byte(lb<<4))
	out := []byte{byte(len(body) >> 8), byte(len(body))}
	return append(out, body...)
}
