package nlri

import (
	"fmt"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/wire"
)

// RTCRoute is Route Target Constrain NLRI (RFC 4684): an origin AS
// followed by an 8-byte route target, with the wire length field
// counting bits like the other variable-prefix families in this
// package. The zero-length "default route target" used to request all
// routes from a peer is represented as Bits == 0 with no OriginAS/Target
// payload on the wire.
type RTCRoute struct {
	OriginAS uint32
	Target   [8]byte
	Bits     int
}

func (r RTCRoute) Family() afi.Family { return afi.IPv4RTC }
func (r RTCRoute) Key() string {
	if r.Bits == 0 {
		return "default"
	}
	return fmt.Sprintf("%d:%x/%d", r.OriginAS, r.Target, r.Bits)
}

func init() {
	Register(afi.IPv4RTC, Codec{
		Decode: decodeRTC,
		Encode: encodeRTC,
	})
}

func decodeRTC(b []byte) (NLRI, []byte, error) {
	if len(b) < 1 {
		return nil, nil, wire.ErrShort("rtc prefix length")
	}
	bits := int(b[0])
	b = b[1:]
	if bits == 0 {
		return RTCRoute{}, b, nil
	}
	n := wire.ByteLen(bits)
	if n > 12 {
		return nil, nil, wire.NewEncodingError(3, 9, "nlri: rtc prefix length exceeds 96 bits")
	}
	if len(b) < n {
		return nil, nil, wire.ErrShort("rtc prefix body")
	}
	buf := make([]byte, 12)
	copy(buf, b[:n])
	originAS, _, _ := wire.Uint32(buf[0:4])
	var target [8]byte
	copy(target[:], buf[4:12])
	return RTCRoute{OriginAS: originAS, Target: target, Bits: bits}, b[n:], nil
}

func encodeRTC(n NLRI) []byte {
	r := n.(RTCRoute)
	if r.Bits == 0 {
		return []byte{0}
	}
	full := append(wire.PutUint32(r.OriginAS), r.Target[:]...)
	nBytes := wire.ByteLen(r.Bits)
	return append([]byte{byte(r.Bits)}, full[:nBytes]...)
}
