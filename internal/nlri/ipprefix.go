package nlri

import (
	"fmt"
	"net"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/wire"
)

// IPPrefix covers plain IPv4/IPv6 unicast and multicast NLRI: a bare
// shortest-bytes-form prefix, no labels, no RD.
type IPPrefix struct {
	Fam    afi.Family
	IP     net.IP
	Bits   int
}

func (p IPPrefix) Family() afi.Family { return p.Fam }
func (p IPPrefix) Key() string        { return fmt.Sprintf("%s/%d", p.IP.String(), p.Bits) }

func init() {
	for _, f := range []afi.Family{afi.IPv4Unicast, afi.IPv4Multicast, afi.IPv6Unicast, afi.IPv6Multicast} {
		f := f
		Register(f, Codec{
			Decode: func(b []byte) (NLRI, []byte, error) {
				ip, bits, rest, err := wire.UnpackPrefix(b, f.Version())
				if err != nil {
					return nil, nil, err
				}
				return IPPrefix{Fam: f, IP: ip, Bits: bits}, rest, nil
			},
			Encode: func(n NLRI) []byte {
				p := n.(IPPrefix)
				return wire.PackPrefix(p.IP, p.Bits)
			},
		})
	}
}
