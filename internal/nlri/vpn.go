package nlri

import (
	"fmt"
	"net"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/rd"
	"github.com/route-beacon/bgpd/internal/wire"
)

// VPNPrefix is IPv4/IPv6 MPLS-VPN NLRI (RFC 4364): a label stack, an
// 8-byte route distinguisher, then a shortest-bytes-form prefix. The
// wire prefix-length field counts both the label and RD bits, same
// convention as LabeledPrefix.
type VPNPrefix struct {
	Fam    afi.Family
	Labels []Label
	RD     rd.RD
	IP     net.IP
	Bits   int
}

func (p VPNPrefix) Family() afi.Family { return p.Fam }
func (p VPNPrefix) Key() string {
	return fmt.Sprintf("%s:%s/%d", p.RD.String(), p.IP.String(), p.Bits)
}

const rdBits = 8 * 8

func init() {
	for _, f := range []afi.Family{afi.IPv4MPLSVPN, afi.IPv6MPLSVPN} {
		f := f
		Register(f, Codec{
			Decode: func(b []byte) (NLRI, []byte, error) {
				if len(b) < 1 {
					return nil, nil, wire.ErrShort("vpn prefix")
				}
				totalBits := int(b[0])
				rest := b[1:]
				var labels []Label
				consumedBits := 0
				for {
					lbl, next, err := unpackLabel(rest)
					if err != nil {
						return nil, nil, err
					}
					labels = append(labels, lbl)
					rest = next
					consumedBits += 24
					if lbl.Bottom || lbl.Value == withdrawLabelValue {
						break
					}
					if consumedBits >= totalBits {
						return nil, nil, wire.NewEncodingError(3, 9, "nlri: label stack exceeds prefix length")
					}
				}
				routeDist, rest2, err := rd.Unpack(rest)
				if err != nil {
					return nil, nil, err
				}
				rest = rest2
				consumedBits += rdBits
				prefixBits := totalBits - consumedBits
				if prefixBits < 0 {
					return nil, nil, wire.NewEncodingError(3, 9, "nlri: negative prefix length after label+rd")
				}
				maxBits := f.Version() * 8
				if prefixBits > maxBits {
					return nil, nil, wire.NewEncodingError(3, 9, "nlri: prefix length exceeds address width")
				}
				n := wire.ByteLen(prefixBits)
				if len(rest) < n {
					return nil, nil, wire.ErrShort("vpn prefix address")
				}
				addr := make([]byte, f.Version())
				copy(addr, rest[:n])
				return VPNPrefix{Fam: f, Labels: labels, RD: routeDist, IP: net.IP(addr), Bits: prefixBits}, rest[n:], nil
			},
			Encode: func(nl NLRI) []byte {
				p := nl.(VPNPrefix)
				labelBits := 24 * len(p.Labels)
				out := []byte{byte(labelBits + rdBits + p.Bits)}
				for _, l := range p.Labels {
					out = append(out, packLabel(l)...)
				}
				out = append(out, p.RD.Pack()...)
				n := wire.ByteLen(p.Bits)
				addr := make([]byte, n)
				copy(addr, p.IP[:n])
				out = append(out, addr...)
				return out
			},
		})
	}
}
