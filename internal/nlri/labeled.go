package nlri

import (
	"fmt"
	"net"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/wire"
)

// Label is one 3-byte MPLS label stack entry: 20 bits of label value, 3
// bits of traffic class, and the bottom-of-stack bit.
type Label struct {
	Value  uint32 // 20 significant bits
	Bottom bool
}

func packLabel(l Label) []byte {
	v := (l.Value & 0xfffff) << 4
	if l.Bottom {
		v |= 1
	}
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func unpackLabel(b []byte) (Label, []byte, error) {
	if len(b) < 3 {
		return Label{}, nil, wire.NewEncodingError(3, 9, "nlri: truncated label")
	}
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return Label{Value: v >> 4, Bottom: v&1 != 0}, b[3:], nil
}

// withdrawLabelValue is the reserved label value (0x800000 as the raw
// 3-byte entry, "withdraw")
// some implementations send instead of a real label on a withdrawn
// labeled-unicast route (RFC 3107 3).
const withdrawLabelValue uint32 = 0x80000

// LabeledPrefix is IPv4/IPv6 MPLS-labeled unicast NLRI (RFC 3107): a
// label stack followed by a shortest-bytes-form prefix, where the wire
// prefix-length field counts the label-stack bits too.
type LabeledPrefix struct {
	Fam    afi.Family
	Labels []Label
	IP     net.IP
	Bits   int // prefix bits, NOT counting label bits
}

func (p LabeledPrefix) Family() afi.Family { return p.Fam }
func (p LabeledPrefix) Key() string {
	return fmt.Sprintf("%s/%d", p.IP.String(), p.Bits)
}

func init() {
	for _, f := range []afi.Family{afi.IPv4Labeled, afi.IPv6Labeled} {
		f := f
		Register(f, Codec{
			Decode: func(b []byte) (NLRI, []byte, error) {
				if len(b) < 1 {
					return nil, nil, wire.ErrShort("labeled prefix")
				}
				totalBits := int(b[0])
				rest := b[1:]
				var labels []Label
				consumedBits := 0
				for {
					if len(rest) < 3 {
						return nil, nil, wire.NewEncodingError(3, 9, "nlri: truncated label stack")
					}
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
				prefixBits := totalBits - consumedBits
				if prefixBits < 0 {
					return nil, nil, wire.NewEncodingError(3, 9, "nlri: negative prefix length after labels")
				}
				maxBits := f.Version() * 8
				if prefixBits > maxBits {
					return nil, nil, wire.NewEncodingError(3, 9, "nlri: prefix length exceeds address width")
				}
				n := wire.ByteLen(prefixBits)
				if len(rest) < n {
					return nil, nil, wire.ErrShort("labeled prefix address")
				}
				addr := make([]byte, f.Version())
				copy(addr, rest[:n])
				return LabeledPrefix{Fam: f, Labels: labels, IP: net.IP(addr), Bits: prefixBits}, rest[n:], nil
			},
			Encode: func(nl NLRI) []byte {
				p := nl.(LabeledPrefix)
				labelBits := 24 * len(p.Labels)
				out := []byte{byte(labelBits + p.Bits)}
				for _, l := range p.Labels {
					out = append(out, packLabel(l)...)
				}
				n := wire.ByteLen(p.Bits)
				addr := make([]byte, n)
				copy(addr, p.IP[:n])
				out = append(out, addr...)
				return out
			},
		})
	}
}
