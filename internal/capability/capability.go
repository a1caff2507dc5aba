// Package capability codecs the OPEN optional-parameter capabilities
// (RFC 5492 and family-specific extensions) negotiated at session start.
package capability

import (
	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/wire"
)

// Capability codes (IANA "BGP Capability Codes").
const (
	CodeMultiprotocol      uint8 = 1
	CodeRouteRefresh       uint8 = 2
	CodeExtendedNextHop    uint8 = 5
	CodeExtendedMessage    uint8 = 6
	CodeGracefulRestart    uint8 = 64
	CodeASN4               uint8 = 65
	CodeAddPath            uint8 = 69
	CodeEnhancedRefresh    uint8 = 70
	CodeSoftwareVersion    uint8 = 75
	CodeRouteRefreshCisco  uint8 = 128
)

// AddPathDirection bit flags as carried in the add-path capability.
const (
	AddPathReceive uint8 = 1
	AddPathSend    uint8 = 2
)

// Capability is a tagged variant; each implementation knows its own
// code and how to pack its payload.
type Capability interface {
	Code() uint8
	Pack() []byte
}

// Multiprotocol announces support for one additional address family.
type Multiprotocol struct{ Family afi.Family }

func (m Multiprotocol) Code() uint8 { return CodeMultiprotocol }
func (m Multiprotocol) Pack() []byte {
	b := make([]byte, 4)
	copy(b[0:2], wire.PutUint16(m.Family.AFI))
	b[2] = 0
	b[3] = m.Family.SAFI
	return b
}

// RouteRefresh announces RFC 2918 route-refresh support (empty payload).
type RouteRefresh struct{}

func (RouteRefresh) Code() uint8   { return CodeRouteRefresh }
func (RouteRefresh) Pack() []byte  { return nil }

// EnhancedRefresh announces RFC 7313 enhanced (begin/end-marked) refresh.
type EnhancedRefresh struct{}

func (EnhancedRefresh) Code() uint8  { return CodeEnhancedRefresh }
func (EnhancedRefresh) Pack() []byte { return nil }

// ExtendedMessage announces RFC 8654 messages up to 65535 bytes.
type ExtendedMessage struct{}

func (ExtendedMessage) Code() uint8  { return CodeExtendedMessage }
func (ExtendedMessage) Pack() []byte { return nil }

// ASN4 carries the 4-byte AS number (RFC 6793).
type ASN4 struct{ ASN uint32 }

func (a ASN4) Code() uint8   { return CodeASN4 }
func (a ASN4) Pack() []byte  { return wire.PutUint32(a.ASN) }

// AddPath announces per-family, per-direction ADD-PATH support.
type AddPath struct {
	Entries []AddPathEntry
}

type AddPathEntry struct {
	Family    afi.Family
	Direction uint8 // AddPathReceive | AddPathSend, possibly both
}

func (a AddPath) Code() uint8 { return CodeAddPath }
func (a AddPath) Pack() []byte {
	b := make([]byte, 0, 4*len(a.Entries))
	for _, e := range a.Entries {
		b = append(b, wire.PutUint16(e.Family.AFI)...)
		b = append(b, e.Family.SAFI, e.Direction)
	}
	return b
}

// GracefulRestart carries the restart flag, restart time, and the set of
// families the peer claims to be preserving forwarding state for.
type GracefulRestart struct {
	RestartFlag bool
	RestartTime uint16 // 12 bits significant
	Families    []GracefulRestartFamily
}

type GracefulRestartFamily struct {
	Family    afi.Family
	ForwardingPreserved bool
}

func (g GracefulRestart) Code() uint8 { return CodeGracefulRestart }
func (g GracefulRestart) Pack() []byte {
	hdr := g.RestartTime & 0x0fff
	if g.RestartFlag {
		hdr |= 0x8000
	}
	b := wire.PutUint16(hdr)
	for _, f := range g.Families {
		b = append(b, wire.PutUint16(f.Family.AFI)...)
		flags := byte(0)
		if f.ForwardingPreserved {
			flags = 0x80
		}
		b = append(b, f.Family.SAFI, flags)
	}
	return b
}

// SoftwareVersion is a free-form capability (draft-abraitis-bgp-version-capability)
// some implementations advertise for diagnostics.
type SoftwareVersion struct{ Version string }

func (s SoftwareVersion) Code() uint8  { return CodeSoftwareVersion }
func (s SoftwareVersion) Pack() []byte { return []byte(s.Version) }

// Opaque holds a capability code this registry does not know how to
// interpret; its bytes are preserved verbatim so the OPEN round-trips.
type Opaque struct {
	CodeValue uint8
	Data      []byte
}

func (o Opaque) Code() uint8   { return o.CodeValue }
func (o Opaque) Pack() []byte  { return o.Data }

// Set is a decoded collection of capabilities, indexed by code for O(1)
// lookup (a session only ever carries one instance of most capability
// codes, multiprotocol/add-path being the exception via repeated entries).
type Set struct {
	byCode   map[uint8][]Capability
	ordered  []Capability
}

func NewSet() *Set { return &Set{byCode: make(map[uint8][]Capability)} }

func (s *Set) Add(c Capability) {
	s.byCode[c.Code()] = append(s.byCode[c.Code()], c)
	s.ordered = append(s.ordered, c)
}

func (s *Set) All() []Capability { return s.ordered }

func (s *Set) ByCode(code uint8) []Capability { return s.byCode[code] }

func (s *Set) Has(code uint8) bool { return len(s.byCode[code]) > 0 }

// Multiprotocols returns the set of families advertised via Multiprotocol
// capabilities.
func (s *Set) Multiprotocols() map[afi.Family]bool {
	out := make(map[afi.Family]bool)
	for _, c := range s.byCode[CodeMultiprotocol] {
		if mp, ok := c.(Multiprotocol); ok {
			out[mp.Family] = true
		}
	}
	return out
}

// ASN4Value returns the advertised 4-byte ASN and whether the capability
// was present.
func (s *Set) ASN4Value() (uint32, bool) {
	for _, c := range s.byCode[CodeASN4] {
		if a, ok := c.(ASN4); ok {
			return a.ASN, true
		}
	}
	return 0, false
}

// AddPathDirections returns, per family, the OR of direction bits
// advertised across all AddPath capability entries.
func (s *Set) AddPathDirections() map[afi.Family]uint8 {
	out := make(map[afi.Family]uint8)
	for _, c := range s.byCode[CodeAddPath] {
		if ap, ok := c.(AddPath); ok {
			for _, e := range ap.Entries {
				out[e.Family] |= e.Direction
			}
		}
	}
	return out
}

// Decode parses the capability TLVs inside one OPEN optional parameter
// value (the parameter's own type/length has already been stripped).
func Decode(b []byte) (*Set, error) {
	set := NewSet()
	for len(b) > 0 {
		if len(b) < 2 {
			return set, wire.NewEncodingError(2, 4, "capability: truncated header")
		}
		code := b[0]
		length := int(b[1])
		if len(b) < 2+length {
			return set, wire.NewEncodingError(2, 4, "capability: truncated value")
		}
		data := b[2 : 2+length]
		b = b[2+length:]

		cap, err := decodeOne(code, data)
		if err != nil {
			return set, err
		}
		set.Add(cap)
	}
	return set, nil
}

func decodeOne(code uint8, data []byte) (Capability, error) {
	switch code {
	case CodeMultiprotocol:
		if len(data) != 4 {
			return Opaque{code, data}, nil
		}
		afiVal, rest, _ := wire.Uint16(data)
		safi := rest[1]
		return Multiprotocol{Family: afi.Family{AFI: afiVal, SAFI: safi}}, nil
	case CodeRouteRefresh, CodeRouteRefreshCisco:
		return RouteRefresh{}, nil
	case CodeEnhancedRefresh:
		return EnhancedRefresh{}, nil
	case CodeExtendedMessage:
		return ExtendedMessage{}, nil
	case CodeASN4:
		if len(data) != 4 {
			return Opaque{code, data}, nil
		}
		v, _, _ := wire.Uint32(data)
		return ASN4{ASN: v}, nil
	case CodeAddPath:
		var entries []AddPathEntry
		for len(data) >= 4 {
			afiVal, _, _ := wire.Uint16(data)
			safi := data[2]
			dir := data[3]
			entries = append(entries, AddPathEntry{Family: afi.Family{AFI: afiVal, SAFI: safi}, Direction: dir})
			data = data[4:]
		}
		return AddPath{Entries: entries}, nil
	case CodeGracefulRestart:
		if len(data) < 2 {
			return Opaque{code, data}, nil
		}
		hdr, rest, _ := wire.Uint16(data)
		gr := GracefulRestart{RestartFlag: hdr&0x8000 != 0, RestartTime: hdr & 0x0fff}
		for len(rest) >= 4 {
			afiVal, _, _ := wire.Uint16(rest)
			safi := rest[2]
			flags := rest[3]
			gr.Families = append(gr.Families, GracefulRestartFamily{
				Family:              afi.Family{AFI: afiVal, SAFI: safi},
				ForwardingPreserved: flags&0x80 != 0,
			})
			rest = rest[4:]
		}
		return gr, nil
	case CodeSoftwareVersion:
		return SoftwareVersion{Version: string(data)}, nil
	default:
		return Opaque{CodeValue: code, Data: append([]byte(nil), data...)}, nil
	}
}

// Encode packs every capability in the set back into optional-parameter
// TLV form (type, length, value) for inclusion in an OPEN message.
func Encode(s *Set) []byte {
	var b []byte
	for _, c := range s.All() {
		payload := c.Pack()
		b = append(b, c.Code(), byte(len(payload)))
		b = append(b, payload...)
	}
	return b
}
