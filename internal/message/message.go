// Package message implements the BGP message codec: the 19-byte header
// framing every message shares, and the per-type body encode/decode for
// OPEN, UPDATE, NOTIFICATION, KEEPALIVE, ROUTE_REFRESH, OPERATIONAL, and
// the internal NOP signal.
package message

import (
	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/capability"
	"github.com/route-beacon/bgpd/internal/nlri"
)

// Type codes (RFC 4271 4.1).
const (
	TypeOpen         uint8 = 1
	TypeUpdate       uint8 = 2
	TypeNotification uint8 = 3
	TypeKeepalive    uint8 = 4
	TypeRouteRefresh uint8 = 5
	TypeOperational  uint8 = 9 // OPERATIONAL extension, not IANA-assigned
)

// Message is a tagged variant over every wire message type, plus NOP,
// an internal "no progress this tick" signal the reactor uses and that
// never reaches the wire.
type Message interface {
	Type() uint8
}

// NOP is returned by a read that made no progress; Type is never
// consulted because WriteTo refuses to put a NOP on the wire.
type NOP struct{}

func (NOP) Type() uint8 { return 0 }

// Open is the BGP OPEN message (RFC 4271 4.2).
type Open struct {
	Version    uint8
	MyASN      uint16 // AS_TRANS (23456) when the real ASN exceeds 16 bits
	HoldTime   uint16
	Identifier [4]byte
	Params     *capability.Set
	// ExtendedParams is set when this OPEN used the RFC 9072 extended
	// optional-parameter encoding, so a reply can match the peer's form.
	ExtendedParams bool
}

func (Open) Type() uint8 { return TypeOpen }

// Update is the BGP UPDATE message (RFC 4271 4.3). Withdrawn and NLRI
// hold the IPv4-unicast body fields; every other family stays inside
// the MP_REACH_NLRI/MP_UNREACH_NLRI attributes until ExpandMP decodes it.
type Update struct {
	Withdrawn  []nlri.Entry // IPv4 unicast only, the wire's dedicated field
	Attributes attr.Attributes
	NLRI       []nlri.Entry // IPv4 unicast only, trailing reachable routes
}

func (Update) Type() uint8 { return TypeUpdate }

// Notification is the BGP NOTIFICATION message (RFC 4271 4.5). Sending
// one MUST be followed by closing the connection once the bytes flush.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (Notification) Type() uint8 { return TypeNotification }

// Keepalive is header-only (RFC 4271 4.4).
type Keepalive struct{}

func (Keepalive) Type() uint8 { return TypeKeepalive }

// Route refresh subtypes under RFC 7313 enhanced refresh.
const (
	RefreshNormal     uint8 = 0
	RefreshBeginOfRIB uint8 = 1
	RefreshEndOfRIB   uint8 = 2
)

// RouteRefresh is RFC 2918 / RFC 7313.
type RouteRefresh struct {
	Family  afi.Family
	Subtype uint8
}

func (RouteRefresh) Type() uint8 { return TypeRouteRefresh }

// Operational carries the operational-message extension some speakers
// exchange; this implementation decodes the envelope and keeps the body
// opaque.
type Operational struct {
	OpType uint16
	Fam    afi.Family
	Data   []byte
}

func (Operational) Type() uint8 { return TypeOperational }

// IsEndOfRIB reports whether u is the IPv4-unicast End-of-RIB marker: an
// UPDATE with empty withdrawn, empty attributes, empty NLRI.
func (u Update) IsEndOfRIB() bool {
	return len(u.Withdrawn) == 0 && len(u.Attributes.List) == 0 && len(u.NLRI) == 0
}

// MPUnreachEndOfRIB builds the generic End-of-RIB marker for a non-IPv4-
// unicast family: an UPDATE containing only an empty MP_UNREACH_NLRI.
func MPUnreachEndOfRIB(f afi.Family) Update {
	return Update{Attributes: attr.Attributes{List: []attr.Attribute{
		attr.MPUnreachNLRI{Fam: f, RawNLRI: nil},
	}}}
}
