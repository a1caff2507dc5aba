// Package negotiate builds the immutable Negotiated session agreement
// from the local OPEN we sent and the remote OPEN we received: one
// function, explicit inputs, an explicit (*Negotiated,
// *message.Notification) result instead of a package-global session.
package negotiate

import (
	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/capability"
	"github.com/route-beacon/bgpd/internal/message"
)

// AddPathDirection records, for one family, whether this session sends
// and/or receives additional paths.
type AddPathDirection struct {
	Send, Receive bool
}

// Negotiated is the immutable agreement produced by a successful OPEN
// exchange. Created once; every later codec call on this session reads
// it but never mutates it.
type Negotiated struct {
	LocalASN, RemoteASN       uint32
	HoldTime, KeepaliveTime   uint16
	LocalID, RemoteID         [4]byte
	FamiliesIn, FamiliesOut   map[afi.Family]bool
	AddPath                   map[afi.Family]AddPathDirection
	ExtendedMessage           bool
	RouteRefresh              bool
	EnhancedRouteRefresh      bool
	GracefulRestart           *capability.GracefulRestart
}

// Negotiate applies the session rules: hold = min(local, remote); the
// ASN4 capability overrides the 2-byte header ASN when advertised;
// families are the intersection of advertised MP-BGP capabilities per
// direction; add-path is the AND of what each side offered for that
// direction. Returns a NOTIFICATION instead of an error when a
// negotiation rule is violated, so the FSM can send it directly.
func Negotiate(localOpen, remoteOpen message.Open, localID, remoteID [4]byte) (*Negotiated, *message.Notification) {
	if remoteOpen.Version != 4 {
		return nil, &message.Notification{Code: 1, Subcode: 1, Data: []byte{4}}
	}
	if remoteOpen.HoldTime == 1 || remoteOpen.HoldTime == 2 {
		return nil, &message.Notification{Code: 2, Subcode: 6}
	}
	if remoteID == localID {
		return nil, &message.Notification{Code: 2, Subcode: 3}
	}

	hold := localOpen.HoldTime
	if remoteOpen.HoldTime < hold {
		hold = remoteOpen.HoldTime
	}
	var keepalive uint16
	if hold != 0 {
		keepalive = hold / 3
	}

	localASN := uint32(localOpen.MyASN)
	if v, ok := localOpen.Params.ASN4Value(); ok {
		localASN = v
	}
	remoteASN := uint32(remoteOpen.MyASN)
	if v, ok := remoteOpen.Params.ASN4Value(); ok {
		remoteASN = v
	}

	localMP := localOpen.Params.Multiprotocols()
	remoteMP := remoteOpen.Params.Multiprotocols()
	if len(localMP) == 0 {
		localMP = map[afi.Family]bool{afi.IPv4Unicast: true}
	}
	if len(remoteMP) == 0 {
		remoteMP = map[afi.Family]bool{afi.IPv4Unicast: true}
	}

	familiesIn := map[afi.Family]bool{}
	familiesOut := map[afi.Family]bool{}
	for f := range localMP {
		if remoteMP[f] {
			familiesOut[f] = true
			familiesIn[f] = true
		}
	}

	localAP := localOpen.Params.AddPathDirections()
	remoteAP := remoteOpen.Params.AddPathDirections()
	addpath := map[afi.Family]AddPathDirection{}
	for f := range familiesIn {
		lv := localAP[f]
		rv := remoteAP[f]
		dir := AddPathDirection{
			// We send extra paths only if we offered to send and the
			// peer offered to receive.
			Send:    lv&capability.AddPathSend != 0 && rv&capability.AddPathReceive != 0,
			Receive: lv&capability.AddPathReceive != 0 && rv&capability.AddPathSend != 0,
		}
		if dir.Send || dir.Receive {
			addpath[f] = dir
		}
	}

	n := &Negotiated{
		LocalASN:             localASN,
		RemoteASN:            remoteASN,
		HoldTime:             hold,
		KeepaliveTime:        keepalive,
		LocalID:              localID,
		RemoteID:             remoteID,
		FamiliesIn:           familiesIn,
		FamiliesOut:          familiesOut,
		AddPath:              addpath,
		ExtendedMessage:      localOpen.Params.Has(capabilityExtendedMessage) && remoteOpen.Params.Has(capabilityExtendedMessage),
		RouteRefresh:         remoteOpen.Params.Has(capabilityRouteRefresh),
		EnhancedRouteRefresh: localOpen.Params.Has(capabilityEnhancedRefresh) && remoteOpen.Params.Has(capabilityEnhancedRefresh),
	}
	for _, c := range remoteOpen.Params.ByCode(capabilityGracefulRestart) {
		if gr, ok := c.(capability.GracefulRestart); ok {
			grCopy := gr
			n.GracefulRestart = &grCopy
		}
	}
	return n, nil
}

// Local aliases so this file need not repeat capability.Code* everywhere.
const (
	capabilityExtendedMessage = capability.CodeExtendedMessage
	capabilityRouteRefresh    = capability.CodeRouteRefresh
	capabilityEnhancedRefresh = capability.CodeEnhancedRefresh
	capabilityGracefulRestart = capability.CodeGracefulRestart
)

// AddPathFor reports the negotiated add-path send/receive state for one
// family, defaulting to all-false when the family carries no add-path
// agreement.
func (n *Negotiated) AddPathFor(f afi.Family) AddPathDirection {
	return n.AddPath[f]
}

// AddPathReceiveMap builds the per-family add-path-receive lookup the
// message codec's ExpandMP needs: the decode direction is whether we,
// the receiver, negotiated to receive path-ids for this family.
func (n *Negotiated) AddPathReceiveMap() map[afi.Family]bool {
	out := make(map[afi.Family]bool, len(n.AddPath))
	for f, d := range n.AddPath {
		out[f] = d.Receive
	}
	return out
}
