// Package peer owns everything one neighbor needs at runtime:
// configuration, connection, negotiated session (once established),
// FSM state, adj-rib-in/out, and counters. A Peer never imports
// internal/reactor; the reactor drives peers through this package's
// exported methods, never the reverse.
package peer

import (
	"crypto/tls"
	"fmt"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/capability"
	"github.com/route-beacon/bgpd/internal/connection"
	"github.com/route-beacon/bgpd/internal/fsm"
	"github.com/route-beacon/bgpd/internal/message"
	"github.com/route-beacon/bgpd/internal/negotiate"
	"github.com/route-beacon/bgpd/internal/nlri"
	"github.com/route-beacon/bgpd/internal/rib"
	"github.com/route-beacon/bgpd/internal/wire"
)

// Config is one neighbor's static configuration (internal/config maps
// the on-disk YAML neighbor entry onto this).
type Config struct {
	RemoteAddress   string
	RemotePort      int
	LocalAddress    string
	LocalASN        uint32
	RemoteASN       uint32 // 0 means "accept whatever the peer advertises"
	Passive         bool
	MD5Key          string
	TTL             int
	HoldTime        uint16
	Identifier      [4]byte
	Families        []afi.Family
	AddPathFamilies map[afi.Family]uint8 // capability.AddPathSend|Receive bits we offer
	ExtendedMessage bool
	RouteRefresh    bool
	EnhancedRefresh bool
	GracefulRestart bool
	RestartTime     uint16
	TLS             *tls.Config
}

func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.RemoteAddress, c.RemotePort) }

// Counters tracks per-peer message/error statistics surfaced by
// "show neighbor" and the telemetry sink.
type Counters struct {
	Sent, Received                           uint64
	UpdatesSent, UpdatesReceived             uint64
	NotificationsSent, NotificationsReceived uint64
	LastError                                string
}

// Peer is one neighbor's complete runtime state.
type Peer struct {
	Config Config
	FSM    *fsm.FSM
	Conn   *connection.Conn

	Negotiated *negotiate.Negotiated
	AdjIn      *rib.AdjIn
	AdjOut     *rib.AdjOut
	Stats      Counters

	WeInitiated bool
	OpenSent    *message.Open

	// EoRPending tracks the families whose initial advertisement (value
	// false) or route refresh (value true) has not yet been closed with
	// an End-of-RIB marker on this session.
	EoRPending map[afi.Family]bool

	recvBuf []byte
	sendBuf []byte
}

// New builds a Peer in the Idle state with empty RIBs. Timer deadlines
// (connect-retry, hold, keepalive, OpenSent) are reactor-side
// bookkeeping, not Peer state: the reactor schedules and fires them, a
// Peer only reacts to the resulting fsm.Event.
func New(cfg Config) *Peer {
	return &Peer{
		Config: cfg,
		FSM:    fsm.New(cfg.Passive),
		AdjIn:  rib.NewAdjIn(),
		AdjOut: rib.NewAdjOut(),
	}
}

// BuildOpen constructs the OPEN message this peer will send, from its
// static configuration, and records it as OpenSent.
func (p *Peer) BuildOpen() message.Open {
	set := capability.NewSet()
	myASN := uint16(23456)
	if p.Config.LocalASN <= 65535 {
		myASN = uint16(p.Config.LocalASN)
	}
	set.Add(capability.ASN4{ASN: p.Config.LocalASN})
	for _, f := range p.Config.Families {
		set.Add(capability.Multiprotocol{Family: f})
	}
	if p.Config.RouteRefresh {
		set.Add(capability.RouteRefresh{})
	}
	if p.Config.EnhancedRefresh {
		set.Add(capability.EnhancedRefresh{})
	}
	if p.Config.ExtendedMessage {
		set.Add(capability.ExtendedMessage{})
	}
	if p.Config.GracefulRestart {
		gr := capability.GracefulRestart{RestartTime: p.Config.RestartTime}
		for _, f := range p.Config.Families {
			gr.Families = append(gr.Families, capability.GracefulRestartFamily{Family: f})
		}
		set.Add(gr)
	}
	if len(p.Config.AddPathFamilies) > 0 {
		var entries []capability.AddPathEntry
		for f, dir := range p.Config.AddPathFamilies {
			entries = append(entries, capability.AddPathEntry{Family: f, Direction: dir})
		}
		set.Add(capability.AddPath{Entries: entries})
	}

	open := message.Open{
		Version:    4,
		MyASN:      myASN,
		HoldTime:   p.Config.HoldTime,
		Identifier: p.Config.Identifier,
		Params:     set,
	}
	p.OpenSent = &open
	return open
}

// extendedMessage reports whether the RFC 8654 ceiling is in effect.
// Before Negotiated exists (during OPEN_SENT) the answer is always
// false: the safe 4096 default applies until both sides have agreed.
func (p *Peer) extendedMessage() bool {
	return p.Negotiated != nil && p.Negotiated.ExtendedMessage
}

// Reset drops the connection and every piece of per-session state, used
// whenever the FSM returns to Idle.
func (p *Peer) Reset() {
	if p.Conn != nil {
		p.Conn.Close()
	}
	p.Conn = nil
	p.Negotiated = nil
	p.OpenSent = nil
	p.EoRPending = nil
	p.recvBuf = nil
	p.sendBuf = nil
}

// HasPendingWrites reports whether QueueMessage left bytes unflushed.
func (p *Peer) HasPendingWrites() bool { return len(p.sendBuf) > 0 }

// FlushPending retries writing out the buffered tail; exported so the
// reactor can call it on writable-readiness events.
func (p *Peer) FlushPending() error { return p.flush() }

// flush writes as much of the pending send buffer as the connection
// accepts, retaining the unsent tail.
func (p *Peer) flush() error {
	for len(p.sendBuf) > 0 {
		n, err := p.Conn.Write(p.sendBuf)
		if n > 0 {
			p.sendBuf = p.sendBuf[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// QueueMessage frames m and appends it to the send buffer.
func (p *Peer) QueueMessage(m message.Message) error {
	var buf countingWriter
	if _, err := message.WriteTo(&buf, m); err != nil {
		return err
	}
	p.sendBuf = append(p.sendBuf, buf.b...)
	switch m.(type) {
	case message.Update:
		p.Stats.UpdatesSent++
	case message.Notification:
		p.Stats.NotificationsSent++
	}
	p.Stats.Sent++
	return p.flush()
}

type countingWriter struct{ b []byte }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// ReadAvailable drains whatever the connection has ready into the
// receive buffer and decodes every complete message it can, returning
// them in arrival order. A connection.ErrWouldBlock is not an error
// here, it just means "nothing more this tick."
func (p *Peer) ReadAvailable() ([]message.Message, error) {
	chunk := make([]byte, 65536)
	for {
		n, err := p.Conn.Read(chunk)
		if n > 0 {
			p.recvBuf = append(p.recvBuf, chunk[:n]...)
		}
		if err == connection.ErrWouldBlock {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}

	var out []message.Message
	for {
		m, consumed, ok, derr := message.DecodeFrame(p.recvBuf, p.extendedMessage(), p.addPathReceive(afi.IPv4Unicast))
		if derr != nil {
			return out, derr
		}
		if !ok {
			break
		}
		p.recvBuf = p.recvBuf[consumed:]
		p.Stats.Received++
		switch m.(type) {
		case message.Update:
			p.Stats.UpdatesReceived++
		case message.Notification:
			p.Stats.NotificationsReceived++
		}
		out = append(out, m)
	}
	return out, nil
}

// ExpandedChanges turns one received UPDATE into rib.Change values for
// every family it carries, including non-IPv4-unicast families folded
// into MP_REACH/MP_UNREACH attributes.
func (p *Peer) ExpandedChanges(u message.Update) ([]rib.Change, error) {
	changes := entryChanges(u.Withdrawn, nil)
	if len(u.NLRI) > 0 {
		a := u.Attributes
		changes = append(changes, entryChanges(u.NLRI, &a)...)
	}

	if p.Negotiated == nil {
		return changes, nil
	}
	expanded, err := message.ExpandMP(u, p.Negotiated.AddPathReceiveMap())
	if err != nil {
		return changes, err
	}
	for _, entries := range expanded {
		for _, e := range entries {
			c := rib.Change{NLRI: e.NLRI, PathID: e.PathID, HasPathID: e.HasPathID}
			if e.Action == nlri.Announce {
				a := u.Attributes
				c.Attrs = &a
			}
			changes = append(changes, c)
		}
	}
	return changes, nil
}

func entryChanges(entries []nlri.Entry, attrs *attr.Attributes) []rib.Change {
	var out []rib.Change
	for _, e := range entries {
		out = append(out, rib.Change{NLRI: e.NLRI, Attrs: attrs, PathID: e.PathID, HasPathID: e.HasPathID})
	}
	return out
}

// TreatAsWithdraw reports whether decoding u hit the RFC 7606 soft
// failure policy, meaning every reachable NLRI in u must be converted
// to a withdraw instead of an announce.
func TreatAsWithdraw(u message.Update) bool {
	return u.Attributes.Result == attr.TreatAsWithdraw
}

// DowngradeToWithdraws converts every change in changes that carries
// attributes into a bare withdraw, used when TreatAsWithdraw fires.
func DowngradeToWithdraws(changes []rib.Change) []rib.Change {
	out := make([]rib.Change, len(changes))
	for i, c := range changes {
		out[i] = rib.Change{NLRI: c.NLRI, PathID: c.PathID, HasPathID: c.HasPathID}
	}
	return out
}

// NotificationFor builds the wire message.Notification for a
// *wire.EncodingError, the bridge between the codec's error channel and
// the outbound message the FSM decides to send.
func NotificationFor(err *wire.EncodingError) message.Notification {
	return message.Notification{Code: err.Code, Subcode: err.Subcode, Data: err.Data}
}

// BuildUpdates turns one drained adj-rib-out batch into the minimum
// set of UPDATE messages: one carrying every withdraw (IPv4 unicast in
// the dedicated withdrawn-routes field, every other family folded into
// MP_UNREACH_NLRI), then one carrying every announce sharing the
// batch's attribute set (IPv4 unicast as trailing NLRI, other families
// via MP_REACH_NLRI with the configured next hop).
func (p *Peer) BuildUpdates(b *rib.Batch) []message.Update {
	if b == nil {
		return nil
	}
	var out []message.Update

	if len(b.Withdraws) > 0 {
		u := message.Update{}
		perFamily := map[afi.Family][]byte{}
		for _, c := range b.Withdraws {
			f := c.NLRI.Family()
			if f == afi.IPv4Unicast {
				u.Withdrawn = append(u.Withdrawn, c.Entry())
				continue
			}
			eb, err := nlri.EncodeOne(c.Entry(), p.addPathSend(f))
			if err != nil {
				continue
			}
			perFamily[f] = append(perFamily[f], eb...)
		}
		for f, raw := range perFamily {
			u.Attributes.List = append(u.Attributes.List, attr.MPUnreachNLRI{Fam: f, RawNLRI: raw})
		}
		if len(u.Withdrawn) > 0 || len(u.Attributes.List) > 0 {
			out = append(out, u)
		}
	}

	if len(b.Announces) > 0 {
		u := message.Update{}
		if b.Attrs != nil {
			u.Attributes = *b.Attrs
		}
		type reach struct {
			nextHop []byte
			raw     []byte
		}
		perFamily := map[afi.Family]*reach{}
		for _, c := range b.Announces {
			f := c.NLRI.Family()
			if f == afi.IPv4Unicast {
				u.NLRI = append(u.NLRI, c.Entry())
				continue
			}
			eb, err := nlri.EncodeOne(c.Entry(), p.addPathSend(f))
			if err != nil {
				continue
			}
			r := perFamily[f]
			if r == nil {
				r = &reach{nextHop: mpNextHop(u.Attributes)}
				perFamily[f] = r
			}
			r.raw = append(r.raw, eb...)
		}
		for f, r := range perFamily {
			u.Attributes.List = append(u.Attributes.List, attr.MPReachNLRI{Fam: f, NextHop: r.nextHop, RawNLRI: r.raw})
		}
		out = append(out, u)
	}
	return out
}

// addPathSend reports whether this session sends path-ids for family f.
func (p *Peer) addPathSend(f afi.Family) bool {
	if p.Negotiated == nil {
		return false
	}
	return p.Negotiated.AddPathFor(f).Send
}

// addPathReceive is the decode-direction twin of addPathSend.
func (p *Peer) addPathReceive(f afi.Family) bool {
	if p.Negotiated == nil {
		return false
	}
	return p.Negotiated.AddPathFor(f).Receive
}

// mpNextHop lifts the NEXT_HOP attribute's address into the raw
// next-hop field MP_REACH_NLRI carries (the classic attribute only
// applies to the IPv4-unicast fields of the UPDATE body).
func mpNextHop(a attr.Attributes) []byte {
	nh, ok := a.Get(attr.CodeNextHop)
	if !ok {
		return nil
	}
	n, ok := nh.(attr.NextHop)
	if !ok {
		return nil
	}
	if v4 := n.IP.To4(); v4 != nil {
		return []byte(v4)
	}
	return []byte(n.IP.To16())
}
