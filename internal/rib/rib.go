// Package rib implements the per-peer adj-rib-in and adj-rib-out
// structures: ordered change queues with dedup and withdraw-before-
// announce ordering. Both structures are single-writer (the owning
// peer's reactor tick); no internal locking.
package rib

import (
	"fmt"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/nlri"
)

// Change pairs an NLRI with its attributes; Attrs == nil means
// withdraw. PathID is meaningful only when HasPathID is set (ADD-PATH
// negotiated for the route's family): two changes for the same prefix
// with different path-ids are distinct routes.
type Change struct {
	NLRI      nlri.NLRI
	Attrs     *attr.Attributes
	PathID    uint32
	HasPathID bool
}

func (c Change) isWithdraw() bool { return c.Attrs == nil }

// Key identifies this change for adj-RIB purposes: the NLRI key plus
// the path-id when one is carried. Action never participates, so a
// withdraw and an announce of the same route share a key.
func (c Change) Key() string {
	if c.HasPathID {
		return fmt.Sprintf("%s#%d", c.NLRI.Key(), c.PathID)
	}
	return c.NLRI.Key()
}

// Entry converts the change back into the NLRI-registry form the
// message codec encodes from.
func (c Change) Entry() nlri.Entry {
	action := nlri.Announce
	if c.isWithdraw() {
		action = nlri.Withdraw
	}
	return nlri.Entry{NLRI: c.NLRI, Action: action, PathID: c.PathID, HasPathID: c.HasPathID}
}

// pending is one key's current queued state plus the order it was last
// touched in, so Drain can emit withdraws before announces while still
// processing keys in a stable order.
type pending struct {
	change Change
	seq    int
}

// AdjOut is the per-peer pending-change queue: Add overwrites a key's
// prior pending change; Drain returns every pending withdraw first, in
// a batch of its own, and only then batches of announce-changes sharing
// one Attributes pointer.
type AdjOut struct {
	byKey map[string]*pending
	seq   int
}

func NewAdjOut() *AdjOut {
	return &AdjOut{byKey: make(map[string]*pending)}
}

// Add enqueues change, replacing any previously pending change for the
// same key (announce overrides prior announce; withdraw overrides prior
// announce and vice versa).
func (a *AdjOut) Add(c Change) {
	a.seq++
	key := c.Key()
	if p, ok := a.byKey[key]; ok {
		p.change = c
		p.seq = a.seq
		return
	}
	a.byKey[key] = &pending{change: c, seq: a.seq}
}

// Pending reports how many keys currently have a queued change.
func (a *AdjOut) Pending() int { return len(a.byKey) }

// Batch is one drained unit: either withdraws only, or announces only,
// all announces in the batch sharing the same Attrs pointer so they
// pack into a single UPDATE.
type Batch struct {
	Withdraws []Change
	Announces []Change
	Attrs     *attr.Attributes
}

// Drain returns a batch of every pending withdraw if any is queued;
// otherwise it selects pending announce-changes that share the same
// *attr.Attributes pointer, at most msgBudget of them (no bound when
// msgBudget <= 0). Removes everything it selects from the queue and
// returns nil once the queue is empty. Because withdraws are drained
// before any announce, a receiver never applies a stale announce after
// its withdraw.
func (a *AdjOut) Drain(msgBudget int) *Batch {
	if len(a.byKey) == 0 {
		return nil
	}

	var withdraws []Change
	withdrawKeys := make([]string, 0)
	for key, p := range a.byKey {
		if p.change.isWithdraw() {
			withdraws = append(withdraws, p.change)
			withdrawKeys = append(withdrawKeys, key)
		}
	}
	for _, key := range withdrawKeys {
		delete(a.byKey, key)
	}
	if len(withdraws) > 0 {
		return &Batch{Withdraws: withdraws}
	}

	// No withdraws pending: pick one attribute set and drain every
	// announce sharing it, up to msgBudget.
	var pivotAttrs *attr.Attributes
	var announces []Change
	var drainKeys []string
	for key, p := range a.byKey {
		if pivotAttrs == nil {
			pivotAttrs = p.change.Attrs
		}
		if p.change.Attrs != pivotAttrs {
			continue
		}
		announces = append(announces, p.change)
		drainKeys = append(drainKeys, key)
		if msgBudget > 0 && len(announces) >= msgBudget {
			break
		}
	}
	for _, key := range drainKeys {
		delete(a.byKey, key)
	}
	if len(announces) == 0 {
		return nil
	}
	return &Batch{Announces: announces, Attrs: pivotAttrs}
}

// Flush discards every pending change without emitting anything (the
// "clear adj-rib-out" control command).
func (a *AdjOut) Flush() {
	a.byKey = make(map[string]*pending)
}

// inEntry is one adj-rib-in slot: the last-seen Change for this key,
// plus a stale flag used during graceful restart.
type inEntry struct {
	change Change
	stale  bool
}

// AdjIn is the per-peer last-seen-Change snapshot, used for graceful-
// restart stale-marking and for event fidelity toward external
// processes.
type AdjIn struct {
	byKey map[string]*inEntry
}

func NewAdjIn() *AdjIn {
	return &AdjIn{byKey: make(map[string]*inEntry)}
}

// Observe records c as the last-seen change for its key.
func (a *AdjIn) Observe(c Change) {
	if c.isWithdraw() {
		delete(a.byKey, c.Key())
		return
	}
	a.byKey[c.Key()] = &inEntry{change: c}
}

// MarkAllStale flags every currently-held entry stale, called when the
// peer restarts with the graceful-restart flag set.
func (a *AdjIn) MarkAllStale() {
	for _, e := range a.byKey {
		e.stale = true
	}
}

// ClearStale drops every entry still marked stale, regardless of
// family (stale-routes timer expiry).
func (a *AdjIn) ClearStale() {
	for key, e := range a.byKey {
		if e.stale {
			delete(a.byKey, key)
		}
	}
}

// ClearStaleFamily drops stale entries for one family only, the effect
// of receiving that family's End-of-RIB marker.
func (a *AdjIn) ClearStaleFamily(f afi.Family) {
	for key, e := range a.byKey {
		if e.stale && e.change.NLRI.Family() == f {
			delete(a.byKey, key)
		}
	}
}

// Get returns the last-seen change for key, if any.
func (a *AdjIn) Get(key string) (Change, bool) {
	e, ok := a.byKey[key]
	if !ok {
		return Change{}, false
	}
	return e.change, true
}

// Len reports the number of routes currently held.
func (a *AdjIn) Len() int { return len(a.byKey) }
