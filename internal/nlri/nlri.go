// Package nlri implements the family-indexed NLRI registry: for every
// supported (AFI, SAFI), a decoder and encoder consuming/producing
// exactly the bytes of one NLRI entry.
package nlri

import (
	"fmt"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/wire"
)

// Action says whether an NLRI entry is being announced or withdrawn.
// NLRI identity (Key) never includes the action.
type Action int

const (
	Announce Action = iota
	Withdraw
)

// NLRI is a tagged variant over every supported family's payload.
type NLRI interface {
	Family() afi.Family
	// Key identifies this route for adj-RIB purposes, independent of
	// Action (a withdraw and an announce of the same route share a key).
	Key() string
}

// Entry pairs a decoded NLRI with its action and optional path-id, the
// value decode/encode actually produce.
type Entry struct {
	NLRI   NLRI
	Action Action
	PathID uint32
	HasPathID bool
}

// Codec is the pair of pure functions registered for one family.
type Codec struct {
	// Decode consumes exactly one NLRI's bytes (path-id already
	// stripped by the generic wrapper below if addpath is enabled) and
	// returns the remaining bytes.
	Decode func(b []byte) (NLRI, []byte, error)
	Encode func(n NLRI) []byte
}

var registry = map[afi.Family]Codec{}

// Register installs the codec for a family. Called from each family's
// init() function; the table is complete before main runs and never
// mutated afterward.
func Register(f afi.Family, c Codec) {
	registry[f] = c
}

func lookup(f afi.Family) (Codec, error) {
	c, ok := registry[f]
	if !ok {
		return Codec{}, wire.NewEncodingError(3, 9, fmt.Sprintf("nlri: unsupported family %s", f))
	}
	return c, nil
}

// DecodeOne decodes a single NLRI entry for the given family, consuming
// the leading 32-bit path-id first when addpath is negotiated for this
// family/direction.
func DecodeOne(f afi.Family, addpath bool, b []byte) (Entry, []byte, error) {
	c, err := lookup(f)
	if err != nil {
		return Entry{}, nil, err
	}
	var e Entry
	if addpath {
		v, rest, err := wire.Uint32(b)
		if err != nil {
			return Entry{}, nil, err
		}
		e.PathID = v
		e.HasPathID = true
		b = rest
	}
	n, rest, err := c.Decode(b)
	if err != nil {
		return Entry{}, nil, err
	}
	e.NLRI = n
	return e, rest, nil
}

// EncodeOne encodes a single NLRI entry, prepending the path-id when
// addpath is enabled for this family/direction.
func EncodeOne(e Entry, addpath bool) ([]byte, error) {
	c, err := lookup(e.NLRI.Family())
	if err != nil {
		return nil, err
	}
	var b []byte
	if addpath {
		b = append(b, wire.PutUint32(e.PathID)...)
	}
	b = append(b, c.Encode(e.NLRI)...)
	return b, nil
}

// DecodeAll decodes every NLRI entry packed back-to-back in b (the
// withdrawn-routes or NLRI section of an UPDATE, or the NLRI tail of an
// MP_REACH/MP_UNREACH attribute), assigning the given Action to each.
func DecodeAll(f afi.Family, addpath bool, b []byte, action Action) ([]Entry, error) {
	var entries []Entry
	for len(b) > 0 {
		e, rest, err := DecodeOne(f, addpath, b)
		if err != nil {
			return entries, err
		}
		e.Action = action
		entries = append(entries, e)
		b = rest
	}
	return entries, nil
}
