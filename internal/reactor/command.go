package reactor

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/nlri"
	"github.com/route-beacon/bgpd/internal/rib"
)

// parseRouteCommand turns one "announce route ..." / "withdraw route ..."
// line from an external process into a rib.Change. The grammar is the
// line-oriented command surface the stdio protocol documents:
//
//	announce route <prefix> next-hop <ip> [origin igp|egp|incomplete]
//	    [as-path [asn ...]] [med <n>] [local-preference <n>]
//	    [community [a:b ...]]
//	withdraw route <prefix>
//
// A withdraw carries no attributes; an announce requires at least a
// next hop.
func parseRouteCommand(line string) (rib.Change, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[1] != "route" {
		return rib.Change{}, fmt.Errorf("expected '<announce|withdraw> route <prefix> ...'")
	}
	verb := fields[0]

	prefix, err := parsePrefix(fields[2])
	if err != nil {
		return rib.Change{}, err
	}

	if verb == "withdraw" {
		return rib.Change{NLRI: prefix}, nil
	}
	if verb != "announce" {
		return rib.Change{}, fmt.Errorf("unknown route verb %q", verb)
	}

	attrs, err := parseRouteAttributes(fields[3:])
	if err != nil {
		return rib.Change{}, err
	}
	if _, ok := attrs.Get(attr.CodeNextHop); !ok {
		return rib.Change{}, fmt.Errorf("announce requires next-hop")
	}
	return rib.Change{NLRI: prefix, Attrs: attrs}, nil
}

func parsePrefix(s string) (nlri.IPPrefix, error) {
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nlri.IPPrefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
	}
	bits, _ := ipnet.Mask.Size()
	fam := afi.IPv6Unicast
	if v4 := ip.To4(); v4 != nil {
		fam = afi.IPv4Unicast
		ip = v4
	}
	return nlri.IPPrefix{Fam: fam, IP: ip, Bits: bits}, nil
}

func parseRouteAttributes(fields []string) (*attr.Attributes, error) {
	origin := attr.Origin{Value: attr.OriginIGP}
	asPath := attr.ASPath{}
	var list []attr.Attribute

	i := 0
	for i < len(fields) {
		switch fields[i] {
		case "next-hop":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("next-hop requires a value")
			}
			ip := net.ParseIP(fields[i+1])
			if ip == nil {
				return nil, fmt.Errorf("invalid next-hop %q", fields[i+1])
			}
			list = append(list, attr.NextHop{IP: ip})
			i += 2
		case "origin":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("origin requires a value")
			}
			switch fields[i+1] {
			case "igp":
				origin = attr.Origin{Value: attr.OriginIGP}
			case "egp":
				origin = attr.Origin{Value: attr.OriginEGP}
			case "incomplete":
				origin = attr.Origin{Value: attr.OriginIncomplete}
			default:
				return nil, fmt.Errorf("invalid origin %q", fields[i+1])
			}
			i += 2
		case "med":
			v, n, err := parseUint32(fields, i)
			if err != nil {
				return nil, err
			}
			list = append(list, attr.MED{Value: v})
			i = n
		case "local-preference":
			v, n, err := parseUint32(fields, i)
			if err != nil {
				return nil, err
			}
			list = append(list, attr.LocalPref{Value: v})
			i = n
		case "as-path":
			asns, n, err := parseBracketList(fields, i+1)
			if err != nil {
				return nil, err
			}
			var seq []uint32
			for _, s := range asns {
				v, err := strconv.ParseUint(s, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("invalid asn %q", s)
				}
				seq = append(seq, uint32(v))
			}
			asPath = attr.ASPath{Segments: []attr.ASPathSegment{{ASNs: seq}}}
			i = n
		case "community":
			vals, n, err := parseBracketList(fields, i+1)
			if err != nil {
				return nil, err
			}
			var comm attr.Community
			for _, s := range vals {
				v, err := parseCommunity(s)
				if err != nil {
					return nil, err
				}
				comm.Values = append(comm.Values, v)
			}
			list = append(list, comm)
			i = n
		default:
			return nil, fmt.Errorf("unknown attribute keyword %q", fields[i])
		}
	}

	out := &attr.Attributes{List: append([]attr.Attribute{origin, asPath}, list...)}
	return out, nil
}

func parseUint32(fields []string, i int) (uint32, int, error) {
	if i+1 >= len(fields) {
		return 0, 0, fmt.Errorf("%s requires a value", fields[i])
	}
	v, err := strconv.ParseUint(fields[i+1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid %s %q", fields[i], fields[i+1])
	}
	return uint32(v), i + 2, nil
}

// parseBracketList consumes a "[ a b c ]" run starting at fields[i],
// tolerating both spaced brackets and brackets glued to the first/last
// element, returning the elements and the index just past the list.
func parseBracketList(fields []string, i int) ([]string, int, error) {
	if i >= len(fields) {
		return nil, 0, fmt.Errorf("expected '[' list")
	}
	var items []string
	open := false
	for ; i < len(fields); i++ {
		f := fields[i]
		if !open {
			if !strings.HasPrefix(f, "[") {
				return nil, 0, fmt.Errorf("expected '[' before %q", f)
			}
			open = true
			f = strings.TrimPrefix(f, "[")
			if f == "" {
				continue
			}
		}
		closed := strings.HasSuffix(f, "]")
		f = strings.TrimSuffix(f, "]")
		if f != "" {
			items = append(items, f)
		}
		if closed {
			return items, i + 1, nil
		}
	}
	return nil, 0, fmt.Errorf("unterminated '[' list")
}

func parseCommunity(s string) (uint32, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid community %q", s)
	}
	hi, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid community %q", s)
	}
	lo, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid community %q", s)
	}
	return uint32(hi)<<16 | uint32(lo), nil
}
