package message

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/capability"
	"github.com/route-beacon/bgpd/internal/nlri"
	"github.com/route-beacon/bgpd/internal/wire"
)

// extendedOptionalParamMarker is the RFC 9072 sentinel: an optional
// parameter of this type, as the very first one, says every optional
// parameter that follows (including this one) uses a 2-byte length
// instead of 1-byte.
const extendedOptionalParamMarker uint8 = 255

const optParamCapabilities uint8 = 2

// ReadFrom reads exactly one BGP message (header + body) from r,
// enforcing the body-length ceiling negotiated for this session: 4096
// bytes unless extendedMessage is true, in which case 65535.
func ReadFrom(r io.Reader, extendedMessage bool) (Message, error) {
	hdr := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	for _, b := range hdr[:16] {
		if b != 0xff {
			return nil, wire.NewEncodingError(1, 1, "message: marker is not all-ones")
		}
	}
	totalLen := binary.BigEndian.Uint16(hdr[16:18])
	msgType := hdr[18]
	if totalLen < wire.HeaderLen {
		return nil, wire.NewEncodingError(1, 2, "message: length shorter than header")
	}
	ceiling := uint16(4096)
	if extendedMessage {
		ceiling = 65535
	}
	if totalLen > ceiling {
		return nil, wire.NewEncodingError(1, 2, fmt.Sprintf("message: length %d exceeds negotiated ceiling %d", totalLen, ceiling))
	}
	body := make([]byte, int(totalLen)-wire.HeaderLen)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return decodeBody(msgType, body, false)
}

// DecodeFrame tries to decode exactly one message out of the front of
// buf without blocking, for callers (the peer engine) that accumulate
// bytes from a non-blocking connection.Conn rather than an io.Reader.
// It returns the decoded message, how many bytes of buf it consumed,
// and ok=false if buf does not yet hold a complete message (the caller
// should read more and retry). addpathV4 says whether the session
// negotiated receiving path-ids for IPv4 unicast, the one family whose
// NLRI live in the UPDATE body rather than an MP attribute.
func DecodeFrame(buf []byte, extendedMessage, addpathV4 bool) (msg Message, consumed int, ok bool, err error) {
	if len(buf) < wire.HeaderLen {
		return nil, 0, false, nil
	}
	for _, b := range buf[:16] {
		if b != 0xff {
			return nil, 0, false, wire.NewEncodingError(1, 1, "message: marker is not all-ones")
		}
	}
	totalLen := int(binary.BigEndian.Uint16(buf[16:18]))
	msgType := buf[18]
	if totalLen < wire.HeaderLen {
		return nil, 0, false, wire.NewEncodingError(1, 2, "message: length shorter than header")
	}
	ceiling := 4096
	if extendedMessage {
		ceiling = 65535
	}
	if totalLen > ceiling {
		return nil, 0, false, wire.NewEncodingError(1, 2, fmt.Sprintf("message: length %d exceeds negotiated ceiling %d", totalLen, ceiling))
	}
	if len(buf) < totalLen {
		return nil, 0, false, nil
	}
	m, derr := decodeBody(msgType, buf[wire.HeaderLen:totalLen], addpathV4)
	if derr != nil {
		return nil, totalLen, true, derr
	}
	return m, totalLen, true, nil
}

func decodeBody(msgType uint8, body []byte, addpathV4 bool) (Message, error) {
	switch msgType {
	case TypeOpen:
		return decodeOpen(body)
	case TypeUpdate:
		return DecodeUpdate(body, addpathV4)
	case TypeNotification:
		return decodeNotification(body)
	case TypeKeepalive:
		return Keepalive{}, nil
	case TypeRouteRefresh:
		return decodeRouteRefresh(body)
	case TypeOperational:
		return decodeOperational(body)
	default:
		return nil, wire.NewEncodingError(1, 3, fmt.Sprintf("message: unrecognized type %d", msgType))
	}
}

// WriteTo frames m with the 19-byte header and writes it to w.
func WriteTo(w io.Writer, m Message) (int, error) {
	body, err := encodeBody(m)
	if err != nil {
		return 0, err
	}
	total := wire.HeaderLen + len(body)
	out := make([]byte, 0, total)
	out = append(out, wire.Marker[:]...)
	out = append(out, byte(total>>8), byte(total))
	out = append(out, m.Type())
	out = append(out, body...)
	return w.Write(out)
}

func encodeBody(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Open:
		return encodeOpen(v), nil
	case Update:
		return EncodeUpdate(v, nil), nil
	case Notification:
		return append([]byte{v.Code, v.Subcode}, v.Data...), nil
	case Keepalive:
		return nil, nil
	case RouteRefresh:
		return encodeRouteRefresh(v), nil
	case Operational:
		return encodeOperational(v), nil
	default:
		return nil, fmt.Errorf("message: cannot encode %T onto the wire", m)
	}
}

func decodeOpen(b []byte) (Message, error) {
	if len(b) < 10 {
		return nil, wire.NewEncodingError(1, 2, "message: OPEN shorter than fixed fields")
	}
	o := Open{
		Version:  b[0],
		HoldTime: binary.BigEndian.Uint16(b[3:5]),
	}
	o.MyASN = binary.BigEndian.Uint16(b[1:3])
	copy(o.Identifier[:], b[5:9])
	paramsLen := int(b[9])
	rest := b[10:]
	if len(rest) < paramsLen {
		return nil, wire.NewEncodingError(1, 2, "message: OPEN optional parameters truncated")
	}
	params := rest[:paramsLen]

	set := capability.NewSet()
	extended := false
	first := true
	for len(params) > 0 {
		if first && len(params) >= 1 && params[0] == extendedOptionalParamMarker && len(params) >= 3 {
			extended = true
		}
		first = false

		if extended {
			if len(params) < 3 {
				return nil, wire.NewEncodingError(2, 4, "message: truncated extended optional parameter")
			}
			ptype := params[0]
			plen := int(binary.BigEndian.Uint16(params[1:3]))
			if len(params) < 3+plen {
				return nil, wire.NewEncodingError(2, 4, "message: truncated extended optional parameter value")
			}
			value := params[3 : 3+plen]
			params = params[3+plen:]
			if ptype == optParamCapabilities {
				caps, err := capability.Decode(value)
				if err != nil {
					return nil, err
				}
				for _, c := range caps.All() {
					set.Add(c)
				}
			}
			continue
		}

		if len(params) < 2 {
			return nil, wire.NewEncodingError(2, 4, "message: truncated optional parameter")
		}
		ptype := params[0]
		plen := int(params[1])
		if len(params) < 2+plen {
			return nil, wire.NewEncodingError(2, 4, "message: truncated optional parameter value")
		}
		value := params[2 : 2+plen]
		params = params[2+plen:]
		if ptype != optParamCapabilities {
			return nil, wire.NewEncodingError(2, 4, "message: unsupported optional parameter")
		}
		if ptype == optParamCapabilities {
			caps, err := capability.Decode(value)
			if err != nil {
				return nil, err
			}
			for _, c := range caps.All() {
				set.Add(c)
			}
		}
	}
	o.Params = set
	o.ExtendedParams = extended
	return o, nil
}

func encodeOpen(o Open) []byte {
	capBytes := capability.Encode(o.Params)

	var params []byte
	if o.ExtendedParams {
		params = append(params, extendedOptionalParamMarker, byte(len(capBytes)>>8), byte(len(capBytes)))
		params = append(params, capBytes...)
	} else {
		params = append(params, optParamCapabilities, byte(len(capBytes)))
		params = append(params, capBytes...)
	}

	b := make([]byte, 0, 10+len(params))
	b = append(b, o.Version)
	b = append(b, byte(o.MyASN>>8), byte(o.MyASN))
	b = append(b, byte(o.HoldTime>>8), byte(o.HoldTime))
	b = append(b, o.Identifier[:]...)
	b = append(b, byte(len(params)))
	b = append(b, params...)
	return b
}

// DecodeUpdate parses an UPDATE body into withdrawn routes, attributes,
// and reachable routes for the IPv4-unicast fields the wire format
// always carries directly; MP_REACH_NLRI/MP_UNREACH_NLRI for every
// other family stay as raw attribute payloads until ExpandMP turns them
// into nlri.Entry values once the caller knows the negotiated add-path
// state per family.
func DecodeUpdate(b []byte, addpathV4Unicast bool) (Update, error) {
	if len(b) < 2 {
		return Update{}, wire.NewEncodingError(1, 2, "message: UPDATE shorter than withdrawn-length field")
	}
	withdrawnLen := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < withdrawnLen {
		return Update{}, wire.NewEncodingError(1, 2, "message: UPDATE withdrawn routes truncated")
	}
	withdrawnBytes := b[:withdrawnLen]
	b = b[withdrawnLen:]

	withdrawn, err := nlri.DecodeAll(afi.IPv4Unicast, addpathV4Unicast, withdrawnBytes, nlri.Withdraw)
	if err != nil {
		return Update{}, err
	}

	if len(b) < 2 {
		return Update{}, wire.NewEncodingError(1, 2, "message: UPDATE shorter than attribute-length field")
	}
	attrLen := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < attrLen {
		return Update{}, wire.NewEncodingError(1, 2, "message: UPDATE attributes truncated")
	}
	attrBytes := b[:attrLen]
	b = b[attrLen:]

	attrs, derr := attr.Unpack(attrBytes)
	if derr != nil {
		return Update{}, wire.NewEncodingError(derr.Code, derr.Subcode, derr.Error())
	}

	reach, err := nlri.DecodeAll(afi.IPv4Unicast, addpathV4Unicast, b, nlri.Announce)
	if err != nil {
		return Update{}, err
	}

	return Update{Withdrawn: withdrawn, Attributes: attrs, NLRI: reach}, nil
}

// ExpandMP decodes the raw NLRI payload carried inside any MP_REACH_NLRI/
// MP_UNREACH_NLRI attribute on u into nlri.Entry values, keyed by family,
// using addpath to decide whether each family's entries carry a path-id.
// Kept separate from DecodeUpdate because add-path state is session
// state the attribute layer deliberately does not hold (see
// internal/attr/mpreach.go).
func ExpandMP(u Update, addpath map[afi.Family]bool) (map[afi.Family][]nlri.Entry, error) {
	out := make(map[afi.Family][]nlri.Entry)
	for _, a := range u.Attributes.List {
		switch v := a.(type) {
		case attr.MPReachNLRI:
			entries, err := nlri.DecodeAll(v.Fam, addpath[v.Fam], v.RawNLRI, nlri.Announce)
			if err != nil {
				return nil, err
			}
			out[v.Fam] = append(out[v.Fam], entries...)
		case attr.MPUnreachNLRI:
			entries, err := nlri.DecodeAll(v.Fam, addpath[v.Fam], v.RawNLRI, nlri.Withdraw)
			if err != nil {
				return nil, err
			}
			out[v.Fam] = append(out[v.Fam], entries...)
		}
	}
	return out, nil
}

// EncodeUpdate serializes u back onto the wire. cache may be nil; passed
// through to attr.Pack unchanged (see internal/attr/codec.go).
func EncodeUpdate(u Update, cache *attr.PackCache) []byte {
	var withdrawnBytes []byte
	for _, e := range u.Withdrawn {
		eb, err := nlri.EncodeOne(e, e.HasPathID)
		if err != nil {
			continue
		}
		withdrawnBytes = append(withdrawnBytes, eb...)
	}

	attrBytes := attr.Pack(u.Attributes.List, cache)

	var nlriBytes []byte
	for _, e := range u.NLRI {
		eb, err := nlri.EncodeOne(e, e.HasPathID)
		if err != nil {
			continue
		}
		nlriBytes = append(nlriBytes, eb...)
	}

	out := make([]byte, 0, 4+len(withdrawnBytes)+len(attrBytes)+len(nlriBytes))
	out = append(out, byte(len(withdrawnBytes)>>8), byte(len(withdrawnBytes)))
	out = append(out, withdrawnBytes...)
	out = append(out, byte(len(attrBytes)>>8), byte(len(attrBytes)))
	out = append(out, attrBytes...)
	out = append(out, nlriBytes...)
	return out
}

func decodeNotification(b []byte) (Message, error) {
	if len(b) < 2 {
		return nil, wire.NewEncodingError(1, 2, "message: NOTIFICATION shorter than fixed fields")
	}
	return Notification{Code: b[0], Subcode: b[1], Data: append([]byte(nil), b[2:]...)}, nil
}

func decodeRouteRefresh(b []byte) (Message, error) {
	if len(b) != 4 {
		return nil, wire.NewEncodingError(7, 1, "message: ROUTE-REFRESH must be 4 bytes")
	}
	a := binary.BigEndian.Uint16(b[0:2])
	subtype := b[2]
	safi := b[3]
	return RouteRefresh{Family: afi.Family{AFI: a, SAFI: safi}, Subtype: subtype}, nil
}

func encodeRouteRefresh(r RouteRefresh) []byte {
	b := wire.PutUint16(r.Family.AFI)
	b = append(b, r.Subtype, r.Family.SAFI)
	return b
}

func decodeOperational(b []byte) (Message, error) {
	if len(b) < 7 {
		return Operational{Data: append([]byte(nil), b...)}, nil
	}
	opType := binary.BigEndian.Uint16(b[0:2])
	a := binary.BigEndian.Uint16(b[2:4])
	safi := b[4]
	return Operational{
		OpType: opType,
		Fam:    afi.Family{AFI: a, SAFI: safi},
		Data:   append([]byte(nil), b[7:]...),
	}, nil
}

func encodeOperational(o Operational) []byte {
	b := wire.PutUint16(o.OpType)
	b = append(b, wire.PutUint16(o.Fam.AFI)...)
	b = append(b, o.Fam.SAFI, 0, 0)
	b = append(b, o.Data...)
	return b
}
