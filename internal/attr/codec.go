package attr

import "sort"

// Attributes is a decoded path-attribute set plus the aggregate
// treat-as-withdraw verdict accumulated while unpacking it. Unpack
// keeps consuming to the end of the section on a soft failure instead
// of returning early (RFC 7606).
type Attributes struct {
	List   []Attribute
	Result DecodeResult
}

// Get returns the first attribute with the given code, if present.
func (a Attributes) Get(code uint8) (Attribute, bool) {
	for _, at := range a.List {
		if at.Code() == code {
			return at, true
		}
	}
	return nil, false
}

// Unpack parses one UPDATE's path-attribute section: a back-to-back run
// of {flags, type, length, data} records (RFC 4271 4.3). A truncated
// record or a duplicate type code is a hard error (3/1), as is an
// unrecognized well-known attribute (3/2) or a decoder that reports
// SessionReset; an unknown optional-transitive attribute is kept as
// Opaque with the partial bit forced on, and an unknown optional
// non-transitive one is dropped. Bad flags and every other decode
// failure downgrade the whole set to TreatAsWithdraw but keep consuming
// bytes so callers can still learn what NLRI to withdraw.
func Unpack(b []byte) (Attributes, *DecodeError) {
	var out Attributes
	seen := map[uint8]bool{}

	for len(b) > 0 {
		if len(b) < 3 {
			return out, newDecodeError(3, 1, "attr: truncated attribute header")
		}
		flags := b[0]
		code := b[1]
		b = b[2:]

		var length int
		if flags&FlagExtLength != 0 {
			if len(b) < 2 {
				return out, newDecodeError(3, 1, "attr: truncated extended length")
			}
			length = int(b[0])<<8 | int(b[1])
			b = b[2:]
		} else {
			if len(b) < 1 {
				return out, newDecodeError(3, 1, "attr: truncated length")
			}
			length = int(b[0])
			b = b[1:]
		}
		if len(b) < length {
			return out, newDecodeError(3, 1, "attr: attribute data truncated")
		}
		data := b[:length]
		b = b[length:]

		if seen[code] {
			return out, newDecodeError(3, 1, "attr: duplicate attribute type code")
		}
		seen[code] = true

		entry, known := registry[code]
		if !known {
			// Unrecognized well-known attributes are a hard error (3,2);
			// unknown optional-transitive attributes propagate opaque with
			// the partial bit forced on; unknown optional-non-transitive
			// attributes are silently dropped (RFC 4271 9).
			if flags&FlagOptional == 0 {
				return out, newDecodeError(3, 2, "attr: unrecognized well-known attribute")
			}
			if flags&FlagTransitive == 0 {
				continue
			}
			partial := flags | FlagPartial
			out.List = append(out.List, Opaque{TypeCode: code, Flags: partial, Data: append([]byte(nil), data...)})
			continue
		}

		if ferr := validateFlags(flags, entry.kind); ferr != nil {
			out.Result = max(out.Result, TreatAsWithdraw)
			continue
		}

		val, result, derr := entry.decode(flags, data)
		if derr != nil {
			if result == SessionReset {
				return out, derr
			}
			out.Result = max(out.Result, TreatAsWithdraw)
			continue
		}
		out.Result = max(out.Result, result)
		out.List = append(out.List, val)
	}
	return out, nil
}

func max(a, b DecodeResult) DecodeResult {
	if b > a {
		return b
	}
	return a
}

// order returns the canonical pack order: well-known mandatory
// attributes first (ORIGIN, AS_PATH, NEXT_HOP), then every other
// attribute by ascending type code.
func order(attrs []Attribute) []Attribute {
	out := append([]Attribute(nil), attrs...)
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := kindOf(out[i]), kindOf(out[j])
		if ki != kj {
			return rank(ki) < rank(kj)
		}
		return out[i].Code() < out[j].Code()
	})
	return out
}

func kindOf(a Attribute) Kind {
	if e, ok := registry[a.Code()]; ok {
		return e.kind
	}
	return OptionalTransitive
}

func rank(k Kind) int {
	switch k {
	case WellKnownMandatory:
		return 0
	case WellKnownDiscretionary:
		return 1
	case OptionalTransitive:
		return 2
	default:
		return 3
	}
}

// Pack serializes an attribute set in canonical order. cache may be nil;
// when non-nil, identical attribute sets (by structural hash) reuse a
// previously serialized byte run instead of re-encoding.
func Pack(attrs []Attribute, cache *PackCache) []byte {
	ordered := order(attrs)

	var key uint64
	var haveKey bool
	if cache != nil {
		key = structuralHash(ordered)
		haveKey = true
		if b, ok := cache.get(key); ok {
			return b
		}
	}

	var out []byte
	for _, a := range ordered {
		var flags uint8
		var data []byte
		if o, ok := a.(Opaque); ok {
			flags, data = o.Flags, o.Data
		} else if entry, ok := registry[a.Code()]; ok {
			flags, data = entry.encode(a)
		} else {
			continue
		}
		// Always the minimum length encoding, with the flag bit kept in
		// sync even for opaque attributes whose original sender used the
		// extended form on a short payload.
		if len(data) > 255 {
			flags |= FlagExtLength
			out = append(out, flags, a.Code(), byte(len(data)>>8), byte(len(data)))
		} else {
			flags &^= FlagExtLength
			out = append(out, flags, a.Code(), byte(len(data)))
		}
		out = append(out, data...)
	}

	if cache != nil && haveKey {
		cache.put(key, out)
	}
	return out
}
