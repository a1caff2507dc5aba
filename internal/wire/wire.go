// Package wire holds the fixed-width integer and IP/prefix codecs shared
// by every higher layer (attributes, NLRI, messages). Every primitive
// here is pure: pack produces bytes, unpack consumes bytes and returns
// whatever remains. No I/O happens in this package.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Marker is the 16-byte all-ones BGP marker required in every message
// header (RFC 4271 4.1).
var Marker = [16]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// HeaderLen is the length of the fixed BGP message header: 16-byte
// marker + 2-byte length (counting itself) + 1-byte type.
const HeaderLen = 19

// EncodingError is returned by any decode routine that cannot make
// progress. Code/Subcode are pre-populated with the (BGP error code,
// subcode) the caller should use to build a NOTIFICATION; Data is the
// optional diagnostic payload RFC 4271 allows attaching.
type EncodingError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
	msg     string
}

func (e *EncodingError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("encoding error (code=%d subcode=%d)", e.Code, e.Subcode)
}

// NewEncodingError builds an EncodingError carrying the notification
// triple a session-reset should send.
func NewEncodingError(code, subcode uint8, msg string, data ...byte) *EncodingError {
	return &EncodingError{Code: code, Subcode: subcode, Data: data, msg: msg}
}

// ErrShort is the canonical short-input EncodingError for header/length
// parsing, using the generic "Message Header Error: Bad Message Length"
// framing (1,2) callers can override where a more specific subcode applies.
func ErrShort(where string) *EncodingError {
	return NewEncodingError(1, 2, fmt.Sprintf("wire: short input decoding %s", where))
}

func Uint16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, ErrShort("uint16")
	}
	return binary.BigEndian.Uint16(b[:2]), b[2:], nil
}

func Uint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrShort("uint32")
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func Uint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrShort("uint64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func PutUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func PutUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func PutUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// ByteLen returns ceil(bits/8), the number of bytes a prefix of this
// many significant bits occupies on the wire.
func ByteLen(bits int) int {
	return (bits + 7) / 8
}

// PackPrefix encodes an IP prefix in the shortest-bytes form BGP NLRI
// uses: a 1-byte length in bits followed by the first ceil(length/8)
// bytes of the caller's address; any further address bytes are dropped.
func PackPrefix(ip net.IP, bits int) []byte {
	n := ByteLen(bits)
	out := make([]byte, 1+n)
	out[0] = byte(bits)
	copy(out[1:], ip[:n])
	return out
}

// UnpackPrefix decodes one shortest-bytes-form prefix for the given IP
// version (4 or 16 byte width) and returns the address (always padded to
// the full address width), the prefix length, and the remaining bytes.
func UnpackPrefix(b []byte, version int) (net.IP, int, []byte, error) {
	if len(b) < 1 {
		return nil, 0, nil, ErrShort("prefix length")
	}
	bits := int(b[0])
	maxBits := version * 8
	if bits > maxBits {
		return nil, 0, nil, NewEncodingError(3, 1, fmt.Sprintf("wire: prefix length %d exceeds address width %d", bits, maxBits))
	}
	n := ByteLen(bits)
	if len(b)-1 < n {
		return nil, 0, nil, ErrShort("prefix bytes")
	}
	addr := make([]byte, version)
	copy(addr, b[1:1+n])
	return net.IP(addr), bits, b[1+n:], nil
}
