//go:build !linux

package connection

import (
	"errors"
	"net"
	"syscall"
)

// ErrUnsupported is returned where MD5/GTSM genuinely cannot be set on
// a non-Linux build, so callers get an explicit error instead of silent
// no-ops that would look like a configured feature is in effect.
var ErrUnsupported = errors.New("connection: TCP_MD5SIG/GTSM unsupported on this platform")

// setNonBlocking is a no-op outside Linux: Conn.Read/Write already use
// short read/write deadlines, which works whether or not the underlying
// fd is in OS non-blocking mode.
func setNonBlocking(tcp *net.TCPConn) error { return nil }

func setTTL(tcp *net.TCPConn, ttl int) error { return ErrUnsupported }

func controlWithMD5(key, addr string) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error { return ErrUnsupported }
}

func fdOf(tcp *net.TCPConn) (int, error) { return -1, ErrUnsupported }
