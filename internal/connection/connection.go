// Package connection wraps one TCP socket as a non-blocking,
// bidirectional byte pipe. It knows nothing about BGP framing; the peer
// engine reads exactly 19 header bytes then exactly length-19 body
// bytes on top of Conn.Read.
package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrWouldBlock is returned by Read/Write when the socket has no data
// ready or no buffer space, the non-blocking-I/O signal the reactor's
// readiness loop waits on.
var ErrWouldBlock = errors.New("connection: would block")

// ErrClosed marks a Read/Write issued after Close.
var ErrClosed = errors.New("connection: closed")

// Config carries the per-neighbor transport options: local binding,
// MD5, TLS, TTL/GTSM, reuse-address.
type Config struct {
	LocalAddress string
	MD5Key       string
	TLS          *tls.Config
	TTL          int // 0 means "leave the OS default"
	ReuseAddr    bool
}

// Conn is one TCP endpoint. It does not know about the peer that owns
// it, and it exclusively owns its socket fd.
type Conn struct {
	raw    net.Conn
	closed bool
}

// Dial opens an outbound TCP connection to addr within timeout,
// applying cfg's MD5/TTL/TLS options. MD5 must be set before connect
// (TCP_MD5SIG has to be installed on the socket prior to the SYN); see
// controlWithMD5 in the platform-specific files.
func Dial(addr string, timeout time.Duration, cfg Config) (*Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if cfg.LocalAddress != "" {
		local, err := net.ResolveTCPAddr("tcp", cfg.LocalAddress+":0")
		if err != nil {
			return nil, fmt.Errorf("connection: resolving local address: %w", err)
		}
		dialer.LocalAddr = local
	}
	if cfg.MD5Key != "" {
		// TCP_MD5SIG has to be installed before the SYN goes out, so it
		// rides on the dialer's pre-connect Control hook.
		dialer.Control = controlWithMD5(cfg.MD5Key, addr)
	}

	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connection: dial %s: %w", addr, err)
	}
	if err := applyPostConnect(raw, cfg); err != nil {
		raw.Close()
		return nil, err
	}
	return wrap(raw, cfg)
}

// Accept wraps an inbound net.Conn handed to us by a listener, applying
// the same post-connect socket options a Dial'd connection would get.
func Accept(raw net.Conn, cfg Config) (*Conn, error) {
	if err := applyPostConnect(raw, cfg); err != nil {
		raw.Close()
		return nil, err
	}
	return wrapServer(raw, cfg)
}

func wrap(raw net.Conn, cfg Config) (*Conn, error) {
	if cfg.TLS != nil {
		raw = tls.Client(raw, cfg.TLS)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		if err := setNonBlocking(tcp); err != nil {
			raw.Close()
			return nil, err
		}
	}
	return &Conn{raw: raw}, nil
}

// wrapServer is Accept's twin of wrap: TLS, when configured, runs the
// server side of the handshake on inbound connections.
func wrapServer(raw net.Conn, cfg Config) (*Conn, error) {
	if cfg.TLS != nil {
		raw = tls.Server(raw, cfg.TLS)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		if err := setNonBlocking(tcp); err != nil {
			raw.Close()
			return nil, err
		}
	}
	return &Conn{raw: raw}, nil
}

func applyPostConnect(raw net.Conn, cfg Config) error {
	tcp, ok := raw.(*net.TCPConn)
	if !ok {
		return nil
	}
	if cfg.TTL > 0 {
		if err := setTTL(tcp, cfg.TTL); err != nil {
			return err
		}
	}
	if cfg.ReuseAddr {
		// SO_REUSEADDR is applied at listen time by the reactor's
		// listener setup, not per accepted connection; nothing to do
		// here, kept as a documented no-op so callers do not need a
		// type switch on whether cfg came from a listener or a dial.
		_ = cfg.ReuseAddr
	}
	return nil
}

// Read returns up to len(p) bytes without blocking. It returns
// (0, ErrWouldBlock) rather than blocking when nothing is ready.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	c.raw.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := c.raw.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

// Write writes as much of p as the kernel accepts without blocking; the
// caller retains the unsent tail.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	c.raw.SetWriteDeadline(time.Now().Add(time.Millisecond))
	n, err := c.raw.Write(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Close is idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// FD exposes the raw file descriptor for the reactor's epoll set. Only
// valid for unwrapped (non-TLS) *net.TCPConn connections; TLS
// connections are driven by ordinary blocking-with-short-deadline reads
// since their record framing does not compose with raw epoll readiness.
func (c *Conn) FD() (int, error) {
	tcp, ok := c.raw.(*net.TCPConn)
	if !ok {
		return -1, fmt.Errorf("connection: FD unavailable for %T", c.raw)
	}
	return fdOf(tcp)
}
