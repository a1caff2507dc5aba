//go:build linux

package connection

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// setNonBlocking puts the socket in OS non-blocking mode so Conn.Read/
// Write's short-deadline trick never actually has to wait on the kernel;
// the reactor's epoll loop (internal/reactor) is what decides when to
// call them at all.
func setNonBlocking(tcp *net.TCPConn) error {
	sc, err := tcp.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = sc.Control(func(fd uintptr) {
		serr = unix.SetNonblock(int(fd), true)
	})
	if err != nil {
		return err
	}
	return serr
}

// setTTL sets IP_TTL (GTSM: peers more than one hop away use a TTL the
// remote side checks against a minimum, RFC 5082).
func setTTL(tcp *net.TCPConn, ttl int) error {
	sc, err := tcp.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = sc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
	})
	if err != nil {
		return err
	}
	return serr
}

// controlWithMD5 returns a net.Dialer.Control function that installs a
// TCP_MD5SIG key on the socket before the SYN goes out, since the
// kernel only accepts the option pre-connect.
func controlWithMD5(key, addr string) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = setMD5SockOpt(int(fd), address, key)
		})
		if err != nil {
			return err
		}
		return serr
	}
}

func setMD5SockOpt(fd int, address, key string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("connection: invalid MD5 peer address %q", address)
	}

	sig := &unix.TCPMD5Sig{}
	sig.Keylen = uint16(len(key))
	copy(sig.Key[:], key)

	if ip4 := ip.To4(); ip4 != nil {
		sa := unix.RawSockaddrInet4{Family: unix.AF_INET}
		copy(sa.Addr[:], ip4)
		*(*unix.RawSockaddrInet4)(unsafe.Pointer(&sig.Addr)) = sa
	} else {
		sa := unix.RawSockaddrInet6{Family: unix.AF_INET6}
		copy(sa.Addr[:], ip.To16())
		*(*unix.RawSockaddrInet6)(unsafe.Pointer(&sig.Addr)) = sa
	}

	return unix.SetsockoptTCPMD5Sig(fd, unix.IPPROTO_TCP, unix.TCP_MD5SIG, sig)
}

// fdOf returns the raw file descriptor backing tcp, for the reactor's
// epoll set.
func fdOf(tcp *net.TCPConn) (int, error) {
	sc, err := tcp.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	err = sc.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		return -1, err
	}
	return fd, nil
}
