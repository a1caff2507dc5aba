//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller wraps one epoll instance. Level-triggered (the default): a
// readable fd keeps reporting ready until its buffer is drained, which
// matches this reactor's per-tick "read until would-block" pattern.
type Poller struct {
	epfd int
}

func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

func (p *Poller) Close() error { return unix.Close(p.epfd) }

// Interest bits; Read/Write map directly onto EPOLLIN/EPOLLOUT.
const (
	Readable = unix.EPOLLIN
	Writable = unix.EPOLLOUT
)

func (p *Poller) Add(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (p *Poller) Modify(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Ready holds one fd's reported event bits after a Wait call.
type Ready struct {
	FD     int
	Events uint32
}

// Wait blocks up to timeoutMillis for at least one ready fd (-1 blocks
// indefinitely; 0 polls without blocking, used by the reactor to drain
// readiness without starving the command queue / timer phases).
func (p *Poller) Wait(timeoutMillis int, maxEvents int) ([]Ready, error) {
	buf := make([]unix.EpollEvent, maxEvents)
	n, err := unix.EpollWait(p.epfd, buf, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	out := make([]Ready, n)
	for i := 0; i < n; i++ {
		out[i] = Ready{FD: int(buf[i].Fd), Events: buf[i].Events}
	}
	return out, nil
}
