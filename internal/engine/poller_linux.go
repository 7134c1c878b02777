//go:build linux

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller backs Poller with Linux epoll, level-triggered, with
// independent per-fd read/write interest.
type epollPoller struct {
	fd     int
	events []unix.EpollEvent
}

// NewPoller constructs the platform default Poller.
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollPoller{
		fd:     fd,
		events: make([]unix.EpollEvent, 256),
	}, nil
}

func interestToEpoll(i Interest) uint32 {
	var mask uint32 = unix.EPOLLERR | unix.EPOLLHUP
	if i&InterestRead != 0 {
		mask |= unix.EPOLLIN
	}
	if i&InterestWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) Add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Mod(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Del(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Wait(dst []Event, timeoutMS int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.fd, p.events, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return dst, err
		}
		for i := 0; i < n; i++ {
			e := p.events[i]
			dst = append(dst, Event{
				FD:       int(e.Fd),
				Readable: e.Events&unix.EPOLLIN != 0,
				Writable: e.Events&unix.EPOLLOUT != 0,
				Err:      e.Events&unix.EPOLLERR != 0,
				Hup:      e.Events&unix.EPOLLHUP != 0,
			})
		}
		return dst, nil
	}
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
