//go:build !linux && !windows

package engine

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// pollPoller backs Poller on BSD-family unixes (darwin, freebsd, ...) using
// poll(2) rather than kqueue. kqueue would be the throughput-matched
// choice, but poll keeps the fallback path small and dependency-free
// beyond x/sys/unix, which the engine already requires for the Linux
// epoll path.
type pollPoller struct {
	mu     sync.Mutex
	fds    map[int]Interest
	closed bool
}

// NewPoller constructs the platform default Poller.
func NewPoller() (Poller, error) {
	return &pollPoller{fds: make(map[int]Interest)}, nil
}

func (p *pollPoller) Add(fd int, interest Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds[fd] = interest
	return nil
}

func (p *pollPoller) Mod(fd int, interest Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds[fd] = interest
	return nil
}

func (p *pollPoller) Del(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fds, fd)
	return nil
}

func interestToPollEvents(i Interest) int16 {
	var mask int16
	if i&InterestRead != 0 {
		mask |= unix.POLLIN
	}
	if i&InterestWrite != 0 {
		mask |= unix.POLLOUT
	}
	return mask
}

func (p *pollPoller) Wait(dst []Event, timeoutMS int) ([]Event, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return dst, fmt.Errorf("poller closed")
	}
	fds := make([]unix.PollFd, 0, len(p.fds))
	for fd, interest := range p.fds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: interestToPollEvents(interest)})
	}
	p.mu.Unlock()

	for {
		n, err := unix.Poll(fds, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return dst, err
		}
		if n == 0 {
			return dst, nil
		}
		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			dst = append(dst, Event{
				FD:       int(pfd.Fd),
				Readable: pfd.Revents&unix.POLLIN != 0,
				Writable: pfd.Revents&unix.POLLOUT != 0,
				Err:      pfd.Revents&unix.POLLERR != 0,
				Hup:      pfd.Revents&unix.POLLHUP != 0,
			})
		}
		return dst, nil
	}
}

func (p *pollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
