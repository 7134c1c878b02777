//go:build !windows

package engine

import "golang.org/x/sys/unix"

type unixWakePipe struct {
	r, w int
}

func newWakePipe() (wakePipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return &unixWakePipe{r: fds[0], w: fds[1]}, nil
}

func (p *unixWakePipe) readFD() int  { return p.r }
func (p *unixWakePipe) writeFD() int { return p.w }

func (p *unixWakePipe) drain() error {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		if n <= 0 {
			return nil
		}
	}
}

func (p *unixWakePipe) poke() error {
	_, err := unix.Write(p.w, []byte{'t'})
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return nil
	}
	return err
}

func (p *unixWakePipe) Close() error {
	e1 := unix.Close(p.r)
	e2 := unix.Close(p.w)
	if e1 != nil {
		return e1
	}
	return e2
}
