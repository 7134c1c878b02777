package engine

// Interest is a bitmask of readiness a caller wants reported for an fd.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Event is one fired readiness notification. Err and Hup are reported
// regardless of the registered Interest.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Err      bool
	Hup      bool
}

// Poller is the readiness primitive the dispatcher blocks on: add/mod/del
// with interest masks for readable and writable, error and hangup always
// on. The engine package only depends on this interface; concrete
// implementations live in poller_linux.go (epoll, via
// golang.org/x/sys/unix) and poller_poll.go (poll(2), for the other unix
// platforms in the build matrix).
type Poller interface {
	Add(fd int, interest Interest) error
	Mod(fd int, interest Interest) error
	Del(fd int) error
	// Wait blocks until at least one registered fd is ready, or until
	// timeoutMS elapses, and appends fired events
	// to dst (reusing its backing array) to avoid a per-call allocation
	// on the hot path. timeoutMS of -1 blocks indefinitely.
	Wait(dst []Event, timeoutMS int) ([]Event, error)
	Close() error
}
