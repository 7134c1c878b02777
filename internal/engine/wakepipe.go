package engine

// wakePipe is the non-blocking pipe publishers poke to guarantee the
// dispatcher's infinite-timeout poll wakes up. Both ends are non-blocking
// and the read end is registered with the poller. Implementations live in
// wakepipe_unix.go and wakepipe_windows.go.
type wakePipe interface {
	readFD() int
	writeFD() int
	// drain consumes every currently-buffered byte without blocking.
	// Multiple poke calls may coalesce into fewer readable bytes than
	// pokes; drain never assumes a 1:1 correspondence.
	drain() error
	// poke writes exactly one byte, tolerating EAGAIN: if the pipe is
	// already full a wake is already scheduled.
	poke() error
	Close() error
}
