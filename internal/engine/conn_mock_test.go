package engine

import (
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// publishRecord captures one ConstructPublishReply call.
type publishRecord struct {
	matchedKey string
	channel    string
	payload    string
	isPattern  bool
}

// mockConn backs the Conn interface with a real pipe so the poller can
// register its descriptor, while all protocol behavior is scripted.
type mockConn struct {
	rfd, wfd int
	peer     string

	mu          sync.Mutex
	writeQueue  []WriteStatus // consumed front-first; empty means WriteAll
	readQueue   []ReadStatus  // consumed front-first; empty means ReadAll
	constructed []publishRecord
	sends       int
	hasReply    bool
	closed      int
}

func newMockConn(t *testing.T) *mockConn {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	c := &mockConn{rfd: fds[0], wfd: fds[1], peer: fmt.Sprintf("mock:%d", fds[0])}
	t.Cleanup(func() { c.Close() })
	return c
}

func (c *mockConn) FD() int      { return c.rfd }
func (c *mockConn) Peer() string { return c.peer }

func (c *mockConn) ReadRequest() ReadStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readQueue) > 0 {
		st := c.readQueue[0]
		c.readQueue = c.readQueue[1:]
		return st
	}
	return ReadAll
}

func (c *mockConn) SendReply() WriteStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if len(c.writeQueue) > 0 {
		st := c.writeQueue[0]
		c.writeQueue = c.writeQueue[1:]
		return st
	}
	return WriteAll
}

func (c *mockConn) ConstructPublishReply(matchedKey, channel, payload []byte, isPattern bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constructed = append(c.constructed, publishRecord{
		matchedKey: string(matchedKey),
		channel:    string(channel),
		payload:    string(payload),
		isPattern:  isPattern,
	})
	c.hasReply = true
}

func (c *mockConn) IsReply() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasReply
}

func (c *mockConn) SetReply(v bool) {
	c.mu.Lock()
	c.hasReply = v
	c.mu.Unlock()
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	if c.closed == 1 {
		unix.Close(c.rfd)
		unix.Close(c.wfd)
	}
	return nil
}

func (c *mockConn) queueWrite(statuses ...WriteStatus) {
	c.mu.Lock()
	c.writeQueue = append(c.writeQueue, statuses...)
	c.mu.Unlock()
}

func (c *mockConn) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func (c *mockConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) records() []publishRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishRecord, len(c.constructed))
	copy(out, c.constructed)
	return out
}
