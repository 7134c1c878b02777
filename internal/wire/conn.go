// Package wire implements the line-oriented client protocol and the
// concrete Connection collaborator the dispatch engine drives.
//
// Requests are single lines terminated by '\n' (an optional '\r' before it
// is stripped): a command word followed by space-separated arguments, with
// the final argument of publish extending to end of line so payloads may
// contain spaces. Replies reuse the same framing: "+..." for status lines,
// "-ERR ..." for errors, ":N" for integer results, and "message ..." /
// "pmessage ..." for fan-out deliveries.
package wire

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nodehive/pubsubd/internal/engine"
)

// Router is the subset of the engine a registered connection calls back
// into when subscribe/unsubscribe commands arrive on an already-migrated
// socket. *engine.Engine satisfies it.
type Router interface {
	Subscribe(conn engine.Conn, channels [][]byte, isPattern bool) ([]engine.Receipt, error)
	Unsubscribe(conn engine.Conn, channels [][]byte, isPattern bool) ([]engine.Receipt, int, error)
}

// Conn is a subscriber connection owned by the dispatcher. All exported
// methods are mutex-guarded: the accept path queues the initial subscribe
// receipts concurrently with the dispatcher's first readiness events, and
// the guard makes that hand-over window safe.
type Conn struct {
	fd   int
	peer string

	router  Router
	maxLine int

	mu       sync.Mutex
	rbuf     []byte
	wbuf     []byte
	hasReply bool
	// closing is latched when the protocol decides the connection is done
	// (QUIT, or a final unsubscribe); ReadRequest reports ReadClose once
	// the latch is set so the dispatcher tears the connection down.
	closing bool

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an already non-blocking descriptor. The caller hands over
// ownership: the Conn's Close is the only thing that releases fd.
func NewConn(fd int, peer string, router Router, maxLine int) *Conn {
	return &Conn{fd: fd, peer: peer, router: router, maxLine: maxLine}
}

// FromNetConn migrates a blocking net.Conn into a raw non-blocking
// descriptor suitable for the dispatcher's poller, closing the original.
// The descriptor is duplicated first so the runtime's own netpoll
// registration dies with the net.Conn and cannot interfere.
func FromNetConn(nc net.Conn, router Router, maxLine int) (*Conn, error) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("wire: cannot migrate %T, need *net.TCPConn", nc)
	}
	f, err := tc.File()
	if err != nil {
		return nil, fmt.Errorf("wire: dup connection fd: %w", err)
	}
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("wire: dup connection fd: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wire: set nonblock: %w", err)
	}
	peer := nc.RemoteAddr().String()
	nc.Close()
	return NewConn(fd, peer, router, maxLine), nil
}

func (c *Conn) FD() int      { return c.fd }
func (c *Conn) Peer() string { return c.peer }

func (c *Conn) IsReply() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasReply
}

func (c *Conn) SetReply(v bool) {
	c.mu.Lock()
	c.hasReply = v
	c.mu.Unlock()
}

// Close releases the descriptor. Safe to call more than once; only the
// first call closes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = unix.Close(c.fd)
	})
	return c.closeErr
}

// ReadRequest drains the socket without blocking, then parses and handles
// every complete line buffered so far.
func (c *Conn) ReadRequest() engine.ReadStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return engine.ReadClose
	}

	var buf [4096]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.rbuf = append(c.rbuf, buf[:n]...)
			if len(c.rbuf) > c.maxLine {
				return engine.FullError
			}
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err != nil {
			return engine.ReadError
		}
		// n == 0, clean EOF
		return engine.ReadClose
	}

	for {
		i := bytes.IndexByte(c.rbuf, '\n')
		if i < 0 {
			break
		}
		line := c.rbuf[:i]
		c.rbuf = c.rbuf[i+1:]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if st := c.handleLine(line); st != engine.ReadAll {
			return st
		}
		if c.closing {
			// Flush the farewell reply best-effort before the dispatcher
			// tears the connection down; teardown does not write.
			c.sendLocked()
			return engine.ReadClose
		}
	}
	return engine.ReadAll
}

// handleLine executes one parsed request line. Returns ReadAll to keep the
// connection, or a fatal status. Called with c.mu held.
func (c *Conn) handleLine(line []byte) engine.ReadStatus {
	if len(line) == 0 {
		return engine.ReadAll
	}
	cmd, rest := splitWord(line)

	switch {
	case wordIs(cmd, "subscribe"):
		return c.handleSubscribe(rest, false)
	case wordIs(cmd, "psubscribe"):
		return c.handleSubscribe(rest, true)
	case wordIs(cmd, "unsubscribe"):
		return c.handleUnsubscribe(rest, false)
	case wordIs(cmd, "punsubscribe"):
		return c.handleUnsubscribe(rest, true)
	case wordIs(cmd, "ping"):
		c.queueLine([]byte("+PONG"))
		return engine.ReadAll
	case wordIs(cmd, "quit"):
		c.queueLine([]byte("+OK"))
		c.closing = true
		return engine.ReadAll
	case wordIs(cmd, "publish"):
		// Publish blocks its caller until the dispatcher finishes the
		// fan-out, and ReadRequest runs on the dispatcher itself, so a
		// subscriber-mode publish would deadlock the loop. Publishers use
		// a plain (unregistered) connection instead.
		c.queueLine([]byte("-ERR publish is not allowed on a subscriber connection"))
		return engine.ReadAll
	default:
		c.queueLine([]byte("-ERR unknown command '" + string(cmd) + "'"))
		return engine.ReadAll
	}
}

func (c *Conn) handleSubscribe(args []byte, isPattern bool) engine.ReadStatus {
	channels := splitWords(args)
	if len(channels) == 0 {
		c.queueLine([]byte("-ERR wrong number of arguments"))
		return engine.ReadAll
	}
	// Subscribe only takes short-lived table and registry locks and never
	// waits on the dispatcher; calling it from the dispatcher goroutine is
	// deadlock-free.
	receipts, err := c.router.Subscribe(c, channels, isPattern)
	if err != nil {
		return engine.DealError
	}
	c.queueReceiptsLocked(subscribeVerb(isPattern), receipts)
	return engine.ReadAll
}

func (c *Conn) handleUnsubscribe(args []byte, isPattern bool) engine.ReadStatus {
	channels := splitWords(args)
	receipts, remaining, err := c.router.Unsubscribe(c, channels, isPattern)
	if err != nil {
		return engine.DealError
	}
	c.queueReceiptsLocked(unsubscribeVerb(isPattern), receipts)
	if remaining == 0 {
		// The engine has already deregistered us from the poller; latch
		// closing so the dispatcher destroys the connection after the
		// receipts go out.
		c.closing = true
	}
	return engine.ReadAll
}

// SendReply flushes as much of the pending write buffer as the socket
// accepts without blocking.
func (c *Conn) SendReply() engine.WriteStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked()
}

func (c *Conn) sendLocked() engine.WriteStatus {
	for len(c.wbuf) > 0 {
		n, err := unix.Write(c.fd, c.wbuf)
		if n > 0 {
			c.wbuf = c.wbuf[n:]
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return engine.WriteHalf
		}
		if err != nil {
			return engine.WriteError
		}
	}
	c.wbuf = nil
	c.hasReply = false
	return engine.WriteAll
}

// ConstructPublishReply queues one fan-out delivery line:
//
//	message <channel> <payload>
//	pmessage <pattern> <channel> <payload>
func (c *Conn) ConstructPublishReply(matchedKey, channel, payload []byte, isPattern bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isPattern {
		c.wbuf = append(c.wbuf, "pmessage "...)
		c.wbuf = append(c.wbuf, matchedKey...)
		c.wbuf = append(c.wbuf, ' ')
	} else {
		c.wbuf = append(c.wbuf, "message "...)
	}
	c.wbuf = append(c.wbuf, channel...)
	c.wbuf = append(c.wbuf, ' ')
	c.wbuf = append(c.wbuf, payload...)
	c.wbuf = append(c.wbuf, '\n')
	c.hasReply = true
}

// QueueReceipts appends subscribe/unsubscribe receipt lines for the accept
// path, which computes the first receipts after migration. verb is one of
// subscribe/psubscribe/unsubscribe/punsubscribe.
func (c *Conn) QueueReceipts(verb string, receipts []engine.Receipt) {
	c.mu.Lock()
	c.queueReceiptsLocked(verb, receipts)
	c.mu.Unlock()
}

func (c *Conn) queueReceiptsLocked(verb string, receipts []engine.Receipt) {
	for _, r := range receipts {
		c.wbuf = append(c.wbuf, '+')
		c.wbuf = append(c.wbuf, verb...)
		c.wbuf = append(c.wbuf, ' ')
		c.wbuf = append(c.wbuf, r.Channel...)
		c.wbuf = append(c.wbuf, ' ')
		c.wbuf = strconv.AppendInt(c.wbuf, int64(r.Count), 10)
		c.wbuf = append(c.wbuf, '\n')
	}
	c.hasReply = true
}

func (c *Conn) queueLine(line []byte) {
	c.wbuf = append(c.wbuf, line...)
	c.wbuf = append(c.wbuf, '\n')
	c.hasReply = true
}

func subscribeVerb(isPattern bool) string {
	if isPattern {
		return "psubscribe"
	}
	return "subscribe"
}

func unsubscribeVerb(isPattern bool) string {
	if isPattern {
		return "punsubscribe"
	}
	return "unsubscribe"
}

// splitWord splits off the first space-delimited word, returning it and
// the remainder with leading spaces trimmed.
func splitWord(b []byte) (word, rest []byte) {
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return b, nil
	}
	word = b[:i]
	rest = b[i+1:]
	for len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return word, rest
}

func splitWords(b []byte) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		var w []byte
		w, b = splitWord(b)
		if len(w) > 0 {
			out = append(out, w)
		}
	}
	return out
}

func wordIs(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		ch := b[i]
		if 'A' <= ch && ch <= 'Z' {
			ch += 'a' - 'A'
		}
		if ch != s[i] {
			return false
		}
	}
	return true
}
