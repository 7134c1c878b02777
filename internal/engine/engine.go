// Package engine implements the publish/subscribe dispatch engine: a
// single dedicated goroutine (the Dispatcher) multiplexing a population of
// client connections against an exact-channel table and a glob-pattern
// table, fanning out publisher-supplied messages to every matching
// subscriber and reporting back the number of recipients that actually
// received the bytes.
//
// Everything outside this package (protocol parsing, reply-buffer
// construction, accept loops and worker pools, the glob predicate) is a
// collaborator the engine consumes through a narrow interface rather than
// something it owns. The readiness primitive sits behind the Poller
// interface; its platform backends live in this package.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nodehive/pubsubd/internal/match"
)

// MatchFunc reports whether channel satisfies pattern. The default,
// installed by New unless overridden with WithMatcher, is backed by
// github.com/gobwas/glob.
type MatchFunc func(pattern, channel string) bool

// CloseHook is invoked, if set, just before a connection's fd is closed.
type CloseHook func(fd int, peer string)

// Engine is the Dispatcher plus its owned routing/hand-off structures.
// The zero value is not usable; construct with New.
type Engine struct {
	exact    *routingTable
	pattern  *routingTable
	registry *connRegistry
	pending  *pendingQueue
	ledger   *receiverLedger

	poller Poller
	wake   wakePipe

	matches   MatchFunc
	logger    zerolog.Logger
	closeHook CloseHook

	// removeMu is the outermost lock: it is only ever acquired around the
	// table mutexes, while a connection is being purged from every
	// structure at once.
	removeMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger installs a structured logger. Without it the engine stays
// silent rather than defaulting to a stdout writer.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMatcher overrides the glob predicate, for example with a
// deterministic fake that does not use gobwas/glob's compiler.
func WithMatcher(fn MatchFunc) Option {
	return func(e *Engine) { e.matches = fn }
}

// WithCloseHook installs a callback fired just before a connection's fd is
// closed, for callers that want to log or meter disconnects without the
// engine depending on their metrics package.
func WithCloseHook(fn CloseHook) Option {
	return func(e *Engine) { e.closeHook = fn }
}

// New allocates the engine: creates the wake-pipe (both ends non-blocking),
// and registers its read-end with the poller for read + error + hangup.
// Pipe or poller construction failure is an EnginePreconditionFailure -
// there is no sensible recovery for a dispatcher that cannot wake its own
// loop.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		exact:    newRoutingTable(),
		pattern:  newRoutingTable(),
		registry: newConnRegistry(),
		pending:  newPendingQueue(),
		ledger:   newReceiverLedger(),
		logger:   zerolog.Nop(),
		stopCh:   make(chan struct{}),
	}
	e.matches = match.NewMatcher().Matches

	for _, opt := range opts {
		opt(e)
	}

	poller, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("%w: new poller: %v", ErrEnginePrecondition, err)
	}
	e.poller = poller

	wp, err := newWakePipe()
	if err != nil {
		poller.Close()
		return nil, fmt.Errorf("%w: wake pipe: %v", ErrEnginePrecondition, err)
	}
	e.wake = wp

	if err := poller.Add(wp.readFD(), InterestRead); err != nil {
		wp.Close()
		poller.Close()
		return nil, fmt.Errorf("%w: register wake pipe: %v", ErrEnginePrecondition, err)
	}
	return e, nil
}

// Run drives the Dispatcher loop until ctx is cancelled or Stop is called.
// It must run on its own goroutine for the lifetime of the engine; every
// other Engine method is safe to call concurrently from any goroutine.
func (e *Engine) Run(ctx context.Context) error {
	defer e.cleanup()

	events := make([]Event, 0, 256)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-stopped:
		}
	}()
	defer close(stopped)

	for {
		select {
		case <-e.stopCh:
			return nil
		default:
		}

		events = events[:0]
		var err error
		events, err = e.poller.Wait(events, -1)
		if err != nil {
			e.logger.Error().Err(err).Msg("poller wait failed")
			continue
		}

		for _, ev := range events {
			if ev.FD == e.wake.readFD() {
				if ev.Readable {
					if derr := e.wake.drain(); derr != nil {
						e.logger.Warn().Err(derr).Msg("wake pipe drain failed")
					}
					e.drainPending()
				}
				continue
			}
			e.serviceConn(ev)
		}
	}
}

// Stop signals the Dispatcher loop to exit after its current iteration and
// wakes any publishers blocked on the receiver ledger so shutdown never
// leaves a goroutine hanging in Publish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if err := e.wake.poke(); err != nil {
			e.logger.Warn().Err(err).Msg("wake pipe poke during stop failed")
		}
		e.ledger.shutdown()
	})
}

// cleanup runs once Run's loop exits: close every registered connection
// and drop the registry. Routing tables are left for their owner (the
// Engine itself, garbage collected with it) rather than swept here.
func (e *Engine) cleanup() {
	for _, c := range e.registry.all() {
		e.poller.Del(c.FD())
		e.registry.delete(c.FD())
		peer := c.Peer()
		fd := c.FD()
		if err := c.Close(); err != nil {
			e.logger.Debug().Err(err).Int("fd", fd).Msg("close during cleanup")
		}
		if e.closeHook != nil {
			e.closeHook(fd, peer)
		}
	}
	e.poller.Close()
	e.wake.Close()
}

// Publish is the cross-goroutine publish hand-off. It blocks until
// the Dispatcher has fully fanned the message out and returns the exact
// count of subscribers that received it with WriteAll.
func (e *Engine) Publish(publisherFD int, channel, payload []byte) (int, error) {
	select {
	case <-e.stopCh:
		return 0, ErrStopped
	default:
	}

	// Reject a reused fd before push, which would overwrite the entry that
	// is already waiting for dispatch.
	e.pending.mu.Lock()
	_, inFlight := e.pending.entries[publisherFD]
	e.pending.mu.Unlock()
	if inFlight {
		return 0, fmt.Errorf("%w: fd %d", ErrDuplicatePublisherFD, publisherFD)
	}
	if alreadyPending := e.pending.push(publisherFD, channel, payload); alreadyPending {
		return 0, fmt.Errorf("%w: fd %d", ErrDuplicatePublisherFD, publisherFD)
	}
	if err := e.wake.poke(); err != nil {
		e.logger.Warn().Err(err).Msg("wake pipe poke failed")
	}

	count, ok := e.ledger.await(publisherFD)
	if !ok {
		return 0, ErrStopped
	}
	return count, nil
}

// drainPending pops one tuple under the queue lock, releases it, fans the
// message out, and repeats until the queue is empty. Draining to empty
// rather than once per wake bounds wake-ups under burst load and
// tolerates the wake-pipe's byte coalescing.
func (e *Engine) drainPending() {
	for {
		fd, msg, ok := e.pending.popOne()
		if !ok {
			return
		}
		count := e.fanOut(fd, msg.channel, msg.payload)
		e.ledger.post(fd, count)
	}
}

// fanOut delivers one message to every matching subscriber and returns the
// count of full writes. It never propagates an error: a subscriber whose
// write fails is collected during iteration and torn down only after both
// table sweeps complete, so teardown never invalidates an iteration in
// progress.
func (e *Engine) fanOut(publisherFD int, channel, payload []byte) int {
	channelStr := string(channel)
	count := 0
	failed := make(map[int]Conn)

	e.exact.forEach(func(key string, subs []Conn) {
		if key != channelStr {
			return
		}
		for _, c := range subs {
			count += e.deliverOne(c, []byte(key), channel, payload, false, failed)
		}
	})

	e.pattern.forEach(func(key string, subs []Conn) {
		if !e.matches(key, channelStr) {
			return
		}
		for _, c := range subs {
			count += e.deliverOne(c, []byte(key), channel, payload, true, failed)
		}
	})

	for _, c := range failed {
		e.teardownConn(c)
	}
	return count
}

// deliverOne sends one fan-out message to one subscriber and reports
// whether it counts as a successful delivery. Failing connections are
// added to failed rather than torn down immediately, since we are still
// inside the enclosing table's forEach and removing conn.FD() during that
// iteration would re-enter the table's mutex.
func (e *Engine) deliverOne(c Conn, matchedKey, channel, payload []byte, isPattern bool, failed map[int]Conn) int {
	c.ConstructPublishReply(matchedKey, channel, payload, isPattern)
	switch c.SendReply() {
	case WriteAll:
		return 1
	case WriteHalf:
		if err := e.poller.Mod(c.FD(), InterestRead|InterestWrite); err != nil {
			e.logger.Debug().Err(err).Int("fd", c.FD()).Msg("arm write interest failed")
		}
		return 0
	case WriteError:
		failed[c.FD()] = c
		return 0
	default:
		return 0
	}
}

// serviceConn handles one ready subscriber descriptor: pending-reply
// writes first, then reads, then close-out on error or hangup.
func (e *Engine) serviceConn(ev Event) {
	conn, ok := e.registry.get(ev.FD)
	if !ok {
		e.poller.Del(ev.FD)
		return
	}

	shouldClose := false

	if ev.Writable && conn.IsReply() {
		e.poller.Mod(ev.FD, InterestRead)
		switch conn.SendReply() {
		case WriteAll:
			conn.SetReply(false)
		case WriteHalf:
			e.poller.Mod(ev.FD, InterestRead|InterestWrite)
			return // drain the send buffer before attempting any read
		case WriteError:
			shouldClose = true
		}
	}

	if !shouldClose && ev.Readable {
		switch conn.ReadRequest() {
		case ReadAll, ReadHalf:
			if conn.IsReply() {
				switch conn.SendReply() {
				case WriteAll:
					conn.SetReply(false)
				case WriteHalf:
					e.poller.Mod(ev.FD, InterestRead|InterestWrite)
				case WriteError:
					shouldClose = true
				}
			}
		default:
			shouldClose = true
		}
	}

	if ev.Err || ev.Hup || shouldClose {
		e.teardownConn(conn)
	}
}

// teardownConn removes conn from every structure and closes its fd. Apart
// from cleanup at loop exit, it is the only place the engine closes a
// Conn, and it only ever runs on the Dispatcher goroutine (directly from
// serviceConn, or from fanOut's deferred sweep: also only reached from the
// Dispatcher goroutine via drainPending).
func (e *Engine) teardownConn(conn Conn) {
	e.removeConnection(conn)
	peer := conn.Peer()
	fd := conn.FD()
	if err := conn.Close(); err != nil {
		e.logger.Debug().Err(err).Int("fd", fd).Msg("close failed")
	}
	if e.closeHook != nil {
		e.closeHook(fd, peer)
	}
}

// removeConnection atomically, under the outermost lock, purges conn from
// both routing tables and drops it from the registry and poller. It does
// not close the fd; callers that own destruction do that afterwards.
func (e *Engine) removeConnection(conn Conn) {
	e.removeMu.Lock()
	defer e.removeMu.Unlock()
	e.exact.purgeConn(conn)
	e.pattern.purgeConn(conn)
	e.registry.delete(conn.FD())
	e.poller.Del(conn.FD())
}

// Subscribe adds conn to each requested channel (or pattern), registers
// it with the dispatcher on first contact, and returns one receipt per
// channel carrying conn's combined subscription total after the addition.
func (e *Engine) Subscribe(conn Conn, channels [][]byte, isPattern bool) ([]Receipt, error) {
	select {
	case <-e.stopCh:
		return nil, ErrStopped
	default:
	}

	table, other := e.exact, e.pattern
	if isPattern {
		table, other = e.pattern, e.exact
	}

	if _, existed := e.registry.get(conn.FD()); !existed {
		e.registry.put(conn)
		if err := e.poller.Add(conn.FD(), InterestRead); err != nil {
			e.registry.delete(conn.FD())
			return nil, fmt.Errorf("pubsubd: register connection: %w", err)
		}
		// Kick the dispatcher so a poller backend that snapshots its fd
		// set per wait picks the new descriptor up immediately.
		if err := e.wake.poke(); err != nil {
			e.logger.Warn().Err(err).Msg("wake pipe poke failed")
		}
	}

	receipts := make([]Receipt, 0, len(channels))
	for _, ch := range channels {
		chStr := string(ch)
		own := table.add(chStr, conn)
		total := own + other.subscriptionCount(conn.FD())
		receipts = append(receipts, Receipt{Channel: chStr, Count: total})
	}
	return receipts, nil
}

// Unsubscribe removes conn from the requested channels (or patterns). An
// empty channels slice removes every subscription of the requested kind,
// leaving the other kind untouched. It returns the per-channel receipts
// and the combined remaining subscription count across both kinds; when
// that count reaches zero the connection is dropped from every structure.
func (e *Engine) Unsubscribe(conn Conn, channels [][]byte, isPattern bool) ([]Receipt, int, error) {
	select {
	case <-e.stopCh:
		return nil, 0, ErrStopped
	default:
	}

	table, other := e.exact, e.pattern
	if isPattern {
		table, other = e.pattern, e.exact
	}

	var receipts []Receipt
	if len(channels) == 0 {
		receipts = table.removeAll(conn)
		// Receipt counts are combined across both kinds, so the
		// other table's untouched subscriptions shift every count up.
		if otherCount := other.subscriptionCount(conn.FD()); otherCount > 0 {
			for i := range receipts {
				receipts[i].Count += otherCount
			}
		}
	} else {
		receipts = make([]Receipt, 0, len(channels))
		for _, ch := range channels {
			chStr := string(ch)
			own := table.remove(chStr, conn)
			total := own + other.subscriptionCount(conn.FD())
			receipts = append(receipts, Receipt{Channel: chStr, Count: total})
		}
	}

	remaining := table.subscriptionCount(conn.FD()) + other.subscriptionCount(conn.FD())
	if remaining == 0 {
		e.removeConnection(conn)
	}
	return receipts, remaining, nil
}

// Snapshot returns a point-in-time copy of both routing tables for
// introspection. The two copies are taken sequentially, each under its own
// table lock: holding both leaf locks at once is forbidden, so
// "point-in-time" is per-table, not jointly atomic across both.
func (e *Engine) Snapshot() (exact, pattern map[string][]Conn) {
	return e.exact.snapshot(), e.pattern.snapshot()
}
