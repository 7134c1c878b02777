package engine

import "sync"

// pendingMessage is one (channel, payload) tuple awaiting fan-out, keyed in
// the owning pendingQueue by publisher fd.
type pendingMessage struct {
	channel []byte
	payload []byte
}

// pendingQueue maps each publisher fd to its single outstanding message,
// guarded by its own condition variable. A publisher fd appears at most
// once at any instant, enforced by dup detection in Engine.Publish before
// this structure is touched.
type pendingQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[int]pendingMessage
	order   []int // FIFO order of insertion, for fairness across publishers
}

func newPendingQueue() *pendingQueue {
	q := &pendingQueue{entries: make(map[int]pendingMessage)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push inserts or overwrites the pending entry for fd and signals the
// queue condition. It reports whether fd already had an entry pending,
// which Engine.Publish uses to reject same-fd reentrancy.
func (q *pendingQueue) push(fd int, channel, payload []byte) (alreadyPending bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, alreadyPending = q.entries[fd]
	if !alreadyPending {
		q.order = append(q.order, fd)
	}
	q.entries[fd] = pendingMessage{channel: channel, payload: payload}
	q.cond.Signal()
	return alreadyPending
}

// popOne removes and returns the oldest pending entry, in FIFO insertion
// order across distinct publisher fds. ok is false if the queue is empty.
func (q *pendingQueue) popOne() (fd int, msg pendingMessage, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		fd = q.order[0]
		q.order = q.order[1:]
		msg, ok = q.entries[fd]
		if ok {
			delete(q.entries, fd)
			return fd, msg, true
		}
		// stale order entry (shouldn't happen, defensive)
	}
	return 0, pendingMessage{}, false
}

// receiverLedger maps each publisher fd to the recipient count of its
// most recently dispatched message, guarded
// by its own condition variable. publish() blocks on this condition until
// its fd appears.
type receiverLedger struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[int]int
	closed  bool
}

func newReceiverLedger() *receiverLedger {
	l := &receiverLedger{entries: make(map[int]int)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// post records the recipient count for fd and wakes every waiter. Called
// only from the Dispatcher goroutine after a fan-out completes.
func (l *receiverLedger) post(fd int, count int) {
	l.mu.Lock()
	l.entries[fd] = count
	l.cond.Broadcast()
	l.mu.Unlock()
}

// await blocks until fd has a posted entry (or the ledger is closed during
// shutdown), removes and returns it.
func (l *receiverLedger) await(fd int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if count, ok := l.entries[fd]; ok {
			delete(l.entries, fd)
			return count, true
		}
		if l.closed {
			return 0, false
		}
		l.cond.Wait()
	}
}

// shutdown wakes every blocked publisher with no entry; await returns
// (0, false) for all of them. Used by Stop so in-flight publishers never
// hang forever.
func (l *receiverLedger) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}
