package engine

import "errors"

// Error kinds from the taxonomy: TransientWriteBackpressure never surfaces
// as an error value (it is a status, handled inline); the other kinds have
// the sentinels below.

// ErrEnginePrecondition wraps failures that make the engine itself
// unusable: poller creation, wake-pipe construction, and registering the
// wake pipe's read end with the poller. There is no sensible
// recovery for a dispatcher that cannot wake its own loop, so New returns
// this and the caller must not use the engine.
var ErrEnginePrecondition = errors.New("pubsubd: engine precondition failed")

// ErrFatalConnection tags a connection-level failure (bad write, bad read
// status, poller error/hangup). It never propagates to publishers or other
// subscribers: the engine handles such failures by tearing the connection
// down, and no engine call returns this value.
var ErrFatalConnection = errors.New("pubsubd: fatal connection error")

// ErrStopped is returned by entry points invoked after Stop has been
// called, and by a Publish that was still waiting for its count when Stop
// was called.
var ErrStopped = errors.New("pubsubd: engine stopped")

// ErrDuplicatePublisherFD is returned by Publish when the caller attempts
// to reuse a publisher fd for a hand-off that is already in flight for
// that same fd. Callers must own the fd for the duration of the call;
// this check backs that requirement rather than silently overwriting the
// pending entry.
var ErrDuplicatePublisherFD = errors.New("pubsubd: publisher fd already has a message in flight")
