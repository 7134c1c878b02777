//go:build windows

package engine

import "fmt"

// NewPoller is unimplemented on windows: the dispatcher's readiness
// backends cover epoll (Linux) and poll (BSD/darwin) only.
func NewPoller() (Poller, error) {
	return nil, fmt.Errorf("pubsubd: no Poller implementation for windows")
}
