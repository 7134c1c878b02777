//go:build windows

package engine

import "fmt"

func newWakePipe() (wakePipe, error) {
	return nil, fmt.Errorf("pubsubd: no wake pipe implementation for windows")
}
