//go:build !linux && !darwin

package tun

import (
	"fmt"
	"runtime"
)

// New reports that no TUN driver is built in for this platform. One
// driver per platform is compiled in; adding a third means writing a
// new file in this package, not extending this stub.
func New(cfg Config) (Device, error) {
	return nil, fmt.Errorf("tun: no driver for platform %s", runtime.GOOS)
}
