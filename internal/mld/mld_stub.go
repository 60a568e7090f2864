//go:build !linux && !darwin

package mld

import (
	"fmt"
	"runtime"

	"github.com/postalsys/netifbridge/internal/addr"
	"go.uber.org/zap"
)

// OwnAddressChecker reports whether an address belongs to the tunnel.
type OwnAddressChecker interface {
	IsOwnAddress(a addr.IP6) bool
}

// New reports that no MLD driver is built in for this platform.
func New(log *zap.Logger, ifName string, ifIndex int, owner OwnAddressChecker) (Monitor, error) {
	return nil, fmt.Errorf("mld: no driver for platform %s", runtime.GOOS)
}
