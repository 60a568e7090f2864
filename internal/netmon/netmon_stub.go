//go:build !linux && !darwin

package netmon

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// New reports that no kernel event dialect is built in for this
// platform.
func New(log *zap.Logger, ifIndex int) (Source, error) {
	return nil, fmt.Errorf("netmon: no driver for platform %s", runtime.GOOS)
}
