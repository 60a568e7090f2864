//go:build !linux && !darwin

package kernelnet

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// New reports that no kernelnet driver is built in for this platform.
func New(log *zap.Logger, ifName string) (Config, error) {
	return nil, fmt.Errorf("kernelnet: no driver for platform %s", runtime.GOOS)
}
