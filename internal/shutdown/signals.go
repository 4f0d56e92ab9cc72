//go:build !windows

package shutdown

import (
	"os"
	"syscall"
)

var defaultSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGUSR2}
