//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminateProcess asks the process to exit gracefully.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
