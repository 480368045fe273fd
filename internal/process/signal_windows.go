//go:build windows

package process

import "os"

// terminateProcess kills the process. Windows has no SIGTERM equivalent the
// agent CLIs handle, so graceful shutdown degrades to a hard kill.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
