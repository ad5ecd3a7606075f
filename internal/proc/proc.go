// Package proc isolates OS specific process control (process groups,
// graceful and forced termination, signal reporting) and keeps a registry of
// running processes.
package proc

import (
	"os"
	"os/exec"
)

// Controller hides the platform specific parts of a process lifecycle.
type Controller interface {
	// Prepare configures cmd before Start, typically puts the child into its
	// own process group, so that its children are terminated together.
	Prepare(cmd *exec.Cmd)
	// Terminate asks the process (group) to exit gracefully.
	Terminate(p *os.Process) error
	// Kill forcibly terminates the process (group).
	Kill(p *os.Process) error
	// Signal reports the name of a signal which terminated the process, if any.
	Signal(state *os.ProcessState) (string, bool)
}

// Default returns a Controller for the current platform.
func Default() Controller {
	return platform{}
}
