//go:build windows

package proc

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

type platform struct{}

func (platform) Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// Terminate kills the process, windows has no graceful console signal for
// processes without a console.
func (platform) Terminate(p *os.Process) error {
	return kill(p)
}

func (platform) Kill(p *os.Process) error {
	return kill(p)
}

func (platform) Signal(*os.ProcessState) (string, bool) {
	return "", false
}

func kill(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
