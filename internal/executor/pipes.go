package executor

import (
	"fmt"
	"os"
)

// pipes connect the child's stdout and stderr to the executor. They are plain
// os.Pipe files, so reading them is independent of exec.Cmd.Wait and the
// child can be reaped while something else still holds the write ends.
type pipes struct {
	outR, outW *os.File
	errR, errW *os.File
}

func newPipes() (*pipes, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return &pipes{outR: outR, outW: outW, errR: errR, errW: errW}, nil
}

// closeWriters drops the parent's copies of the write ends after Start, so
// the readers see EOF once every child closed them.
func (p *pipes) closeWriters() {
	_ = p.outW.Close()
	_ = p.errW.Close()
}

// closeReaders unblocks pending reads with os.ErrClosed
func (p *pipes) closeReaders() {
	_ = p.outR.Close()
	_ = p.errR.Close()
}

func (p *pipes) close() {
	p.closeWriters()
	p.closeReaders()
}
