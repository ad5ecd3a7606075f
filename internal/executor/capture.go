package executor

import (
	"bytes"
	"context"
	"sync"
)

// capture collects stdout and stderr up to a combined limit. Bytes over the
// limit are dropped, writes never fail so the child is never blocked on a
// full pipe.
type capture struct {
	mx        sync.Mutex
	limit     int64
	used      int64
	truncated bool
	stdout    bytes.Buffer
	stderr    bytes.Buffer
}

func newCapture(limit int64) *capture {
	return &capture{limit: limit}
}

type captureWriter struct {
	c   *capture
	buf *bytes.Buffer
}

func (w captureWriter) Write(p []byte) (int, error) {
	w.c.mx.Lock()
	defer w.c.mx.Unlock()
	n := int64(len(p))
	if room := w.c.limit - w.c.used; n > room {
		n = max(room, 0)
		w.c.truncated = true
	}
	w.buf.Write(p[:n])
	w.c.used += n
	return len(p), nil
}

func (c *capture) outWriter() captureWriter { return captureWriter{c: c, buf: &c.stdout} }
func (c *capture) errWriter() captureWriter { return captureWriter{c: c, buf: &c.stderr} }

func (c *capture) result() (stdout, stderr []byte, truncated bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return bytes.Clone(c.stdout.Bytes()), bytes.Clone(c.stderr.Bytes()), c.truncated
}

// StderrFunc receives stderr of a running process line by line
type StderrFunc func(ctx context.Context, line string)

// lineWriter calls fn for every complete line written to it
type lineWriter struct {
	ctx     context.Context
	fn      StderrFunc
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if len(w.partial) > 0 {
		w.fn(w.ctx, string(w.partial))
		w.partial = nil
	}
}
