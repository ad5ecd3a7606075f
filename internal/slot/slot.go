// Package slot implements a counting semaphore bounding the number of
// concurrently running external processes.
//
// Acquire grants a slot immediately while fewer than max slots are held,
// otherwise the caller is queued as a waiter. Release hands the slot over to
// the longest waiting live waiter without touching the counter, or decrements
// the counter when nobody waits.
//
// A waiter whose timeout fires is only flagged as timed out, it stays in the
// queue until Release walks over it or a new Acquire prunes the queue head.
// The waiter state is settled exactly once with an atomic compare and swap, so
// the race between a firing timer and a concurrent Release has one winner.
//
// Invariants:
//   - 0 <= Active() <= Max()
//   - a timed out waiter is never granted
//   - live waiters are served in FIFO order
package slot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type state int32

const (
	queued state = iota
	granted
	timedOut
)

type waiter struct {
	state atomic.Int32
	ready chan struct{}
}

func newWaiter() *waiter {
	return &waiter{ready: make(chan struct{})}
}

// settle moves the waiter from queued to to, it returns false if the waiter
// has been settled already.
func (w *waiter) settle(to state) bool {
	return w.state.CompareAndSwap(int32(queued), int32(to))
}

func (w *waiter) granted() bool {
	return state(w.state.Load()) == granted
}

func (w *waiter) settled() bool {
	return state(w.state.Load()) != queued
}

// Manager is a bounded counting semaphore with a FIFO waiter queue.
type Manager struct {
	mx     sync.Mutex
	max    int
	active int
	queue  []*waiter
}

func New(max int) *Manager {
	if max < 1 {
		max = 1
	}
	return &Manager{max: max}
}

// Acquire returns true when a slot is held, the caller must call Release
// exactly once afterwards. It returns false when timeout elapsed or ctx was
// done first, in this case nothing is held and the counter is unchanged.
// A timeout <= 0 waits until ctx is done.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) bool {
	m.mx.Lock()
	if m.active < m.max {
		m.active++
		m.mx.Unlock()
		return true
	}
	m.prune()
	w := newWaiter()
	m.queue = append(m.queue, w)
	m.mx.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		return w.granted()
	case <-expired:
	case <-ctx.Done():
	}

	if w.settle(timedOut) {
		return false
	}
	// settled by someone else: Release transferring its slot, or Reset
	<-w.ready
	return w.granted()
}

// Release returns a slot acquired by a successful Acquire.
func (m *Manager) Release() {
	m.mx.Lock()
	defer m.mx.Unlock()
	for len(m.queue) > 0 {
		w := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		if w.settle(granted) {
			close(w.ready)
			return
		}
	}
	m.queue = nil
	if m.active > 0 {
		m.active--
	}
}

// prune drops already settled waiters at the head of the queue. Must be
// called with mx held.
func (m *Manager) prune() {
	i := 0
	for i < len(m.queue) && m.queue[i].settled() {
		m.queue[i] = nil
		i++
	}
	m.queue = m.queue[i:]
}

// Active returns the number of slots being held
func (m *Manager) Active() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.active
}

// Waiters returns the length of the waiter queue including timed out waiters
// not yet pruned.
func (m *Manager) Waiters() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.queue)
}

func (m *Manager) Max() int {
	return m.max
}

// Reset forgets all held slots and times out every queued waiter.
// It exists for test isolation.
func (m *Manager) Reset() {
	m.mx.Lock()
	defer m.mx.Unlock()
	for _, w := range m.queue {
		if w.settle(timedOut) {
			close(w.ready)
		}
	}
	m.queue = nil
	m.active = 0
}
