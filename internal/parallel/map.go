// Package parallel maps values concurrently with a bounded number of
// workers.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc over the values of an iterator using at most limit
// concurrent workers. Results are yielded in completion order, so the typical
// usage is
//
//	for result, err := range parallel.NewMap(ctx, 4, fn).Iter(input) {}
//
// Map is context aware: a canceled context or a break out of the loop stops
// feeding new values and cancels the context passed to running mapFuncs.
// Iter returns only after every worker has finished.
type Map[E, D any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	mapped  chan result[D]
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(parentCtx)
	g := &errgroup.Group{}
	// one extra goroutine feeds the workers
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
		mapped:  make(chan result[D], limit),
		mapFunc: mapFunc,
	}
}

func (m *Map[E, D]) goWorkers(seq iter.Seq[E]) {
	m.g.Go(func() error {
		for entry := range seq {
			if m.ctx.Err() != nil {
				return m.ctx.Err()
			}
			m.g.Go(func() error {
				d, err := m.mapFunc(m.ctx, entry)
				select {
				case <-m.ctx.Done():
					return m.ctx.Err()
				case m.mapped <- result[D]{d: d, e: err}:
				}
				return nil
			})
		}
		return nil
	})
}

func (m *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		m.goWorkers(seq)
		go func() {
			_ = m.g.Wait()
			close(m.mapped)
		}()
		defer func() {
			m.cancel()
			for range m.mapped {
			}
		}()

		for r := range m.mapped {
			if m.ctx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
