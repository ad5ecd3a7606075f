package proc

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"
)

// Info describes a registered process
type Info struct {
	ID      string
	Name    string
	Pid     int
	Started time.Time
}

type entry struct {
	info    Info
	process *os.Process
}

// Registry tracks in-flight processes. It is safe for concurrent use.
type Registry struct {
	ctl Controller
	mx  sync.Mutex
	m   map[string]entry
	gen uint64 // incremented by every KillAll
}

func NewRegistry(ctl Controller) *Registry {
	if ctl == nil {
		ctl = Default()
	}
	return &Registry{
		ctl: ctl,
		m:   make(map[string]entry),
	}
}

// Generation identifies the KillAll calls made so far. Read it before
// starting a process and pass it to Add.
func (r *Registry) Generation() uint64 {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.gen
}

// Add registers a started process. When KillAll ran since gen was read, the
// process is killed instead and Add returns false.
func (r *Registry) Add(id, name string, p *os.Process, gen uint64) bool {
	r.mx.Lock()
	if r.gen != gen {
		r.mx.Unlock()
		_ = r.ctl.Kill(p)
		return false
	}
	defer r.mx.Unlock()
	r.m[id] = entry{
		info: Info{
			ID:      id,
			Name:    name,
			Pid:     p.Pid,
			Started: time.Now().UTC(),
		},
		process: p,
	}
	return true
}

func (r *Registry) Remove(id string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.m, id)
}

// Len returns the number of running processes
func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.m)
}

// List returns registered processes ordered by start time
func (r *Registry) List() []Info {
	r.mx.Lock()
	ret := make([]Info, 0, len(r.m))
	for _, e := range r.m {
		ret = append(ret, e.info)
	}
	r.mx.Unlock()
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Started.Before(ret[j].Started)
	})
	return ret
}

// KillAll forcibly terminates every registered process. Entries are removed
// by their owners once the process is reaped.
func (r *Registry) KillAll() error {
	r.mx.Lock()
	r.gen++
	procs := make([]*os.Process, 0, len(r.m))
	for _, e := range r.m {
		procs = append(procs, e.process)
	}
	r.mx.Unlock()

	var errs []error
	for _, p := range procs {
		if err := r.ctl.Kill(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
