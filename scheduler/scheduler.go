// Package scheduler implements a dependency-ordered, task-parallel
// graph: pure tasks run on a bounded worker pool, coordinator ("own")
// tasks run serialized on a single coordinator goroutine so shared
// state mutations never race, and placeholders let a task reserve its
// topological slot before its real dependency list is known. Cycle
// detection is delegated to github.com/pyr-sh/dag rather than a
// hand-rolled graph walker.
package scheduler

import (
	"context"
	"strings"
	"sync"

	"github.com/pyr-sh/dag"
	"github.com/sanguine-rose/availability/engerr"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Kind distinguishes the three task shapes.
type Kind int

const (
	Pure Kind = iota
	Own
	Placeholder
)

// PureFunc is a pure task's body: runs on any worker, no shared state.
type PureFunc func(args any) (any, error)

// OwnFunc is a coordinator task's body: runs on the single coordinator
// goroutine, receives the (ordered) outputs of its dependencies, and
// may register further tasks via p.
type OwnFunc func(p *Parallel, depOutputs []any) error

// DataDeps declares the read/write/signal keyset of a coordinator
// task. Two concurrently-eligible tasks whose declarations overlap in
// a write/write or read/write fashion are a programming error,
// detected and reported as engerr.DataDepConflict rather than silently
// racing.
type DataDeps struct {
	Reads, Writes, Signals []string
}

func (d DataDeps) conflictsWith(o DataDeps) bool {
	for _, w := range d.Writes {
		for _, w2 := range o.Writes {
			if w == w2 {
				return true
			}
		}
		for _, r2 := range o.Reads {
			if w == r2 {
				return true
			}
		}
	}
	for _, r := range d.Reads {
		for _, w2 := range o.Writes {
			if r == w2 {
				return true
			}
		}
	}
	return false
}

type task struct {
	name     string
	kind     Kind
	deps     []string // expanded, snapshotted at registration time
	dataDeps DataDeps

	pureFn   PureFunc
	pureArgs any

	ownFn OwnFunc

	started bool
	done    bool
	result  any
	err     error
}

// Parallel is the scheduler: a registry of named tasks plus the
// bounded worker pool that runs pure tasks.
type Parallel struct {
	mu    sync.Mutex
	tasks map[string]*task
	// registered preserves insertion order, used only to make
	// wildcard-expansion snapshots and data-dep conflict reporting
	// deterministic.
	registered []string

	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// New constructs a Parallel whose pure-task worker pool is bounded to
// workers concurrent tasks. limiter, if non-nil, additionally
// throttles pure-task dispatch, bounding how fast extraction/hashing
// I/O is launched.
func New(workers int, limiter *rate.Limiter) *Parallel {
	if workers < 1 {
		workers = 1
	}
	return &Parallel{
		tasks:   map[string]*task{},
		sem:     semaphore.NewWeighted(int64(workers)),
		limiter: limiter,
	}
}

func (p *Parallel) expandDeps(deps []string) []string {
	var out []string
	for _, d := range deps {
		if strings.HasSuffix(d, "*") {
			prefix := strings.TrimSuffix(d, "*")
			for _, name := range p.registered {
				if strings.HasPrefix(name, prefix) {
					out = append(out, name)
				}
			}
			continue
		}
		out = append(out, d)
	}
	return out
}

func (p *Parallel) register(t *task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tasks[t.name]; exists {
		return engerr.New(engerr.DataDepConflict, "task "+t.name+" already registered")
	}
	t.deps = p.expandDeps(t.deps)
	p.tasks[t.name] = t
	p.registered = append(p.registered, t.name)
	return nil
}

// AddTask registers a pure task. deps may include "prefix.*" wildcard
// entries, expanded against the tasks registered so far; matches
// registered later are not awaited.
func (p *Parallel) AddTask(name string, deps []string, fn PureFunc, args any) error {
	return p.register(&task{name: name, kind: Pure, deps: deps, pureFn: fn, pureArgs: args})
}

// AddOwnTask registers a coordinator task.
func (p *Parallel) AddOwnTask(name string, deps []string, dataDeps DataDeps, fn OwnFunc) error {
	return p.register(&task{name: name, kind: Own, deps: deps, dataDeps: dataDeps, ownFn: fn})
}

// AddPlaceholder reserves name's topological slot with no function and
// no dependencies of its own; other tasks may already depend on it.
// Replace installs the real task before Run needs to execute it.
func (p *Parallel) AddPlaceholder(name string) error {
	return p.register(&task{name: name, kind: Placeholder})
}

// ReplacePlaceholder installs the real coordinator task behind a
// previously reserved placeholder name.
func (p *Parallel) ReplacePlaceholder(name string, deps []string, dataDeps DataDeps, fn OwnFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[name]
	if !ok || t.kind != Placeholder {
		return engerr.New(engerr.DataDepConflict, "no placeholder named "+name+" to replace")
	}
	t.kind = Own
	t.deps = p.expandDeps(deps)
	t.dataDeps = dataDeps
	t.ownFn = fn
	return nil
}

// validateGraph checks the dependency graph is acyclic using
// github.com/pyr-sh/dag, returning a clear error instead of the
// scheduler silently deadlocking on a cycle.
func (p *Parallel) validateGraph() error {
	var g dag.AcyclicGraph
	for _, name := range p.registered {
		g.Add(name)
	}
	for _, name := range p.registered {
		t := p.tasks[name]
		for _, d := range t.deps {
			if _, ok := p.tasks[d]; !ok {
				return engerr.New(engerr.DataDepConflict, "task "+name+" depends on unknown task "+d)
			}
			g.Connect(dag.BasicEdge(d, name))
		}
	}
	// Cycles, not Validate: Validate also demands a single root, and a
	// task graph routinely has several independent root tasks.
	if cycles := g.Cycles(); len(cycles) > 0 {
		return engerr.New(engerr.DataDepConflict, "task dependency graph has a cycle")
	}
	return nil
}

func (t *task) depsComplete(tasks map[string]*task) bool {
	for _, d := range t.deps {
		dep, ok := tasks[d]
		if !ok || !dep.done {
			return false
		}
	}
	return true
}

type completion struct {
	t      *task
	result any
	err    error
}

// Run executes every registered task to completion (or until the
// first failure), returning that failure. Coordinator tasks run
// inline on the calling goroutine, one at a time; pure tasks run on
// up to `workers` goroutines. On failure, in-flight pure tasks are
// allowed to finish (extraction cannot be safely interrupted
// mid-flight) and no new task is started.
func (p *Parallel) Run(ctx context.Context) error {
	if err := p.validateGraph(); err != nil {
		return err
	}

	completions := make(chan completion, 64)
	inFlight := 0
	var firstErr error

	for {
		p.mu.Lock()
		allDone := true
		var readyOwn, readyPure []*task
		for _, name := range p.registered {
			t := p.tasks[name]
			if t.done {
				continue
			}
			allDone = false
			if t.started || t.kind == Placeholder {
				continue
			}
			if !t.depsComplete(p.tasks) {
				continue
			}
			switch t.kind {
			case Own:
				readyOwn = append(readyOwn, t)
			case Pure:
				readyPure = append(readyPure, t)
			}
		}
		if err := checkDataDepConflicts(readyOwn); err != nil {
			p.mu.Unlock()
			return err
		}
		if firstErr == nil {
			for _, t := range readyOwn {
				t.started = true
			}
			for _, t := range readyPure {
				t.started = true
			}
		} else {
			readyOwn = nil
			readyPure = nil
		}
		p.mu.Unlock()

		if allDone {
			return firstErr
		}

		for _, t := range readyOwn {
			outputs := p.collectOutputs(t.deps)
			err := t.ownFn(p, outputs)
			p.mu.Lock()
			t.done = true
			t.err = err
			p.mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}

		for _, t := range readyPure {
			t := t
			inFlight++
			go func() {
				if p.limiter != nil {
					_ = p.limiter.Wait(ctx)
				}
				if err := p.sem.Acquire(ctx, 1); err != nil {
					completions <- completion{t, nil, err}
					return
				}
				defer p.sem.Release(1)
				result, err := t.pureFn(t.pureArgs)
				completions <- completion{t, result, err}
			}()
		}

		if len(readyOwn) == 0 && len(readyPure) == 0 {
			if inFlight == 0 {
				if firstErr != nil {
					return firstErr
				}
				// Nothing ready, nothing in flight, not all done: every
				// remaining task is blocked on a dependency that will
				// never complete (a placeholder never replaced, or a
				// genuine scheduling bug).
				return engerr.New(engerr.DataDepConflict, "scheduler deadlock: remaining tasks have unsatisfiable dependencies")
			}
			c := <-completions
			inFlight--
			p.mu.Lock()
			c.t.done = true
			c.t.result = c.result
			c.t.err = c.err
			p.mu.Unlock()
			if c.err != nil && firstErr == nil {
				firstErr = c.err
			}
		}
	}
}

func checkDataDepConflicts(readyOwn []*task) error {
	for i := 0; i < len(readyOwn); i++ {
		for j := i + 1; j < len(readyOwn); j++ {
			if readyOwn[i].dataDeps.conflictsWith(readyOwn[j].dataDeps) {
				return engerr.New(engerr.DataDepConflict,
					"data-dependency conflict between concurrently-eligible tasks "+readyOwn[i].name+" and "+readyOwn[j].name)
			}
		}
	}
	return nil
}

func (p *Parallel) collectOutputs(deps []string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(deps))
	for i, d := range deps {
		out[i] = p.tasks[d].result
	}
	return out
}

// Result returns the stored result and error for a completed pure
// task, for tests and for own tasks that want another task's output by
// name rather than via depOutputs ordering.
func (p *Parallel) Result(name string) (any, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[name]
	if !ok || !t.done {
		return nil, nil, false
	}
	return t.result, t.err, true
}
