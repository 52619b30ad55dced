package scheduler

import (
	"context"
	"sync"
	"testing"

	"golang.org/x/time/rate"
)

func TestPureTaskRunsAndDeliversOutput(t *testing.T) {
	p := New(2, nil)
	if err := p.AddTask("double", nil, func(args any) (any, error) {
		return args.(int) * 2, nil
	}, 21); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	result, err, ok := p.Result("double")
	if !ok || err != nil || result.(int) != 42 {
		t.Fatalf("unexpected result %v err %v ok %v", result, err, ok)
	}
}

func TestOwnTaskRunsAfterDependencyAndSeesOutput(t *testing.T) {
	p := New(2, nil)
	var seen int
	if err := p.AddTask("produce", nil, func(any) (any, error) { return 7, nil }, nil); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := p.AddOwnTask("consume", []string{"produce"}, DataDeps{}, func(_ *Parallel, outs []any) error {
		seen = outs[0].(int)
		return nil
	}); err != nil {
		t.Fatalf("AddOwnTask: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen != 7 {
		t.Fatalf("own task did not see dependency output: %d", seen)
	}
}

func TestPlaceholderReplacedBeforeRun(t *testing.T) {
	p := New(2, nil)
	if err := p.AddPlaceholder("ready"); err != nil {
		t.Fatalf("AddPlaceholder: %v", err)
	}
	if err := p.AddTask("work", nil, func(any) (any, error) { return 1, nil }, nil); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	var fired bool
	if err := p.ReplacePlaceholder("ready", []string{"work"}, DataDeps{}, func(_ *Parallel, _ []any) error {
		fired = true
		return nil
	}); err != nil {
		t.Fatalf("ReplacePlaceholder: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !fired {
		t.Fatalf("expected the replaced placeholder task to run")
	}
}

func TestWildcardDependencySnapshotsAtRegistration(t *testing.T) {
	p := New(2, nil)
	if err := p.AddTask("hash.a", nil, func(any) (any, error) { return nil, nil }, nil); err != nil {
		t.Fatalf("AddTask a: %v", err)
	}
	var ran bool
	if err := p.AddOwnTask("done", []string{"hash.*"}, DataDeps{}, func(_ *Parallel, _ []any) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("AddOwnTask: %v", err)
	}
	// Registered after "done"'s wildcard snapshot: must NOT be awaited.
	if err := p.AddTask("hash.b", nil, func(any) (any, error) {
		// If the scheduler mistakenly waited on this, "done" would block
		// forever since nothing depends on or triggers hash.b; instead
		// it simply runs independently.
		return nil, nil
	}, nil); err != nil {
		t.Fatalf("AddTask b: %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Fatalf("expected done to run once hash.a completed, without waiting on hash.b")
	}
}

func TestDataDepConflictIsFatal(t *testing.T) {
	p := New(2, nil)
	if err := p.AddOwnTask("writer1", nil, DataDeps{Writes: []string{"catalog"}}, func(_ *Parallel, _ []any) error {
		return nil
	}); err != nil {
		t.Fatalf("AddOwnTask writer1: %v", err)
	}
	if err := p.AddOwnTask("writer2", nil, DataDeps{Writes: []string{"catalog"}}, func(_ *Parallel, _ []any) error {
		return nil
	}); err != nil {
		t.Fatalf("AddOwnTask writer2: %v", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected DataDepConflict for two concurrently-eligible writers of the same key")
	}
}

func TestFailureCancelsDependentsButNotSiblings(t *testing.T) {
	p := New(2, nil)
	var mu sync.Mutex
	var siblingRan bool
	if err := p.AddTask("fails", nil, func(any) (any, error) {
		return nil, errBoom
	}, nil); err != nil {
		t.Fatalf("AddTask fails: %v", err)
	}
	if err := p.AddTask("sibling", nil, func(any) (any, error) {
		mu.Lock()
		siblingRan = true
		mu.Unlock()
		return nil, nil
	}, nil); err != nil {
		t.Fatalf("AddTask sibling: %v", err)
	}
	var dependentRan bool
	if err := p.AddOwnTask("dependent", []string{"fails"}, DataDeps{}, func(_ *Parallel, _ []any) error {
		dependentRan = true
		return nil
	}); err != nil {
		t.Fatalf("AddOwnTask dependent: %v", err)
	}

	err := p.Run(context.Background())
	if err == nil {
		t.Fatalf("expected Run to report the failure")
	}
	if dependentRan {
		t.Fatalf("dependent task must not run after its dependency failed")
	}
	mu.Lock()
	ran := siblingRan
	mu.Unlock()
	if !ran {
		t.Fatalf("sibling task with no dependency on the failing task should still have run")
	}
}

func TestCycleIsRejected(t *testing.T) {
	p := New(2, nil)
	if err := p.AddTask("a", []string{"b"}, func(any) (any, error) { return nil, nil }, nil); err != nil {
		t.Fatalf("AddTask a: %v", err)
	}
	if err := p.AddTask("b", []string{"a"}, func(any) (any, error) { return nil, nil }, nil); err != nil {
		t.Fatalf("AddTask b: %v", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected cycle detection to fail Run")
	}
}

func TestRateLimiterIsHonored(t *testing.T) {
	p := New(4, rate.NewLimiter(rate.Inf, 1))
	if err := p.AddTask("t", nil, func(any) (any, error) { return 1, nil }, nil); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom error = boomError{}
