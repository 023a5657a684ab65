package main

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scopetree/scopetree"
)

// runScenario executes one of the built-in instrumented workloads under a
// fresh process handle and returns the recorded traces. The workloads
// exist so a deployment can exercise the whole pipeline, recording
// through storage to export, with a single request.
func runScenario(scenario string, workers int, policy scopetree.FlushPolicy) ([]scopetree.Trace, error) {
	rec := scopetree.NewRecorder()
	p := scopetree.NewProcess(
		scopetree.WithEnabled(true),
		scopetree.WithFlushPolicy(policy),
		scopetree.WithCallback(rec),
	)

	var err error
	switch scenario {
	case "sequential":
		err = simulateSequential(p)
	case "fanout":
		err = simulateFanout(p, workers)
	case "deep":
		err = simulateDeep(p)
	default:
		return nil, fmt.Errorf("unknown scenario %q", scenario)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Close(); err != nil {
		return nil, err
	}
	return rec.Traces(), nil
}

// simulateSequential times a handler that queries twice, each query
// retrying once, all on one goroutine.
func simulateSequential(p *scopetree.Process) error {
	s := p.Attach()
	defer p.Detach()
	s.SetName("sequential")

	defer s.EnterScope("handle", scopetree.WithSourceLoc(scopetree.Here())).Exit()
	for i := 0; i < 2; i++ {
		query := s.EnterScope("query")
		for j := 0; j < 2; j++ {
			attempt := s.EnterScope("attempt")
			spin(50 * time.Microsecond)
			attempt.Exit()
		}
		query.Exit()
	}
	return nil
}

// simulateFanout runs the same three-step job on several goroutines at
// once, each with its own stack.
func simulateFanout(p *scopetree.Process, workers int) error {
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			s := p.Attach()
			defer p.Detach()
			s.SetName(fmt.Sprintf("worker-%d", i))

			defer s.EnterScope("work", scopetree.WithSourceLoc(scopetree.Here())).Exit()
			for j := 0; j < 3; j++ {
				step := s.EnterScope("step")
				spin(20 * time.Microsecond)
				step.Exit()
			}
			return nil
		})
	}
	return g.Wait()
}

// simulateDeep nests scopes sixteen levels down and burns CPU at the
// bottom, producing a tall narrow tree.
func simulateDeep(p *scopetree.Process) error {
	s := p.Attach()
	defer p.Detach()
	s.SetName("deep")

	var descend func(depth int)
	descend = func(depth int) {
		if depth == 0 {
			spin(100 * time.Microsecond)
			return
		}
		defer s.EnterScope(fmt.Sprintf("level-%d", depth)).Exit()
		descend(depth - 1)
	}
	descend(16)
	return nil
}

// spin burns CPU until d has passed. Sleeping would park the goroutine
// and leave the thread clock still, so the scenarios busy-wait instead.
func spin(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
