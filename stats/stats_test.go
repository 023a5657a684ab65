package stats

import (
	"errors"
	"testing"

	"github.com/scopetree/scopetree"
	"github.com/scopetree/scopetree/internal/testutil"
)

var (
	loadLoc = scopetree.SourceLoc{Function: "demo.load", File: "demo/load.go", Line: 10}
	workLoc = scopetree.SourceLoc{Function: "demo.work", File: "demo/work.go", Line: 20}
	stepLoc = scopetree.SourceLoc{Function: "demo.step", File: "demo/step.go", Line: 42}
)

// mainTrace is a complete trace with two "step" activations under "load"
// and two more under "work":
//
//	root
//	  load [step step]
//	  work [step step]
//
// Self wall times: load 940, work 160, step 120/240/360/480.
func mainTrace() scopetree.Trace {
	return scopetree.Trace{
		StackID:   1,
		StackName: "main",
		Complete:  true,
		Frames: []scopetree.Frame{
			{Index: 0, CallerIndex: 0, LastChildIndex: 4, StartWallNS: 1, StopWallNS: 10000},
			{Index: 1, CallerIndex: 0, LastChildIndex: 3, Name: "load", Loc: loadLoc, StartWallNS: 100, StopWallNS: 1400},
			{Index: 2, CallerIndex: 1, Name: "step", Loc: stepLoc, StartWallNS: 200, StopWallNS: 320},
			{Index: 3, CallerIndex: 1, PrevIndex: 2, Name: "step", Loc: stepLoc, StartWallNS: 400, StopWallNS: 640},
			{Index: 4, CallerIndex: 0, PrevIndex: 1, LastChildIndex: 6, Name: "work", Loc: workLoc, StartWallNS: 2000, StopWallNS: 3000},
			{Index: 5, CallerIndex: 4, Name: "step", Loc: stepLoc, StartWallNS: 2100, StopWallNS: 2460},
			{Index: 6, CallerIndex: 4, PrevIndex: 5, Name: "step", Loc: stepLoc, StartWallNS: 2500, StopWallNS: 2980},
		},
	}
}

func TestAggregatorToMetrics(t *testing.T) {
	agg := NewAggregator(100, 5)
	if err := agg.AddTrace(mainTrace()); err != nil {
		t.Fatalf("adding the trace: %v", err)
	}

	want := []ScopeMetrics{
		{
			Name:        "step",
			Loc:         stepLoc,
			Fingerprint: fingerprint("step", stepLoc),
			P75:         430,
			P95:         480,
			P99:         480,
			Avg:         300,
			Sum:         1200,
			Count:       4,
			Worst:       "main",
			Examples:    []string{"main"},
		},
		{
			Name:        "load",
			Loc:         loadLoc,
			Fingerprint: fingerprint("load", loadLoc),
			P75:         940,
			P95:         940,
			P99:         940,
			Avg:         940,
			Sum:         940,
			Count:       1,
			Worst:       "main",
			Examples:    []string{"main"},
		},
		{
			Name:        "work",
			Loc:         workLoc,
			Fingerprint: fingerprint("work", workLoc),
			P75:         160,
			P95:         160,
			P99:         160,
			Avg:         160,
			Sum:         160,
			Count:       1,
			Worst:       "main",
			Examples:    []string{"main"},
		},
	}

	if diff := testutil.Diff(agg.ToMetrics(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestAggregatorTruncatesToMaxUniqueScopes(t *testing.T) {
	agg := NewAggregator(1, 5)
	if err := agg.AddTrace(mainTrace()); err != nil {
		t.Fatalf("adding the trace: %v", err)
	}

	metrics := agg.ToMetrics()
	if len(metrics) != 1 {
		t.Fatalf("expected 1 row, got %d", len(metrics))
	}
	if metrics[0].Name != "step" {
		t.Fatalf("expected the heaviest scope first, got %q", metrics[0].Name)
	}
}

func TestAggregatorWorstAndExamples(t *testing.T) {
	trace := func(id int64, name string, stopNS uint64) scopetree.Trace {
		return scopetree.Trace{
			StackID:   id,
			StackName: name,
			Complete:  true,
			Frames: []scopetree.Frame{
				{Index: 0, CallerIndex: 0, LastChildIndex: 1, StartWallNS: 1, StopWallNS: 1000},
				{Index: 1, CallerIndex: 0, Name: "step", Loc: stepLoc, StartWallNS: 10, StopWallNS: stopNS},
			},
		}
	}

	agg := NewAggregator(10, 1)
	if err := agg.AddTrace(trace(1, "main", 110)); err != nil {
		t.Fatalf("adding the first trace: %v", err)
	}
	if err := agg.AddTrace(trace(2, "worker", 310)); err != nil {
		t.Fatalf("adding the second trace: %v", err)
	}

	metrics := agg.ToMetrics()
	if len(metrics) != 1 {
		t.Fatalf("expected 1 row, got %d", len(metrics))
	}
	m := metrics[0]
	if m.Worst != "worker" {
		t.Fatalf("Worst = %q, want %q", m.Worst, "worker")
	}
	if diff := testutil.Diff(m.Examples, []string{"main"}); diff != "" {
		t.Fatalf("Examples mismatch: got - want +\n%s", diff)
	}
	if m.Sum != 400 || m.Count != 2 {
		t.Fatalf("Sum/Count = %d/%d, want 400/2", m.Sum, m.Count)
	}
}

func TestAggregatorRejectsIncompleteTrace(t *testing.T) {
	trace := mainTrace()
	trace.Complete = false

	agg := NewAggregator(10, 5)
	if err := agg.AddTrace(trace); !errors.Is(err, ErrIncompleteTrace) {
		t.Fatalf("AddTrace() = %v, want %v", err, ErrIncompleteTrace)
	}
}

func TestAggregatorRejectsMalformedTrace(t *testing.T) {
	trace := mainTrace()
	trace.Frames = trace.Frames[1:] // drop the root

	agg := NewAggregator(10, 5)
	if err := agg.AddTrace(trace); err == nil {
		t.Fatal("expected an error for a malformed trace")
	}
}

func TestCollector(t *testing.T) {
	agg := NewAggregator(100, 5)
	col := agg.Collector()

	p := scopetree.NewProcess(
		scopetree.WithEnabled(true),
		scopetree.WithFlushPolicy(scopetree.FlushEveryFrame()),
		scopetree.WithCallback(col),
	)
	s := p.Attach()
	outer := s.EnterScope("outer")
	for i := 0; i < 2; i++ {
		inner := s.EnterScope("inner")
		inner.Exit()
	}
	outer.Exit()
	p.Detach()
	if err := p.Close(); err != nil {
		t.Fatalf("closing the process: %v", err)
	}

	if err := col.Err(); err != nil {
		t.Fatalf("collector recorded an error: %v", err)
	}

	counts := make(map[string]uint64)
	for _, m := range agg.ToMetrics() {
		counts[m.Name] = m.Count
	}
	want := map[string]uint64{"outer": 1, "inner": 2}
	if diff := testutil.Diff(counts, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}
