// Package pprofile converts traces into pprof profiles so the standard Go
// tooling (go tool pprof, continuous-profiling UIs) can read them. Every
// frame becomes one sample valued by its self wall and self CPU time,
// located at its call path; samples sharing a path and goroutine aggregate
// when the profile is compacted.
package pprofile

import (
	"errors"
	"fmt"

	"github.com/google/pprof/profile"

	"github.com/scopetree/scopetree"
)

// ErrIncompleteTrace is returned for traces whose stack has not detached;
// self times cannot be computed while children may still be running.
var ErrIncompleteTrace = errors.New("pprofile: trace is incomplete")

type (
	builder struct {
		p         *profile.Profile
		functions map[functionKey]*profile.Function
		locations map[locationKey]*profile.Location

		nextFunctionID uint64
		nextLocationID uint64

		minStartNS uint64
		maxStopNS  uint64
	}

	functionKey struct {
		name string
		file string
	}

	locationKey struct {
		function functionKey
		line     int
	}
)

// FromTraces builds one pprof profile out of complete traces. Sample
// values are nanoseconds of self wall and self CPU time; the goroutine
// label keeps stacks from different goroutines apart.
func FromTraces(traces []scopetree.Trace) (*profile.Profile, error) {
	b := newBuilder()
	for _, t := range traces {
		if err := b.addTrace(t); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

// FromTrace converts a single complete trace.
func FromTrace(t scopetree.Trace) (*profile.Profile, error) {
	return FromTraces([]scopetree.Trace{t})
}

func newBuilder() *builder {
	return &builder{
		p: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "wall", Unit: "nanoseconds"},
				{Type: "cpu", Unit: "nanoseconds"},
			},
			DefaultSampleType: "wall",
		},
		functions: make(map[functionKey]*profile.Function),
		locations: make(map[locationKey]*profile.Location),
	}
}

func (b *builder) addTrace(t scopetree.Trace) error {
	if !t.Complete {
		return fmt.Errorf("stack %d: %w", t.StackID, ErrIncompleteTrace)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("pprofile: stack %d: %w", t.StackID, err)
	}

	frames := t.FramesByIndex()
	childWallNS := make([]uint64, len(frames))
	childCPUNS := make([]uint64, len(frames))
	for _, f := range frames[1:] {
		childWallNS[f.CallerIndex] += f.WallDuration()
		childCPUNS[f.CallerIndex] += f.CPUDuration()
	}

	root := frames[0]
	if b.minStartNS == 0 || root.StartWallNS < b.minStartNS {
		b.minStartNS = root.StartWallNS
	}
	if root.StopWallNS > b.maxStopNS {
		b.maxStopNS = root.StopWallNS
	}

	label := t.StackName
	for _, f := range frames[1:] {
		locations := make([]*profile.Location, 0, 4)
		for cur := f; !cur.IsRoot(); cur = frames[cur.CallerIndex] {
			locations = append(locations, b.location(cur))
		}
		b.p.Sample = append(b.p.Sample, &profile.Sample{
			Location: locations,
			Value: []int64{
				int64(selfTime(f.WallDuration(), childWallNS[f.Index])),
				int64(selfTime(f.CPUDuration(), childCPUNS[f.Index])),
			},
			Label: map[string][]string{"goroutine": {label}},
		})
	}
	return nil
}

// finish compacts the profile: identical samples aggregate, unreferenced
// table entries drop out.
func (b *builder) finish() (*profile.Profile, error) {
	b.p.DurationNanos = int64(b.maxStopNS - b.minStartNS)
	b.p.PeriodType = &profile.ValueType{}

	compact, err := profile.Merge([]*profile.Profile{b.p})
	if err != nil {
		return nil, fmt.Errorf("pprofile: compacting profile: %w", err)
	}
	return compact, nil
}

func (b *builder) location(f scopetree.Frame) *profile.Location {
	fk := functionKey{name: scopeName(f), file: f.Loc.File}
	lk := locationKey{function: fk, line: f.Loc.Line}
	if loc, ok := b.locations[lk]; ok {
		return loc
	}

	fn, ok := b.functions[fk]
	if !ok {
		b.nextFunctionID++
		fn = &profile.Function{
			ID:         b.nextFunctionID,
			Name:       fk.name,
			SystemName: fk.name,
			Filename:   fk.file,
		}
		if f.Loc.Function != "" {
			fn.SystemName = f.Loc.Function
		}
		b.functions[fk] = fn
		b.p.Function = append(b.p.Function, fn)
	}

	b.nextLocationID++
	loc := &profile.Location{
		ID:   b.nextLocationID,
		Line: []profile.Line{{Function: fn, Line: int64(f.Loc.Line)}},
	}
	b.locations[lk] = loc
	b.p.Location = append(b.p.Location, loc)
	return loc
}

func scopeName(f scopetree.Frame) string {
	if f.Name != "" {
		return f.Name
	}
	if f.Loc.Function != "" {
		return f.Loc.Function
	}
	return fmt.Sprintf("unknown (frame %d)", f.Index)
}

func selfTime(duration, children uint64) uint64 {
	if children >= duration {
		return 0
	}
	return duration - children
}
