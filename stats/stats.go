// Package stats aggregates finished frames into per-scope timing metrics:
// how often each instrumented scope ran, how much wall time it spent in its
// own code, and how that time distributes.
package stats

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"io"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/scopetree/scopetree"
	"github.com/scopetree/scopetree/internal/quantile"
)

// ErrIncompleteTrace is returned when a trace is aggregated before its
// stack detached. Self times need the full tree: a child still running
// would be charged to its caller.
var ErrIncompleteTrace = errors.New("stats: trace is incomplete")

type (
	// Aggregator folds traces into per-scope summaries, keyed by the
	// scope's name and source location. Safe for concurrent use.
	Aggregator struct {
		maxUniqueScopes uint
		maxExamples     uint

		mu     sync.Mutex
		scopes map[uint64]*scopeAccumulator
	}

	// ScopeMetrics summarizes every recorded activation of one scope.
	// Times are self wall time: the scope's duration minus the duration
	// of the scopes entered inside it.
	ScopeMetrics struct {
		Name        string              `json:"name"`
		Loc         scopetree.SourceLoc `json:"loc"`
		Fingerprint uint64              `json:"fingerprint"`
		P75         uint64              `json:"p75"`
		P95         uint64              `json:"p95"`
		P99         uint64              `json:"p99"`
		Avg         float64             `json:"avg"`
		Sum         uint64              `json:"sum"`
		Count       uint64              `json:"count"`
		Worst       string              `json:"worst"`
		Examples    []string            `json:"examples"`
	}

	scopeAccumulator struct {
		name       string
		loc        scopetree.SourceLoc
		selfWallNS quantile.Sample
		sum        uint64
		count      uint64

		maxTraceSelf uint64
		worst        string
		examples     []string
	}
)

// NewAggregator returns an aggregator keeping at most maxUniqueScopes rows
// and maxExamples example traces per scope.
func NewAggregator(maxUniqueScopes, maxExamples uint) *Aggregator {
	return &Aggregator{
		maxUniqueScopes: maxUniqueScopes,
		maxExamples:     maxExamples,
		scopes:          make(map[uint64]*scopeAccumulator),
	}
}

// AddTrace folds one complete trace into the aggregate. The trace must
// validate; the synthetic root frame is never aggregated.
func (a *Aggregator) AddTrace(t scopetree.Trace) error {
	if !t.Complete {
		return ErrIncompleteTrace
	}
	if err := t.Validate(); err != nil {
		return err
	}

	frames := t.FramesByIndex()
	childWallNS := make([]uint64, len(frames))
	for _, f := range frames[1:] {
		childWallNS[f.CallerIndex] += f.WallDuration()
	}

	label := traceLabel(t)
	traceSelf := make(map[uint64]uint64)

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, f := range frames[1:] {
		self := f.WallDuration()
		if children := childWallNS[f.Index]; children < self {
			self -= children
		} else {
			self = 0
		}

		fp := fingerprint(f.Name, f.Loc)
		acc, ok := a.scopes[fp]
		if !ok {
			acc = &scopeAccumulator{name: f.Name, loc: f.Loc}
			a.scopes[fp] = acc
		}
		acc.selfWallNS.Add(float64(self))
		acc.sum += self
		acc.count++
		traceSelf[fp] += self
	}

	for fp, sum := range traceSelf {
		acc := a.scopes[fp]
		if sum > acc.maxTraceSelf || acc.worst == "" {
			acc.maxTraceSelf = sum
			acc.worst = label
		}
		if uint(len(acc.examples)) < a.maxExamples {
			acc.examples = append(acc.examples, label)
		}
	}
	return nil
}

// ToMetrics returns the per-scope summaries, heaviest total self time
// first, truncated to the configured number of rows.
func (a *Aggregator) ToMetrics() []ScopeMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	metrics := make([]ScopeMetrics, 0, len(a.scopes))
	for fp, acc := range a.scopes {
		s := acc.selfWallNS.Sort()
		metrics = append(metrics, ScopeMetrics{
			Name:        acc.name,
			Loc:         acc.loc,
			Fingerprint: fp,
			P75:         uint64(math.Round(s.Percentile(0.75))),
			P95:         uint64(math.Round(s.Percentile(0.95))),
			P99:         uint64(math.Round(s.Percentile(0.99))),
			Avg:         float64(acc.sum) / float64(acc.count),
			Sum:         acc.sum,
			Count:       acc.count,
			Worst:       acc.worst,
			Examples:    acc.examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].Name < metrics[j].Name
	})
	if uint(len(metrics)) > a.maxUniqueScopes {
		metrics = metrics[:a.maxUniqueScopes]
	}
	return metrics
}

func traceLabel(t scopetree.Trace) string {
	if t.StackName != "" {
		return t.StackName
	}
	return "goroutine-" + strconv.FormatInt(t.StackID, 10)
}

func fingerprint(name string, loc scopetree.SourceLoc) uint64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, name)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, loc.Function)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, loc.File)
	var line [4]byte
	binary.LittleEndian.PutUint32(line[:], uint32(loc.Line))
	_, _ = h.Write(line[:])
	return h.Sum64()
}
