// Package speedscope renders traces as speedscope-compatible evented
// profiles: one open event when a scope starts and one close event when it
// stops, per stack, against a shared deduplicated frame table. The output
// loads directly in https://www.speedscope.app.
package speedscope

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/scopetree/scopetree"
)

const (
	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	EventTypeOpenFrame  EventType = "O"
	EventTypeCloseFrame EventType = "C"

	ProfileTypeEvented ProfileType = "evented"
)

// ErrIncompleteTrace is returned for traces whose stack has not detached;
// an open scope has no close event yet.
var ErrIncompleteTrace = errors.New("speedscope: trace is incomplete")

type (
	Frame struct {
		File          string `json:"file,omitempty"`
		IsApplication bool   `json:"is_application"`
		Line          int    `json:"line,omitempty"`
		Name          string `json:"name"`
	}

	Event struct {
		Type  EventType `json:"type"`
		Frame int       `json:"frame"`
		At    uint64    `json:"at"`
	}

	EventedProfile struct {
		EndValue   uint64      `json:"endValue"`
		Events     []Event     `json:"events"`
		Name       string      `json:"name"`
		StartValue uint64      `json:"startValue"`
		ThreadID   uint64      `json:"threadID"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	EventType   string
	ProfileType string
	ValueUnit   string

	Output struct {
		ActiveProfileIndex int              `json:"activeProfileIndex"`
		DurationNS         uint64           `json:"durationNS"`
		Platform           string           `json:"platform"`
		ProfileID          string           `json:"profileID"`
		Profiles           []EventedProfile `json:"profiles"`
		Shared             SharedData       `json:"shared"`
	}

	frameKey struct {
		name string
		loc  scopetree.SourceLoc
	}
)

// Marshal encodes the output as speedscope JSON.
func Marshal(o Output) ([]byte, error) {
	return json.Marshal(o)
}

// FromTraces converts complete traces into one evented profile per stack.
// Timestamps are relative to the process start carried by each trace, so
// profiles from the same recording line up on a common axis. The active
// profile is the one that started first.
func FromTraces(traces []scopetree.Trace) (Output, error) {
	o := Output{
		Platform: "go",
		Profiles: make([]EventedProfile, 0, len(traces)),
		Shared:   SharedData{Frames: make([]Frame, 0)},
	}
	frameIndexes := make(map[frameKey]int)

	for _, t := range traces {
		if !t.Complete {
			return Output{}, fmt.Errorf("stack %d: %w", t.StackID, ErrIncompleteTrace)
		}
		if err := t.Validate(); err != nil {
			return Output{}, fmt.Errorf("speedscope: stack %d: %w", t.StackID, err)
		}
		if o.ProfileID == "" {
			o.ProfileID = t.ProcessID.String()
		}

		byIndex := t.FramesByIndex()
		root := byIndex[0]
		epoch := t.EpochWallNS

		// Index order is start order; a copy sorted by stop time gives
		// close order. Merging the two by timestamp yields the event
		// stream, closing before opening on the (theoretical) tie.
		opens := byIndex[1:]
		closes := append([]scopetree.Frame(nil), opens...)
		sort.Slice(closes, func(i, j int) bool { return closes[i].StopWallNS < closes[j].StopWallNS })

		events := make([]Event, 0, 2*len(opens))
		i, j := 0, 0
		for i < len(opens) || j < len(closes) {
			if i < len(opens) && (j >= len(closes) || opens[i].StartWallNS < closes[j].StopWallNS) {
				events = append(events, Event{
					Type:  EventTypeOpenFrame,
					Frame: sharedFrameIndex(&o, frameIndexes, opens[i]),
					At:    relative(opens[i].StartWallNS, epoch),
				})
				i++
			} else {
				events = append(events, Event{
					Type:  EventTypeCloseFrame,
					Frame: sharedFrameIndex(&o, frameIndexes, closes[j]),
					At:    relative(closes[j].StopWallNS, epoch),
				})
				j++
			}
		}

		o.Profiles = append(o.Profiles, EventedProfile{
			EndValue:   relative(root.StopWallNS, epoch),
			Events:     events,
			Name:       t.StackName,
			StartValue: relative(root.StartWallNS, epoch),
			ThreadID:   uint64(t.StackID),
			Type:       ProfileTypeEvented,
			Unit:       ValueUnitNanoseconds,
		})
	}

	var minStart, maxEnd uint64
	for i, p := range o.Profiles {
		if i == 0 || p.StartValue < minStart {
			minStart = p.StartValue
			o.ActiveProfileIndex = i
		}
		if p.EndValue > maxEnd {
			maxEnd = p.EndValue
		}
	}
	o.DurationNS = maxEnd - minStart
	return o, nil
}

// FromTrace converts a single complete trace.
func FromTrace(t scopetree.Trace) (Output, error) {
	return FromTraces([]scopetree.Trace{t})
}

func sharedFrameIndex(o *Output, indexes map[frameKey]int, f scopetree.Frame) int {
	key := frameKey{name: f.Name, loc: f.Loc}
	if i, ok := indexes[key]; ok {
		return i
	}
	i := len(o.Shared.Frames)
	indexes[key] = i
	o.Shared.Frames = append(o.Shared.Frames, Frame{
		File:          f.Loc.File,
		IsApplication: true,
		Line:          f.Loc.Line,
		Name:          frameName(f),
	})
	return i
}

func frameName(f scopetree.Frame) string {
	if f.Name != "" {
		return f.Name
	}
	if f.Loc.Function != "" {
		return f.Loc.Function
	}
	return fmt.Sprintf("unknown (frame %d)", f.Index)
}

func relative(ns, epoch uint64) uint64 {
	if ns < epoch {
		return 0
	}
	return ns - epoch
}
