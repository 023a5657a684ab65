package scopetree

import "sync"

// Recorder is a Callback that accumulates every delivery into traces, one
// per stack. It is the reference consumer: tests assert against it and
// tools snapshot it. Safe for use by many stacks at once.
type Recorder struct {
	mu   sync.Mutex
	open map[int64]*Trace
	done []*Trace
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{open: make(map[int64]*Trace)}
}

func (r *Recorder) OnStart(s *Stack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace(s)
}

func (r *Recorder) OnBatch(s *Stack, batch []Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.trace(s)
	t.Frames = append(t.Frames, batch...)
}

func (r *Recorder) OnStop(s *Stack, batch []Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.trace(s)
	t.Frames = append(t.Frames, batch...)
	t.StackName = s.Name()
	t.Complete = true
	delete(r.open, s.ID())
	r.done = append(r.done, t)
}

// trace returns the open trace for the stack, creating it if the recorder
// was installed after the stack had already started.
func (r *Recorder) trace(s *Stack) *Trace {
	t, ok := r.open[s.ID()]
	if !ok {
		t = &Trace{
			ProcessID:   s.Process().ID(),
			StackID:     s.ID(),
			StackName:   s.Name(),
			EpochWallNS: s.Epoch(),
		}
		r.open[s.ID()] = t
	}
	return t
}

// Traces returns the completed traces in completion order. The returned
// values share frame storage with the recorder; Reset before reusing it.
func (r *Recorder) Traces() []Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Trace, 0, len(r.done))
	for _, t := range r.done {
		out = append(out, *t)
	}
	return out
}

// Len returns the number of completed traces.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done)
}

// Reset discards everything recorded so far, including open traces.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = make(map[int64]*Trace)
	r.done = nil
}
