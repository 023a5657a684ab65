package stats

import (
	"sync"

	"github.com/scopetree/scopetree"
)

// Collector adapts the aggregator to the engine's callback interface. It
// buffers each stack's deliveries and folds them into the aggregate as one
// trace when the stack detaches, so self times always see the whole tree.
type Collector struct {
	agg *Aggregator

	mu   sync.Mutex
	open map[int64][]scopetree.Frame
	err  error
}

// Collector returns a callback feeding a.
func (a *Aggregator) Collector() *Collector {
	return &Collector{
		agg:  a,
		open: make(map[int64][]scopetree.Frame),
	}
}

func (c *Collector) OnStart(s *scopetree.Stack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[s.ID()] = nil
}

func (c *Collector) OnBatch(s *scopetree.Stack, batch []scopetree.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[s.ID()] = append(c.open[s.ID()], batch...)
}

func (c *Collector) OnStop(s *scopetree.Stack, batch []scopetree.Frame) {
	c.mu.Lock()
	frames := append(c.open[s.ID()], batch...)
	delete(c.open, s.ID())
	c.mu.Unlock()

	err := c.agg.AddTrace(scopetree.Trace{
		ProcessID:   s.Process().ID(),
		StackID:     s.ID(),
		StackName:   s.Name(),
		EpochWallNS: s.Epoch(),
		Frames:      frames,
		Complete:    true,
	})
	if err != nil {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	}
}

// Err returns the last aggregation failure, nil in normal operation. A
// non-nil value means a stack delivered a malformed trace, for example
// because OnStart was missed when the collector was installed mid-run.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
