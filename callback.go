package scopetree

type (
	// Callback receives stack lifecycles and finished frames.
	//
	// Policy-driven hooks run on the goroutine that owns the stack, with no
	// engine locks held, so a hook may call back into the engine. Frames
	// within a batch arrive in completion order and the batch slice belongs
	// to the callback once delivered. Batches drained by Process.FlushAll
	// are the one exception to the ownership rule above: they are delivered
	// on FlushAll's goroutine.
	Callback interface {
		// OnStart runs once per stack, right after its root frame starts.
		OnStart(s *Stack)
		// OnBatch delivers frames finished since the previous delivery.
		// Empty batches are never delivered.
		OnBatch(s *Stack, batch []Frame)
		// OnStop runs once per stack while it detaches, carrying whatever
		// finished frames remain. The root frame is always last in it.
		OnStop(s *Stack, batch []Frame)
	}

	// CallbackFuncs adapts plain functions to Callback. Nil fields are
	// no-ops.
	CallbackFuncs struct {
		Start func(*Stack)
		Batch func(*Stack, []Frame)
		Stop  func(*Stack, []Frame)
	}

	// NopCallback discards everything. It is the default consumer.
	NopCallback struct{}

	multiCallback []Callback
)

func (c CallbackFuncs) OnStart(s *Stack) {
	if c.Start != nil {
		c.Start(s)
	}
}

func (c CallbackFuncs) OnBatch(s *Stack, batch []Frame) {
	if c.Batch != nil {
		c.Batch(s, batch)
	}
}

func (c CallbackFuncs) OnStop(s *Stack, batch []Frame) {
	if c.Stop != nil {
		c.Stop(s, batch)
	}
}

func (NopCallback) OnStart(*Stack)          {}
func (NopCallback) OnBatch(*Stack, []Frame) {}
func (NopCallback) OnStop(*Stack, []Frame)  {}

// MultiCallback fans every hook out to cbs in order.
func MultiCallback(cbs ...Callback) Callback {
	return multiCallback(cbs)
}

func (m multiCallback) OnStart(s *Stack) {
	for _, c := range m {
		c.OnStart(s)
	}
}

func (m multiCallback) OnBatch(s *Stack, batch []Frame) {
	for _, c := range m {
		c.OnBatch(s, batch)
	}
}

func (m multiCallback) OnStop(s *Stack, batch []Frame) {
	for _, c := range m {
		c.OnStop(s, batch)
	}
}
