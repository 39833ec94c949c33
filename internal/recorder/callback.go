package recorder

// Callback receives the outcome of one recording. Exactly one of OnFailed
// and OnCompleted is called per started pipeline, on the pipeline's worker
// goroutine.
type Callback interface {
	OnStarted(p *Pipeline)
	OnFailed(err error)
	// OnCompleted reports a finalized file. formatChanged is true when the
	// recording ended because a source format drifted.
	OnCompleted(formatChanged bool)
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Started   func(p *Pipeline)
	Failed    func(err error)
	Completed func(formatChanged bool)
}

func (c CallbackFuncs) OnStarted(p *Pipeline) {
	if c.Started != nil {
		c.Started(p)
	}
}

func (c CallbackFuncs) OnFailed(err error) {
	if c.Failed != nil {
		c.Failed(err)
	}
}

func (c CallbackFuncs) OnCompleted(formatChanged bool) {
	if c.Completed != nil {
		c.Completed(formatChanged)
	}
}
