package ingest

// Scheduler coalesces reconciliation requests: any number of requests
// while a pass is running collapse into exactly one follow-up pass.
type Scheduler struct {
	ch chan struct{}
}

// NewScheduler creates a scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{ch: make(chan struct{}, 1)}
}

// Request asks for a reconciliation pass. Never blocks.
func (s *Scheduler) Request() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Requests returns the channel the pass runner drains.
func (s *Scheduler) Requests() <-chan struct{} {
	return s.ch
}
