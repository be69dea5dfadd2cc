package contracts

import "sync/atomic"

// ProgressSink receives (label, current, total) updates. A total of zero
// means the amount of work is not known yet.
type ProgressSink interface {
	Progress(label string, current, total int)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(label string, current, total int)

func (f ProgressFunc) Progress(label string, current, total int) { f(label, current, total) }

// DiscardProgress drops every update.
var DiscardProgress ProgressSink = ProgressFunc(func(string, int, int) {})

// Canceller is polled at cooperative checkpoints.
type Canceller interface {
	Cancelled() bool
}

// CancelState is the tri-state of a CancelFlag.
type CancelState int32

const (
	CancelNone      CancelState = iota // running
	CancelRequested                    // requested, not yet seen by the worker
	CancelObserved                     // seen at a checkpoint
)

func (s CancelState) String() string {
	switch s {
	case CancelRequested:
		return "requested"
	case CancelObserved:
		return "observed"
	default:
		return "running"
	}
}

// CancelFlag is a cancellation token safe to set from any goroutine.
type CancelFlag struct {
	state atomic.Int32
}

// Request asks the worker to stop at its next checkpoint.
func (f *CancelFlag) Request() {
	f.state.CompareAndSwap(int32(CancelNone), int32(CancelRequested))
}

// Cancelled reports whether a cancel was requested, marking it observed.
func (f *CancelFlag) Cancelled() bool {
	if f.state.CompareAndSwap(int32(CancelRequested), int32(CancelObserved)) {
		return true
	}
	return f.state.Load() == int32(CancelObserved)
}

// State returns the current state without observing it.
func (f *CancelFlag) State() CancelState {
	return CancelState(f.state.Load())
}

// Reset returns the flag to the running state.
func (f *CancelFlag) Reset() {
	f.state.Store(int32(CancelNone))
}

// NeverCancel is a Canceller that never fires.
var NeverCancel Canceller = neverCancel{}

type neverCancel struct{}

func (neverCancel) Cancelled() bool { return false }
