package export

import (
	"log/slog"
	"sync"
)

// Signals receives run notifications. Implementations are called from a
// single dispatcher goroutine, in emission order.
type Signals interface {
	Progress(label string, current, total int)
	Finished(res *Result)
	Error(message string)
	Warn(title, message string)
	CloseProgress()
}

// NopSignals discards every notification.
type NopSignals struct{}

func (NopSignals) Progress(string, int, int) {}
func (NopSignals) Finished(*Result) {}
func (NopSignals) Error(string) {}
func (NopSignals) Warn(string, string) {}
func (NopSignals) CloseProgress() {}

// Dispatcher forwards signals to a target on its own goroutine through an
// unbounded FIFO queue, so emitters never block on the host.
type Dispatcher struct {
	target Signals
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func(Signals)
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher for target.
func NewDispatcher(target Signals) *Dispatcher {
	if target == nil {
		target = NopSignals{}
	}
	d := &Dispatcher{
		target: target,
		logger: slog.Default().With("component", "export.dispatcher"),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *Dispatcher) post(fn func(Signals)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(fn)
	}
}

func (d *Dispatcher) deliver(fn func(Signals)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("signal handler panicked", "panic", r)
		}
	}()
	fn(d.target)
}

// Close stops accepting signals and waits until the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) Progress(label string, current, total int) {
	d.post(func(s Signals) { s.Progress(label, current, total) })
}

func (d *Dispatcher) Finished(res *Result) { d.post(func(s Signals) { s.Finished(res) }) }

func (d *Dispatcher) Error(message string) { d.post(func(s Signals) { s.Error(message) }) }

func (d *Dispatcher) Warn(title, message string) {
	d.post(func(s Signals) { s.Warn(title, message) })
}

func (d *Dispatcher) CloseProgress() { d.post(func(s Signals) { s.CloseProgress() }) }

// EventKind tags an Event.
type EventKind string

const (
	EventProgress      EventKind = "progress"
	EventFinished      EventKind = "finished"
	EventError         EventKind = "error"
	EventWarn          EventKind = "warn"
	EventCloseProgress EventKind = "close_progress"
)

// Event is one signal as a value.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Event struct {
	Kind    EventKind
	Label   string
	Current int
	Total   int
	Title   string
	Message string
	Result  *Result
}

// EventChannel exposes signals as a channel. The channel is closed after
// CloseProgress, which is always the last signal of a run.
type EventChannel struct {
	ch   chan Event
	once sync.Once
}

// NewEventChannel creates an adapter with the given buffer size.
func NewEventChannel(buffer int) *EventChannel {
	return &EventChannel{ch: make(chan Event, buffer)}
}

// Events returns the receive side.
func (e *EventChannel) Events() <-chan Event { return e.ch }

func (e *EventChannel) Progress(label string, current, total int) {
	e.ch <- Event{Kind: EventProgress, Label: label, Current: current, Total: total}
}

func (e *EventChannel) Finished(res *Result) { e.ch <- Event{Kind: EventFinished, Result: res} }

func (e *EventChannel) Error(message string) { e.ch <- Event{Kind: EventError, Message: message} }

func (e *EventChannel) Warn(title, message string) {
	e.ch <- Event{Kind: EventWarn, Title: title, Message: message}
}

func (e *EventChannel) CloseProgress() {
	e.once.Do(func() {
		e.ch <- Event{Kind: EventCloseProgress}
		close(e.ch)
	})
}
