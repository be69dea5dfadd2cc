// Package export coordinates one export run: fetch the window's
// transactions, transform them into rows and report to the host through
// Signals.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/Mindburn-Labs/guru-export/pkg/fetcher"
	"github.com/Mindburn-Labs/guru-export/pkg/observability"
	"github.com/Mindburn-Labs/guru-export/pkg/period"
	"github.com/Mindburn-Labs/guru-export/pkg/transform"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ErrRunInProgress is returned by Start while the handle has a running export.
var ErrRunInProgress = errors.New("export: run already in progress")

// SummaryLimit is how many failed ids Summarize lists.
const SummaryLimit = 10

// WarnTitle titles the per-item error warning.
const WarnTitle = "Algumas transações não foram exportadas"

// State is the lifecycle state of a handle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateCancelled || s == StateFailed
}

// Handle is the run state shared between a worker and its host. At most one
// run is active per handle.
type Handle struct {
	running atomic.Bool
	state   atomic.Int32
	cancel  contracts.CancelFlag

	mu    sync.Mutex
	runID string
}

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// RunID returns the id of the current or last run.
func (h *Handle) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// Cancel requests cooperative cancellation of the running export. It
// reports whether a run was active.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running.Load() {
		return false
	}
	h.cancel.Request()
	return true
}

// begin claims the handle and clears the previous run's cancel request.
func (h *Handle) begin(runID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	h.cancel.Reset()
	h.runID = runID
	h.state.Store(int32(StateRunning))
	return nil
}

func (h *Handle) finish(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Store(int32(s))
	h.running.Store(false)
}

// Request describes one export.
type Request struct {
	Year        int
	Month       int
	Periodicity period.Periodicity
	Filter      fetcher.Filter
	RuleDigest  string // traced on the run span when set
}

// Validate checks the request without touching the network.
func (r Request) Validate() (period.Window, error) {
	w, err := period.Compute(r.Year, r.Month, r.Periodicity)
	if err != nil {
		return period.Window{}, err
	}
	if err := r.Filter.Validate(); err != nil {
		return period.Window{}, err
	}
	return w, nil
}

// Result is delivered by Finished for succeeded and cancelled runs.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Result struct {
	RunID       string
	State       State
	Window      period.Window
	Rows        []contracts.ExportRow
	Counters    *contracts.AggregateCounters
	Errors      []contracts.ItemError
	Fetched     int
	OutOfWindow int // fetched but ordered outside Window
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Run is a started export.
type Run struct {
	ID     string
	done   chan struct{}
	result *Result
	err    error
}

// Done is closed once the run ended and every signal was delivered.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ended. Failed runs return a nil result.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// Worker runs exports against a transaction source.
type Worker struct {
	source      fetcher.Source
	catalog     transform.Catalog
	matcher     transform.Matcher
	handle      *Handle
	obs         *observability.Provider
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithHandle shares a run-state handle with the host.
func WithHandle(h *Handle) Option {
	return func(w *Worker) {
		if h != nil {
			w.handle = h
		}
	}
}

// WithObservability traces runs with p.
func WithObservability(p *observability.Provider) Option {
	return func(w *Worker) {
		if p != nil {
			w.obs = p
		}
	}
}

// WithConcurrency bounds parallel fetch chunks.
func WithConcurrency(n int) Option { return func(w *Worker) { w.concurrency = n } }

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker creates a worker. matcher may be nil when no rules apply.
func NewWorker(source fetcher.Source, cat transform.Catalog, matcher transform.Matcher, opts ...Option) *Worker {
	w := &Worker{
		source:      source,
		catalog:     cat,
		matcher:     matcher,
		handle:      &Handle{},
		obs:         &observability.Provider{},
		concurrency: fetcher.DefaultConcurrency,
		logger:      slog.Default().With("component", "export"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle returns the worker's run-state handle.
func (w *Worker) Handle() *Handle { return w.handle }

// Start validates req and launches the run in the background. Validation
// errors and ErrRunInProgress are returned synchronously and leave the
// handle untouched.
func (w *Worker) Start(ctx context.Context, req Request, sig Signals) (*Run, error) {
	window, err := req.Validate()
	if err != nil {
		return nil, err
	}
	if w.source == nil || w.catalog == nil {
		return nil, errors.New("export: worker without source or catalog")
	}

	run := &Run{ID: uuid.NewString(), done: make(chan struct{})}
	if err := w.handle.begin(run.ID); err != nil {
		return nil, err
	}

	disp := NewDispatcher(sig)
	go w.execute(ctx, run, window, req, disp)
	return run, nil
}

func (w *Worker) execute(ctx context.Context, run *Run, window period.Window, req Request, disp *Dispatcher) {
	attrs := observability.RunOperation(run.ID, window.Label(), string(window.Periodicity), string(req.Filter.Mode), len(req.Filter.ProductIDs))
	if req.RuleDigest != "" {
		attrs = append(attrs, observability.AttrRuleDigest.String(req.RuleDigest))
	}
	ctx, done := w.obs.TrackOperation(ctx, "export.run", attrs...)
	logger := w.logger.With("run_id", run.ID, "window", window.Label())
	started := w.now()

	state := StateFailed
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "export run panicked", "panic", r)
			run.result = nil
			run.err = fmt.Errorf("export: panic: %v", r)
			disp.Error(fmt.Sprintf("Erro inesperado na exportação: %v", r))
			state = StateFailed
		}
		observability.SetSpanAttributes(ctx, observability.AttrRunState.String(state.String()))
		done(run.err)
		w.handle.finish(state)
		disp.CloseProgress()
		disp.Close()
		close(run.done)
	}()

	logger.InfoContext(ctx, "export started", "mode", req.Filter.Mode, "products", len(req.Filter.ProductIDs))

	f := fetcher.New(w.source, fetcher.WithConcurrency(w.concurrency), fetcher.WithLogger(logger))
	fetched, err := f.FetchAll(ctx, window, req.Filter, disp, &w.handle.cancel)
	if err != nil {
		logger.ErrorContext(ctx, "export failed", "error", err)
		run.err = err
		disp.Error(fmt.Sprintf("Falha ao buscar transações: %v", err))
		return
	}
	observability.AddSpanEvent(ctx, "fetch.done",
		attribute.Int("transactions", len(fetched.Transactions)),
		attribute.Int("errors", len(fetched.Errors)),
	)

	res := &Result{
		RunID:     run.ID,
		Window:    window,
		Counters:  contracts.NewAggregateCounters(),
		Errors:    append([]contracts.ItemError(nil), fetched.Errors...),
		Fetched:   len(fetched.Transactions),
		StartedAt: started,
	}

	cancelled := fetched.Cancelled
	if !cancelled {
		tr := transform.New(w.catalog, w.matcher, transform.WithWindow(window), transform.WithLogger(logger))
		out := tr.Transform(fetched.Transactions, disp, &w.handle.cancel)
		res.Rows = out.Rows
		res.Counters = out.Counters
		res.Errors = append(res.Errors, out.Errors...)
		res.OutOfWindow = out.OutOfWindow
		cancelled = out.Cancelled
	}

	state = StateSucceeded
	if cancelled {
		state = StateCancelled
	} else {
		disp.Progress(transform.ProgressLabel, res.Fetched, res.Fetched)
	}
	res.State = state
	res.FinishedAt = w.now()
	run.result = res

	w.obs.RecordRun(ctx, len(res.Rows), len(res.Errors), attrs...)
	logger.InfoContext(ctx, "export finished",
		"state", state,
		"transactions", res.Fetched,
		"rows", len(res.Rows),
		"errors", len(res.Errors),
		"duration", res.FinishedAt.Sub(started),
	)

	if len(res.Errors) > 0 {
		disp.Warn(WarnTitle, Summarize(res.Errors))
	}
	disp.Finished(res)
}

// Summarize lists the first SummaryLimit failed ids and the remainder count.
func Summarize(errs []contracts.ItemError) string {
	if len(errs) == 0 {
		return ""
	}
	n := len(errs)
	shown := errs
	if n > SummaryLimit {
		shown = errs[:SummaryLimit]
	}
	ids := make([]string, len(shown))
	for i, e := range shown {
		ids[i] = e.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d com erro: %s", n, strings.Join(ids, ", "))
	if rest := n - len(shown); rest > 0 {
		fmt.Fprintf(&b, " +%d", rest)
	}
	return b.String()
}
