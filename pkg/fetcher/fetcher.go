// Package fetcher collects every upstream transaction of an export window,
// fanning out per product over a bounded worker pool.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/Mindburn-Labs/guru-export/pkg/guru"
	"github.com/Mindburn-Labs/guru-export/pkg/period"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidFilter is returned before any network call for a bad filter.
var ErrInvalidFilter = errors.New("fetcher: invalid filter")

// DefaultConcurrency bounds parallel chunk fetches.
const DefaultConcurrency = 4

// Mode selects which transactions are fetched.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeProducts Mode = "products"
)

// ParseMode accepts the English and Portuguese mode names.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "todos", "":
		return ModeAll, nil
	case "products", "produtos":
		return ModeProducts, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidFilter, s)
	}
}

// Filter restricts a fetch to a set of upstream product ids.
type Filter struct {
	Mode       Mode
	ProductIDs []string
}

// Validate rejects unknown modes and empty product filters.
func (f Filter) Validate() error {
	switch f.Mode {
	case ModeAll:
		return nil
	case ModeProducts:
		if len(f.ids()) == 0 {
			return fmt.Errorf("%w: no product ids", ErrInvalidFilter)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidFilter, f.Mode)
	}
}

func (f Filter) ids() []string {
	seen := make(map[string]bool, len(f.ProductIDs))
	var out []string
	for _, id := range f.ProductIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Source lists one page of transactions.
type Source interface {
	ListTransactions(ctx context.Context, q guru.TransactionQuery) (*guru.TransactionPage, error)
}

// Result is what a fetch collected. Cancelled marks a partial result.
type Result struct {
	Transactions []contracts.Transaction
	Errors       []contracts.ItemError
	Cancelled    bool
}

// Fetcher runs chunked, paginated fetches.
type Fetcher struct {
	source      Source
	concurrency int
	logger      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConcurrency bounds parallel chunks. Values below one mean one.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n < 1 {
			n = 1
		}
		f.concurrency = n
	}
}

// WithLogger sets the fetcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a Fetcher reading from source.
func New(source Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:      source,
		concurrency: DefaultConcurrency,
		logger:      slog.Default().With("component", "fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type chunk struct {
	id        string // ItemError id
	productID string
}

type chunkResult struct {
	txs []contracts.Transaction
	err *contracts.ItemError
}

// FetchAll collects every transaction of window matching filter. Chunk
// failures are recorded in Result.Errors; only a malformed payload or the
// end of ctx aborts the fetch. Cancellation returns the partial set with
// Result.Cancelled set and a nil error.
func (f *Fetcher) FetchAll(ctx context.Context, window period.Window, filter Filter, sink contracts.ProgressSink, cancel contracts.Canceller) (*Result, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = contracts.DiscardProgress
	}
	if cancel == nil {
		cancel = contracts.NeverCancel
	}

	var chunks []chunk
	if filter.Mode == ModeProducts {
		for _, id := range filter.ids() {
			chunks = append(chunks, chunk{id: "produto:" + id, productID: id})
		}
	} else {
		chunks = []chunk{{id: "todos"}}
	}

	progress := newTracker(sink, "Buscando transações "+window.Label(), len(chunks))
	results := make([]chunkResult, len(chunks))
	var cancelled atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, c := range chunks {
		if cancelled.Load() || cancel.Cancelled() {
			cancelled.Store(true)
			break
		}
		g.Go(func() error {
			txs, stopped, err := f.fetchChunk(gctx, window, c, i, progress, cancel)
			results[i].txs = txs
			if stopped {
				cancelled.Store(true)
			}
			if err == nil {
				return nil
			}
			if errors.Is(err, guru.ErrMalformedPayload) || ctx.Err() != nil {
				return err
			}
			f.logger.WarnContext(ctx, "fetch chunk failed", "chunk", c.id, "error", err)
			results[i].err = &contracts.ItemError{ID: c.id, Message: err.Error()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", window.Label(), err)
	}

	res := &Result{Cancelled: cancelled.Load()}
	seen := make(map[string]bool)
	for _, r := range results {
		for _, tx := range r.txs {
			if seen[tx.ID] {
				continue
			}
			seen[tx.ID] = true
			res.Transactions = append(res.Transactions, tx)
		}
		if r.err != nil {
			res.Errors = append(res.Errors, *r.err)
		}
	}
	f.logger.InfoContext(ctx, "fetch finished",
		"window", window.Label(),
		"chunks", len(chunks),
		"transactions", len(res.Transactions),
		"errors", len(res.Errors),
		"cancelled", res.Cancelled,
	)
	return res, nil
}

// fetchChunk pages through one chunk. stopped reports an observed cancel.
func (f *Fetcher) fetchChunk(ctx context.Context, window period.Window, c chunk, idx int, progress *tracker, cancel contracts.Canceller) ([]contracts.Transaction, bool, error) {
	if cancel.Cancelled() {
		return nil, true, nil
	}
	progress.start(idx)

	var out []contracts.Transaction
	q := guru.TransactionQuery{Start: window.Start, End: window.End, ProductID: c.productID}
	for page := 1; ; page++ {
		p, err := f.source.ListTransactions(ctx, q)
		if err != nil {
			return out, false, fmt.Errorf("page %d: %w", page, err)
		}
		out = append(out, p.Transactions...)
		progress.update(idx, len(out), p.Total, p.TotalKnown)

		if cancel.Cancelled() {
			return out, true, nil
		}
		if !p.HasMore {
			return out, false, nil
		}
		if p.NextCursor == "" || p.NextCursor == q.Cursor {
			return out, false, fmt.Errorf("page %d: pagination cursor did not advance", page)
		}
		q.Cursor = p.NextCursor
	}
}

// tracker aggregates per-chunk progress into single (label, current, total)
// updates. Updates are serialized so sinks need not be goroutine safe.
type tracker struct {
	mu         sync.Mutex
	sink       contracts.ProgressSink
	label      string
	started    []bool
	collected  []int
	totals     []int
	totalKnown []bool
}

func newTracker(sink contracts.ProgressSink, label string, n int) *tracker {
	return &tracker{
		sink:       sink,
		label:      label,
		started:    make([]bool, n),
		collected:  make([]int, n),
		totals:     make([]int, n),
		totalKnown: make([]bool, n),
	}
}

func (t *tracker) start(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[i] = true
	t.emit()
}

func (t *tracker) update(i, collected, total int, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collected[i] = collected
	t.totals[i] = total
	t.totalKnown[i] = known
	t.emit()
}

// emit reports (label, 0, 0) while any started chunk has no known total.
func (t *tracker) emit() {
	current, total := 0, 0
	for i := range t.started {
		if !t.started[i] {
			continue
		}
		if !t.totalKnown[i] {
			t.sink.Progress(t.label, 0, 0)
			return
		}
		current += t.collected[i]
		total += t.totals[i]
	}
	if current > total {
		total = current
	}
	t.sink.Progress(t.label, current, total)
}
