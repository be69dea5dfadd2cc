package export

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/catalog"
	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/Mindburn-Labs/guru-export/pkg/fetcher"
	"github.com/Mindburn-Labs/guru-export/pkg/finance"
	"github.com/Mindburn-Labs/guru-export/pkg/guru"
	"github.com/Mindburn-Labs/guru-export/pkg/observability"
	"github.com/Mindburn-Labs/guru-export/pkg/period"
	"github.com/Mindburn-Labs/guru-export/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// stubSource returns a single page of transactions. hook, when set, runs
// before the page is returned.
type stubSource struct {
	txs  []contracts.Transaction
	err  error
	hook func(ctx context.Context)
}

func (s *stubSource) ListTransactions(ctx context.Context, _ guru.TransactionQuery) (*guru.TransactionPage, error) {
	if s.hook != nil {
		s.hook(ctx)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &guru.TransactionPage{Transactions: s.txs, Total: len(s.txs), TotalKnown: true}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Progress(label string, current, total int) {
	r.add(Event{Kind: EventProgress, Label: label, Current: current, Total: total})
}
func (r *recorder) Finished(res *Result) { r.add(Event{Kind: EventFinished, Result: res}) }
func (r *recorder) Error(message string) { r.add(Event{Kind: EventError, Message: message}) }
func (r *recorder) Warn(title, message string) { r.add(Event{Kind: EventWarn, Title: title, Message: message}) }
func (r *recorder) CloseProgress() { r.add(Event{Kind: EventCloseProgress}) }

func (r *recorder) kinds(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(catalog.Item{Name: "Box Clássica", GuruIDs: []string{"p-box"}, Kind: catalog.KindSubscription})
	require.NoError(t, err)
	return c
}

func boxTxs(ids ...string) []contracts.Transaction {
	out := make([]contracts.Transaction, len(ids))
	for i, id := range ids {
		out[i] = contracts.Transaction{ID: id, ProductID: "p-box", Amount: finance.BRL(9990), Plan: contracts.PlanMonthly}
	}
	return out
}

func march() Request {
	return Request{Year: 2024, Month: 3, Periodicity: period.Monthly, Filter: fetcher.Filter{Mode: fetcher.ModeAll}}
}

func TestStart_Succeeds(t *testing.T) {
	w := NewWorker(&stubSource{txs: boxTxs("t1", "t2", "t3")}, testCatalog(t), nil)
	rec := &recorder{}

	run, err := w.Start(context.Background(), march(), rec)
	require.NoError(t, err)
	res, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, StateSucceeded, w.Handle().State())
	assert.Equal(t, run.ID, res.RunID)
	assert.Equal(t, run.ID, w.Handle().RunID())
	assert.Len(t, res.Rows, 3)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 3, res.Counters.Bucket(contracts.PlanMonthly).Subscriptions)
	assert.Empty(t, rec.kinds(EventWarn))

	finished := rec.kinds(EventFinished)
	require.Len(t, finished, 1)
	assert.Same(t, res, finished[0].Result)

	progress := rec.kinds(EventProgress)
	require.NotEmpty(t, progress)
	final := progress[len(progress)-1]
	assert.Equal(t, 3, final.Current)
	assert.Equal(t, 3, final.Total)

	assert.Len(t, rec.kinds(EventCloseProgress), 1)
	assert.Equal(t, EventCloseProgress, rec.last().Kind)
}

func TestStart_InvalidRequestIsSynchronous(t *testing.T) {
	src := &stubSource{hook: func(context.Context) { t.Error("source must not be called") }}
	w := NewWorker(src, testCatalog(t), nil)
	rec := &recorder{}

	req := march()
	req.Month = 13
	_, err := w.Start(context.Background(), req, rec)
	assert.ErrorIs(t, err, period.ErrInvalidPeriod)

	req = march()
	req.Filter = fetcher.Filter{Mode: fetcher.ModeProducts}
	_, err = w.Start(context.Background(), req, rec)
	assert.ErrorIs(t, err, fetcher.ErrInvalidFilter)

	assert.Equal(t, StateIdle, w.Handle().State())
	assert.Empty(t, rec.events)
}

func TestStart_SecondStartIsRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	src := &stubSource{txs: boxTxs("t1"), hook: func(context.Context) {
		close(entered)
		<-release
	}}
	w := NewWorker(src, testCatalog(t), nil)

	run, err := w.Start(context.Background(), march(), nil)
	require.NoError(t, err)
	<-entered

	_, err = w.Start(context.Background(), march(), nil)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, StateRunning, w.Handle().State())
	assert.Equal(t, run.ID, w.Handle().RunID())

	close(release)
	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
}

func TestStart_CancelDeliversPartialResult(t *testing.T) {
	h := &Handle{}
	src := &stubSource{txs: boxTxs("t1", "t2"), hook: func(context.Context) { h.Cancel() }}
	w := NewWorker(src, testCatalog(t), nil, WithHandle(h))
	rec := &recorder{}

	run, err := w.Start(context.Background(), march(), rec)
	require.NoError(t, err)
	res, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, StateCancelled, h.State())
	assert.Equal(t, 2, res.Fetched)
	require.Len(t, rec.kinds(EventFinished), 1)
	assert.Len(t, rec.kinds(EventCloseProgress), 1)
	assert.False(t, h.Cancel(), "no run is active any more")
}

func TestStart_MalformedPayloadFails(t *testing.T) {
	src := &stubSource{err: fmt.Errorf("decode: %w", guru.ErrMalformedPayload)}
	w := NewWorker(src, testCatalog(t), nil)
	rec := &recorder{}

	run, err := w.Start(context.Background(), march(), rec)
	require.NoError(t, err)
	res, err := run.Wait()
	assert.Nil(t, res)
	assert.ErrorIs(t, err, guru.ErrMalformedPayload)

	assert.Equal(t, StateFailed, w.Handle().State())
	assert.Empty(t, rec.kinds(EventFinished))
	require.Len(t, rec.kinds(EventError), 1)
	assert.Len(t, rec.kinds(EventCloseProgress), 1)
	assert.Equal(t, EventCloseProgress, rec.last().Kind)

	// The handle is reusable after a terminal state.
	w.source = &stubSource{txs: boxTxs("t1")}
	run, err = w.Start(context.Background(), march(), nil)
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)
}

func TestStart_ItemErrorsAreSummarized(t *testing.T) {
	txs := boxTxs("t1", "t2")
	txs[1].ProductID = "p-unknown"
	w := NewWorker(&stubSource{txs: txs}, testCatalog(t), nil)
	rec := &recorder{}

	run, err := w.Start(context.Background(), march(), rec)
	require.NoError(t, err)
	res, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, res.State)
	assert.Len(t, res.Rows, 1)
	require.Len(t, res.Errors, 1)
	warns := rec.kinds(EventWarn)
	require.Len(t, warns, 1)
	assert.Equal(t, WarnTitle, warns[0].Title)
	assert.Contains(t, warns[0].Message, "t2")
}

func TestStart_AppliesRules(t *testing.T) {
	e, err := rules.NewEngine(rules.NewRuleset(rules.Rule{
		AppliesTo: rules.TargetCoupon,
		Coupon:    "GIFT",
		Action:    rules.AddGifts(rules.Gift{Name: "Caneca", Quantity: 1}),
	}))
	require.NoError(t, err)
	txs := boxTxs("t1")
	txs[0].CouponCode = "gift"

	run, err := NewWorker(&stubSource{txs: txs}, testCatalog(t), e).Start(context.Background(), march(), nil)
	require.NoError(t, err)
	res, err := run.Wait()
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.True(t, res.Rows[1].IsExtra())
	assert.Equal(t, 3, res.Rows[0].Period)
}

func TestHandle_CancelLifecycle(t *testing.T) {
	h := &Handle{}
	assert.False(t, h.Cancel(), "idle handle")
	assert.False(t, h.cancel.Cancelled())

	require.NoError(t, h.begin("r1"))
	assert.True(t, h.Cancel())
	assert.True(t, h.cancel.Cancelled())

	assert.ErrorIs(t, h.begin("r2"), ErrRunInProgress)
	assert.True(t, h.cancel.Cancelled(), "rejected start keeps the running cancel")
	assert.Equal(t, "r1", h.RunID())

	h.finish(StateCancelled)
	assert.False(t, h.Cancel())
	require.NoError(t, h.begin("r3"))
	assert.False(t, h.cancel.Cancelled(), "new run starts clean")
}

func TestHandle_CancelDuringBeginIsKept(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := &Handle{}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for !h.Cancel() {
				runtime.Gosched()
			}
		}()
		require.NoError(t, h.begin(fmt.Sprintf("r%d", i)))
		<-done
		require.True(t, h.cancel.Cancelled(), "accepted cancel was lost")
	}
}

func TestStart_DropsTransactionsOutsideWindow(t *testing.T) {
	txs := boxTxs("t1", "t2")
	txs[1].OrderedAt = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

	run, err := NewWorker(&stubSource{txs: txs}, testCatalog(t), nil).Start(context.Background(), march(), nil)
	require.NoError(t, err)
	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.OutOfWindow)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "t1", res.Rows[0].SourceTransactionID)
}

type panickySignals struct{ recorder }

func (p *panickySignals) Progress(string, int, int) { panic("host bug") }

func TestStart_TracesRuleDigest(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	obs, err := observability.NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)),
		sdkmetric.NewMeterProvider(),
	)
	require.NoError(t, err)
	w := NewWorker(&stubSource{txs: boxTxs("t1")}, testCatalog(t), nil, WithObservability(obs))

	req := march()
	req.RuleDigest = "sha256:feed"
	run, err := w.Start(context.Background(), req, nil)
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	attrs := attribute.NewSet(spans[0].Attributes()...)
	v, ok := attrs.Value(observability.AttrRuleDigest)
	require.True(t, ok)
	assert.Equal(t, "sha256:feed", v.AsString())
	v, ok = attrs.Value(observability.AttrRunID)
	require.True(t, ok)
	assert.Equal(t, run.ID, v.AsString())
}

func TestDispatcher_SurvivesHandlerPanics(t *testing.T) {
	sig := &panickySignals{}
	d := NewDispatcher(sig)
	d.Progress("x", 1, 2)
	d.Warn("t", "m")
	d.CloseProgress()
	d.Close()

	assert.Len(t, sig.kinds(EventWarn), 1)
	assert.Len(t, sig.kinds(EventCloseProgress), 1)

	d.Error("after close is dropped")
	assert.Empty(t, sig.kinds(EventError))
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)
	for i := 0; i < 100; i++ {
		d.Progress("p", i, 100)
	}
	d.Close()

	require.Len(t, rec.events, 100)
	for i, e := range rec.events {
		assert.Equal(t, i, e.Current)
	}
}

func TestEventChannel(t *testing.T) {
	ch := NewEventChannel(16)
	w := NewWorker(&stubSource{txs: boxTxs("t1")}, testCatalog(t), nil)

	run, err := w.Start(context.Background(), march(), ch)
	require.NoError(t, err)

	var kinds []EventKind
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				done = true
				break
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatal("event channel was not closed")
		}
	}
	_, err = run.Wait()
	require.NoError(t, err)

	require.NotEmpty(t, kinds)
	assert.Contains(t, kinds, EventFinished)
	assert.Equal(t, EventCloseProgress, kinds[len(kinds)-1])
}

func TestSummarize(t *testing.T) {
	assert.Empty(t, Summarize(nil))

	var errs []contracts.ItemError
	for i := 1; i <= 13; i++ {
		errs = append(errs, contracts.ItemError{ID: fmt.Sprintf("t%d", i), Message: "x"})
	}
	assert.Equal(t, "3 com erro: t1, t2, t3", Summarize(errs[:3]))

	s := Summarize(errs)
	assert.Equal(t, "13 com erro: t1, t2, t3, t4, t5, t6, t7, t8, t9, t10 +3", s)
	assert.NotContains(t, s, "t11")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRunning.Terminal())
}
