package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/artifacts"
	"github.com/Mindburn-Labs/guru-export/pkg/catalog"
	"github.com/Mindburn-Labs/guru-export/pkg/config"
	"github.com/Mindburn-Labs/guru-export/pkg/export"
	"github.com/Mindburn-Labs/guru-export/pkg/fetcher"
	"github.com/Mindburn-Labs/guru-export/pkg/guru"
	"github.com/Mindburn-Labs/guru-export/pkg/observability"
	"github.com/Mindburn-Labs/guru-export/pkg/period"
	"github.com/Mindburn-Labs/guru-export/pkg/rules"
	"github.com/Mindburn-Labs/guru-export/pkg/spreadsheet"
	"github.com/Mindburn-Labs/guru-export/pkg/store"
	"github.com/Mindburn-Labs/guru-export/pkg/util/resiliency"
	"github.com/redis/go-redis/v9"
)

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeCSV  = "text/csv"
)

// exportOptions are the parsed flags of the export command.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type exportOptions struct {
	year        int
	month       int
	periodicity string
	mode        string
	products    string
	format      string
	windows1252 bool
	output      string
	profile     string
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	now := time.Now()
	var opts exportOptions
	cmd.IntVar(&opts.year, "year", now.Year(), "Year of the export window")
	cmd.IntVar(&opts.month, "month", int(now.Month()), "Month of the export window (1-12)")
	cmd.StringVar(&opts.periodicity, "periodicity", "", "mensal or bimestral (default mensal)")
	cmd.StringVar(&opts.mode, "mode", "", "todos or produtos (default todos)")
	cmd.StringVar(&opts.products, "products", "", "Comma separated Guru product ids for --mode produtos")
	cmd.StringVar(&opts.format, "format", "", "xlsx or csv (default xlsx)")
	cmd.BoolVar(&opts.windows1252, "windows1252", false, "Encode CSV output as Windows-1252")
	cmd.StringVar(&opts.output, "out", "", "Artifact name (default guru-<period>.<format>)")
	cmd.StringVar(&opts.profile, "profile", "", "YAML export profile")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if opts.profile != "" {
		p, err := config.LoadProfile(opts.profile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		p.Apply(cfg)
		opts.overlay(p)
	}
	logger := setupLogger(cfg, stderr)

	req, err := opts.request()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if _, err := req.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := guru.CheckToken(cfg.GuruAPIToken, now); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (set GURU_API_TOKEN)\n", err)
		return 1
	}

	ctx := context.Background()
	e := &exporter{cfg: cfg, opts: opts, logger: logger, stdout: stdout, stderr: stderr}
	if err := e.run(ctx, req); err != nil {
		if errors.Is(err, errCancelled) {
			_, _ = fmt.Fprintln(stderr, "Exportação cancelada.")
			return 130
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// overlay fills options left unset on the command line from a profile.
func (o *exportOptions) overlay(p *config.ExportProfile) {
	if o.periodicity == "" {
		o.periodicity = p.Periodicity
	}
	if o.mode == "" {
		o.mode = p.Mode
	}
	if o.products == "" && len(p.ProductIDs) > 0 {
		o.products = strings.Join(p.ProductIDs, ",")
	}
	if o.format == "" {
		o.format = p.Format
	}
	if p.Windows1252 {
		o.windows1252 = true
	}
	if o.output == "" {
		o.output = p.OutputName
	}
}

func (o *exportOptions) request() (export.Request, error) {
	if o.periodicity == "" {
		o.periodicity = string(period.Monthly)
	}
	p, err := period.ParsePeriodicity(o.periodicity)
	if err != nil {
		return export.Request{}, err
	}
	mode, err := fetcher.ParseMode(o.mode)
	if err != nil {
		return export.Request{}, err
	}
	switch o.format = strings.ToLower(o.format); o.format {
	case "":
		o.format = "xlsx"
	case "xlsx", "csv":
	default:
		return export.Request{}, fmt.Errorf("unknown format %q", o.format)
	}

	var ids []string
	if o.products != "" {
		ids = strings.Split(o.products, ",")
	}
	return export.Request{
		Year:        o.year,
		Month:       o.month,
		Periodicity: p,
		Filter:      fetcher.Filter{Mode: mode, ProductIDs: ids},
	}, nil
}

var errCancelled = errors.New("export cancelled")

// exporter runs one export command end to end.
type exporter struct {
	cfg    *config.Config
	opts   exportOptions
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func (e *exporter) run(ctx context.Context, req export.Request) error {
	cat, err := catalog.LoadFile(e.cfg.CatalogPath)
	if err != nil {
		return err
	}
	rs, err := loadRules(e.cfg.RulesPath, e.logger)
	if err != nil {
		return err
	}
	engine, err := rules.NewEngine(rs, rules.WithLogger(e.logger))
	if err != nil {
		return err
	}
	digest, err := rules.Digest(rs)
	if err != nil {
		return err
	}

	client, closeClient := newGuruClient(e.cfg, e.logger)
	defer closeClient()

	obs, err := newObservability(ctx, e.cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()

	worker := export.NewWorker(client, cat, engine,
		export.WithConcurrency(e.cfg.Concurrency),
		export.WithObservability(obs),
		export.WithLogger(e.logger),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if worker.Handle().Cancel() {
				e.logger.Info("cancel requested", "run_id", worker.Handle().RunID())
			}
		}
	}()

	req.RuleDigest = digest
	events := export.NewEventChannel(64)
	run, err := worker.Start(ctx, req, events)
	if err != nil {
		return err
	}
	failure := e.consume(events)

	res, err := run.Wait()
	if err != nil {
		if failure != "" {
			return errors.New(failure)
		}
		return err
	}
	if res.State == export.StateCancelled {
		return errCancelled
	}

	ref, err := e.publish(ctx, res)
	if err != nil {
		return err
	}
	if err := e.record(ctx, res, req, digest, ref); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(e.stdout, "%s: %d linhas, %d transações, %d com erro\n",
		ref.Location, len(res.Rows), res.Fetched, len(res.Errors))
	return nil
}

// consume prints signals until the run closes its progress. It returns the
// message of an Error signal, if any.
func (e *exporter) consume(events *export.EventChannel) string {
	var failure string
	for ev := range events.Events() {
		switch ev.Kind {
		case export.EventProgress:
			if ev.Total == 0 {
				_, _ = fmt.Fprintf(e.stderr, "\r%s...", ev.Label)
			} else {
				_, _ = fmt.Fprintf(e.stderr, "\r%s %d/%d", ev.Label, ev.Current, ev.Total)
			}
		case export.EventWarn:
			_, _ = fmt.Fprintf(e.stderr, "\n%s: %s\n", ev.Title, ev.Message)
		case export.EventError:
			failure = ev.Message
		case export.EventCloseProgress:
			_, _ = fmt.Fprintln(e.stderr)
		}
	}
	return failure
}

// publish renders the result and stores it as an artifact.
func (e *exporter) publish(ctx context.Context, res *export.Result) (artifacts.Ref, error) {
	var buf bytes.Buffer
	contentType := contentTypeXLSX
	if e.opts.format == "csv" {
		contentType = contentTypeCSV
		if err := spreadsheet.WriteCSV(&buf, res.Rows, spreadsheet.CSVOptions{Windows1252: e.opts.windows1252}); err != nil {
			return artifacts.Ref{}, err
		}
	} else if err := spreadsheet.WriteXLSX(&buf, res.Rows, res.Counters); err != nil {
		return artifacts.Ref{}, err
	}

	st, err := artifacts.New(ctx, artifacts.Config{
		Backend:     artifacts.Backend(e.cfg.ArtifactBackend),
		Dir:         e.cfg.OutputDir,
		S3Bucket:    e.cfg.S3Bucket,
		S3Region:    e.cfg.S3Region,
		S3Endpoint:  e.cfg.S3Endpoint,
		S3AccessKey: e.cfg.S3AccessKey,
		S3SecretKey: e.cfg.S3SecretKey,
		GCSBucket:   e.cfg.GCSBucket,
	})
	if err != nil {
		return artifacts.Ref{}, err
	}

	name := e.opts.output
	if name == "" {
		name = fmt.Sprintf("guru-%s.%s", res.Window.Label(), e.opts.format)
	}
	ref, err := st.Put(ctx, name, buf.Bytes(), contentType)
	if err != nil {
		return artifacts.Ref{}, fmt.Errorf("store artifact: %w", err)
	}
	e.logger.InfoContext(ctx, "artifact stored", "location", ref.Location, "digest", ref.Digest, "size", ref.Size)
	return ref, nil
}

// record persists the run when DATABASE_URL is set.
func (e *exporter) record(ctx context.Context, res *export.Result, req export.Request, digest string, ref artifacts.Ref) error {
	driver, dsn := e.cfg.Database()
	var rs interface {
		store.RowStore
		Close() error
	}
	switch driver {
	case "":
		return nil
	case "postgres":
		pg, err := store.OpenPostgres(dsn)
		if err != nil {
			return err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return err
		}
		rs = pg
	default:
		lite, err := store.OpenSQLite(dsn)
		if err != nil {
			return err
		}
		rs = lite
	}
	defer rs.Close()

	rec := store.RunRecord{
		ID:           res.RunID,
		Period:       res.Window.Label(),
		Periodicity:  string(req.Periodicity),
		Mode:         string(req.Filter.Mode),
		State:        res.State.String(),
		Transactions: res.Fetched,
		Rows:         len(res.Rows),
		Errors:       len(res.Errors),
		RuleDigest:   digest,
		Artifact:     ref.Location,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}
	if err := rs.SaveRun(ctx, rec, res.Rows, res.Errors); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	e.logger.InfoContext(ctx, "run recorded", "run_id", rec.ID, "driver", driver)
	return nil
}

// loadRules reads the rule file. A missing file means no rules.
func loadRules(path string, logger *slog.Logger) (*rules.Ruleset, error) {
	rs, err := rules.LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("rule file not found, exporting without rules", "path", path)
		return rules.NewRuleset(), nil
	}
	return rs, err
}

// newGuruClient builds the upstream client with retries and pacing. The
// returned func releases the Redis connection, if any.
func newGuruClient(cfg *config.Config, logger *slog.Logger) (*guru.Client, func()) {
	doer := resiliency.NewClient(resiliency.Options{MaxAttempts: cfg.MaxAttempts, Logger: logger})
	opts := []guru.Option{guru.WithDoer(doer), guru.WithLogger(logger)}
	closer := func() {}

	switch {
	case cfg.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts = append(opts, guru.WithLimiter(guru.NewRedisLimiter(rdb, "guru-api", cfg.RateLimit, cfg.RateBurst)))
		closer = func() { _ = rdb.Close() }
	case cfg.RateLimit > 0:
		opts = append(opts, guru.WithLimiter(guru.NewLocalLimiter(cfg.RateLimit, cfg.RateBurst)))
	}
	return guru.NewClient(cfg.GuruAPIURL, cfg.GuruAPIToken, opts...), closer
}

func newObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	if !cfg.OTelEnabled {
		return &observability.Provider{}, nil
	}
	oc := observability.DefaultConfig()
	oc.Enabled = true
	oc.ServiceVersion = version
	oc.OTLPEndpoint = cfg.OTelEndpoint
	return observability.New(ctx, oc)
}
