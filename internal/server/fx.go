// Package server provides the composition root: it builds every backend from
// configuration and runs the scan, serve and MCP surfaces over them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pricescan/internal/api"
	"github.com/JakeFAU/pricescan/internal/clock/system"
	"github.com/JakeFAU/pricescan/internal/config"
	"github.com/JakeFAU/pricescan/internal/dispatcher"
	"github.com/JakeFAU/pricescan/internal/excerpt"
	"github.com/JakeFAU/pricescan/internal/extract"
	"github.com/JakeFAU/pricescan/internal/fetcher/scrapingbee"
	"github.com/JakeFAU/pricescan/internal/gsheet"
	"github.com/JakeFAU/pricescan/internal/hash/sha256"
	"github.com/JakeFAU/pricescan/internal/headless/detector"
	"github.com/JakeFAU/pricescan/internal/id/uuid"
	openaiclient "github.com/JakeFAU/pricescan/internal/llm/openai"
	"github.com/JakeFAU/pricescan/internal/logging"
	"github.com/JakeFAU/pricescan/internal/mcpserver"
	"github.com/JakeFAU/pricescan/internal/metrics"
	"github.com/JakeFAU/pricescan/internal/notify/email"
	"github.com/JakeFAU/pricescan/internal/pipeline"
	"github.com/JakeFAU/pricescan/internal/policy/ratelimit"
	"github.com/JakeFAU/pricescan/internal/progress"
	progresssinks "github.com/JakeFAU/pricescan/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/pricescan/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pricescan/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/pricescan/internal/queue/memory"
	"github.com/JakeFAU/pricescan/internal/runner"
	"github.com/JakeFAU/pricescan/internal/scan"
	"github.com/JakeFAU/pricescan/internal/schedule"
	gcsstorage "github.com/JakeFAU/pricescan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pricescan/internal/storage/local"
	memoryStorage "github.com/JakeFAU/pricescan/internal/storage/memory"
	pgstore "github.com/JakeFAU/pricescan/internal/storage/postgres"
	"github.com/JakeFAU/pricescan/internal/telemetry"
	"github.com/JakeFAU/pricescan/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registerer prometheus.Registerer
	blobs      scan.BlobStore
	db         *pgstore.DB
	pubsub     *gcppublisher.Publisher
	publisher  scan.Publisher
	hub        *progress.Hub
	chain      *extract.Chain
	pipeline   *pipeline.Pipeline
	runner     *runner.Runner
	ids        scan.IDGenerator
	clock      scan.Clock

	jobs      *memoryStorage.JobStore
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	scheduler *schedule.Scheduler

	tracerShutdown telemetry.ShutdownFunc
	closeOnce      sync.Once
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger Build would create.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{
		cfg:        cfg,
		registerer: prometheus.DefaultRegisterer,
		ids:        uuid.New(),
		clock:      system.New(),
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.Auto(cfg.App.Mode, cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
		zap.ReplaceGlobals(logger)
	}

	shutdown, err := telemetry.InitTracing(ctx, telemetry.Config{
		ServiceName: cfg.App.ServiceName,
		Version:     cfg.App.Version,
		ProjectID:   cfg.App.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = shutdown
	metrics.Init()

	app.logger.Info("building application dependencies",
		zap.String("mode", cfg.App.Mode),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("llm_enabled", cfg.LLMEnabled()),
	)

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if a.blobs, err = a.setupStorage(ctx); err != nil {
		return err
	}
	if err = a.setupDatabase(ctx); err != nil {
		return err
	}
	if a.publisher, err = a.setupPublisher(ctx); err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}
	if err = a.setupPipeline(emitter); err != nil {
		return err
	}
	if err = a.setupRunner(ctx); err != nil {
		return err
	}
	return a.setupServe()
}

func (a *App) setupStorage(ctx context.Context) (scan.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, skipping run and record persistence")
		return nil
	}
	db, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		RecordsTable:    a.cfg.Database.RecordsTable,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.db = db
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema failed: %w", err)
	}
	a.logger.Info("postgres store initialized", zap.String("records_table", a.cfg.Database.RecordsTable))
	return nil
}

// localSummaryTopic names the in-memory topic used without Pub/Sub.
const localSummaryTopic = "scan-summaries"

func (a *App) summaryTopic() string {
	if a.pubsub == nil {
		return localSummaryTopic
	}
	return a.cfg.PubSub.Topic
}

func (a *App) setupPublisher(ctx context.Context) (scan.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.db != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.db, a.logger.Named("progress_store")))
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait(),
		SinkTimeout:    a.cfg.Progress.SinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.hub, nil
}

func (a *App) setupPipeline(emitter progress.Emitter) error {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS: a.cfg.Fetch.PerHostRPS,
		PerKeyRPS:  map[string]float64{"llm": a.cfg.LLM.RequestsPerSecond},
	})
	fetcher := scrapingbee.New(scrapingbee.Config{
		APIKey:    a.cfg.ScrapingBee.APIKey,
		Endpoint:  a.cfg.ScrapingBee.Endpoint,
		DebugHTTP: a.cfg.Fetch.DebugHTTP,
	}, a.logger.Named("fetcher"), scrapingbee.WithLimiter(limiter))

	chainCfg := extract.Config{Strategies: extract.DefaultStrategies()}
	if a.cfg.LLMEnabled() {
		completer, err := openaiclient.New(openaiclient.Config{
			APIKey:          a.cfg.LLM.APIKey,
			BaseURL:         a.cfg.LLM.BaseURL,
			Model:           a.cfg.LLM.Model,
			MaxOutputTokens: a.cfg.LLM.MaxOutputTokens,
			Timeout:         a.cfg.LLM.Timeout,
		})
		if err != nil {
			return fmt.Errorf("llm client init failed: %w", err)
		}
		excerpter := excerpt.New(excerpt.Config{
			MaxChars:  a.cfg.LLM.MaxExcerptChars,
			MaxTokens: a.cfg.LLM.MaxExcerptTokens,
			Model:     a.cfg.LLM.Model,
		})
		chainCfg.LLM = extract.NewLLMFallback(completer, excerpter, limiter, a.logger.Named("llm"))
		a.logger.Info("llm fallback enabled", zap.String("model", a.cfg.LLM.Model))
	}
	a.chain = extract.New(chainCfg, a.logger.Named("extract"))

	p, err := pipeline.New(pipeline.Config{
		Concurrency:      a.cfg.Fetch.Concurrency,
		MaxRetries:       a.cfg.Fetch.MaxRetries,
		BackoffBase:      a.cfg.Fetch.BackoffBase,
		Timeout:          a.cfg.Fetch.Timeout,
		RenderJS:         a.cfg.ScrapingBee.RenderJS,
		RenderJSFallback: a.cfg.Fetch.RenderJSFallback,
		SnapshotPages:    a.cfg.Fetch.SnapshotPages,
		PagePrefix:       a.cfg.Storage.PagePrefix,
		LogPrefix:        a.cfg.Storage.LogPrefix,
		LLMMaxCalls:      a.cfg.LLM.MaxCallsPerBatch,
	}, pipeline.Deps{
		Fetcher:  fetcher,
		Chain:    a.chain,
		Detector: detector.NewHeuristic(0),
		Blobs:    a.blobs,
		Hasher:   sha256.New(),
		IDs:      a.ids,
		Clock:    a.clock,
		Emitter:  emitter,
		Logger:   a.logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	a.pipeline = p
	return nil
}

func (a *App) setupRunner(ctx context.Context) error {
	deps := runner.Deps{
		Pipeline:  a.pipeline,
		Publisher: a.publisher,
		Clock:     a.clock,
		Logger:    a.logger.Named("runner"),
	}
	// Optional sinks are assigned only when present so the interfaces stay nil.
	if a.db != nil {
		deps.Records = a.db
	}
	if a.cfg.Input.SheetID != "" {
		sheets, err := gsheet.New(ctx, a.cfg.Input.CredentialsFile, a.logger.Named("gsheet"))
		if err != nil {
			return fmt.Errorf("google sheets init failed: %w", err)
		}
		deps.Sheets = sheets
	}
	if a.cfg.Email.Enabled {
		mailer, err := email.New(email.Config{
			Host:     a.cfg.Email.Host,
			Port:     a.cfg.Email.Port,
			Username: a.cfg.Email.Username,
			Password: a.cfg.Email.Password,
			From:     a.cfg.Email.From,
			To:       a.cfg.Email.To,
			Subject:  a.cfg.Email.Subject,
		}, a.logger.Named("email"))
		if err != nil {
			return fmt.Errorf("email init failed: %w", err)
		}
		deps.Mailer = mailer
	}
	r, err := runner.New(runner.Config{
		WorkbookPath:  a.cfg.Input.WorkbookPath,
		SheetID:       a.cfg.Input.SheetID,
		OutputSheetID: a.cfg.Input.OutputSheetID,
		SummaryTopic:  a.summaryTopic(),
	}, deps)
	if err != nil {
		return fmt.Errorf("runner init failed: %w", err)
	}
	a.runner = r
	return nil
}

func (a *App) setupServe() error {
	a.jobs = memoryStorage.NewJobStore(a.clock)
	a.queue = queueMemory.NewQueue(a.cfg.Serve.QueueDepth)

	workers := make([]dispatcher.Runnable, 0, a.cfg.Serve.JobWorkers)
	for i := range a.cfg.Serve.JobWorkers {
		workers = append(workers, worker.New(
			a.queue,
			a.jobs,
			a.runner,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, a.jobs, a.ids, a.clock, workers)

	deps := api.Deps{
		Jobs:      a.jobs,
		Submitter: a.dispatch,
		Scanner:   a.pipeline,
		Ready:     a.ready,
		Logger:    a.logger.Named("api"),
	}
	if a.db != nil {
		deps.Runs = a.db
	}
	a.apiServer = api.NewServer(deps)

	if a.cfg.Serve.Schedule != "" {
		s, err := schedule.New(a.cfg.Serve.Schedule, a.scheduledSpec(), a.dispatch, a.logger.Named("schedule"))
		if err != nil {
			return err
		}
		a.scheduler = s
	}
	return nil
}

// scheduledSpec scans the configured workbook, else the configured sheet.
func (a *App) scheduledSpec() scan.JobSpec {
	spec := scan.JobSpec{Source: scan.SourceSheet, Limit: a.cfg.Input.Limit}
	if a.cfg.Input.WorkbookPath != "" {
		spec.Source = scan.SourceWorkbook
	}
	return spec
}

func (a *App) ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scan runs one batch in the foreground.
func (a *App) Scan(ctx context.Context, spec scan.JobSpec) (*runner.Result, error) {
	batchID, err := a.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("new batch id: %w", err)
	}
	res, err := a.runner.Run(ctx, batchID, spec)
	if err != nil {
		return nil, fmt.Errorf("scan batch %s: %w", batchID, err)
	}
	return res, nil
}

// Extract scans a single URL in debug mode.
func (a *App) Extract(ctx context.Context, target scan.Target) (*pipeline.Batch, error) {
	batch, err := a.pipeline.Run(ctx, []scan.Target{target}, scan.ModeDebug)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", target.URL, err)
	}
	return batch, nil
}

// ServeMCP serves the MCP tools on stdio until the client disconnects.
func (a *App) ServeMCP() error {
	return mcpserver.New(a.cfg.App.Version, a.pipeline, a.chain, a.logger.Named("mcp")).Run()
}

// Run starts the HTTP API, job workers and schedule, and blocks until the
// context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("job_workers", a.cfg.Serve.JobWorkers))
		a.dispatch.Run(gctx)
		return nil
	})
	if a.scheduler != nil {
		g.Go(func() error {
			a.scheduler.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		// Workers drain what is already queued only until ctx is done.
		a.queue.Close()
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Close gracefully shuts down the application. It is safe to call twice.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if closer, ok := a.blobs.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
