// Package app wires the Strata services together and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/strata/strata/internal/api/http"
	"github.com/strata/strata/internal/archive"
	"github.com/strata/strata/internal/config"
	"github.com/strata/strata/internal/export"
	"github.com/strata/strata/internal/ledger"
	"github.com/strata/strata/internal/lifecycle"
	"github.com/strata/strata/internal/metrics"
	"github.com/strata/strata/internal/notify"
	"github.com/strata/strata/internal/plan"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/restore"
	"github.com/strata/strata/internal/scheduler"
	"github.com/strata/strata/internal/server"
	"github.com/strata/strata/internal/storage"
	"github.com/strata/strata/internal/store"
)

// App holds every shared resource of a Strata process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	regions   *region.Registry
	plans     *plan.StaticResolver
	notifier  notify.Notifier
	ledger    *ledger.Ledger
	exports   *export.Streamer
	restores  *restore.Coordinator
	scheduler *scheduler.Scheduler
	shutdown  *server.ShutdownManager
}

// New validates cfg and builds all services. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		shutdown: server.NewShutdownManager(cfg.HTTP.ShutdownTimeout, logger),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := a.initRegions(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	if err := a.initNotifier(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	if err := a.initServices(); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

// initRegions opens each region's store and object storage, in configured order.
func (a *App) initRegions(ctx context.Context) error {
	var regions []*region.Region
	for _, rc := range a.cfg.Regions {
		st, err := store.Open(rc.DBPath, rc.Name)
		if err != nil {
			return fmt.Errorf("region %s: %w", rc.Name, err)
		}
		a.shutdown.RegisterCloser("store:"+rc.Name, st)

		objects, err := newObjectStorage(ctx, rc.Storage)
		if err != nil {
			return fmt.Errorf("region %s: %w", rc.Name, err)
		}
		regions = append(regions, &region.Region{Name: rc.Name, Store: st, Objects: objects})

		a.logger.Info("region initialized",
			"region", rc.Name,
			"db", rc.DBPath,
			"storage", rc.Storage.Type,
		)
	}

	var err error
	if a.regions, err = region.NewRegistry(regions...); err != nil {
		return err
	}
	for tenant, tc := range a.cfg.Tenants {
		if tc.Region == "" {
			continue
		}
		if err := a.regions.Pin(tenant, tc.Region); err != nil {
			return err
		}
	}
	return nil
}

func newObjectStorage(ctx context.Context, sc config.StorageConfig) (storage.ObjectStorage, error) {
	switch sc.Type {
	case "local":
		return storage.NewLocalStorage(sc.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if sc.S3.Region != "" {
			s3Cfg.Region = sc.S3.Region
		}
		s3Cfg.Endpoint = sc.S3.Endpoint
		s3Cfg.UsePathStyle = sc.S3.UsePathStyle
		s3Cfg.StorageClass = sc.S3.StorageClass
		return storage.NewS3Storage(ctx, sc.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sc.Type)
	}
}

// initNotifier builds the webhook trigger notifier selected by configuration.
func (a *App) initNotifier(ctx context.Context) error {
	switch a.cfg.Notify.Type {
	case "", "none":
		a.notifier = notify.Noop{}
	case "bus":
		a.notifier = notify.NewBus(1024)
	case "kafka":
		k, err := notify.NewKafkaNotifier(a.cfg.Notify.Kafka, a.logger.With("component", "notify"))
		if err != nil {
			return err
		}
		a.shutdown.RegisterCloser("notify:kafka", server.CloserFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return k.Close(ctx)
		}))
		a.notifier = k
	case "redis":
		r, err := notify.NewRedisNotifier(ctx, a.cfg.Notify.Redis)
		if err != nil {
			return err
		}
		a.shutdown.RegisterCloser("notify:redis", r)
		a.notifier = r
	default:
		return fmt.Errorf("unsupported notify type: %s", a.cfg.Notify.Type)
	}
	a.logger.Info("notifier initialized", "type", a.cfg.Notify.Type)
	return nil
}

// initServices builds the ledger, the export and restore services and the job
// schedule.
func (a *App) initServices() error {
	var err error
	if a.plans, err = a.cfg.PlanResolver(); err != nil {
		return err
	}

	a.ledger = ledger.New(a.regions, a.notifier, a.logger, ledger.WithMetrics(a.metrics))
	a.exports = export.NewStreamer(a.regions, a.plans, export.Config{
		PageSize:      a.cfg.Export.PageSize,
		ProgressEvery: a.cfg.Export.ProgressEvery,
	}, a.logger, export.WithMetrics(a.metrics))
	a.restores = restore.NewCoordinator(a.regions, a.plans, restore.Config{
		StaleInitiating: a.cfg.Restore.StaleInitiating,
		PageSize:        a.cfg.Restore.PageSize,
	}, a.logger, restore.WithMetrics(a.metrics))

	codec, err := archive.CodecFor(a.cfg.Archive.Codec)
	if err != nil {
		return err
	}
	withMetrics := lifecycle.WithMetrics(a.metrics)
	sc := a.cfg.Scheduler
	entries := []scheduler.Entry{
		{Job: lifecycle.NewRetentionMarker(a.plans, a.logger, withMetrics), Every: sc.LifecycleEvery},
		{Job: lifecycle.NewPacker(lifecycle.PackerConfig{
			WorkDir:  a.cfg.Archive.WorkDir,
			PageSize: a.cfg.Archive.PageSize,
			Codec:    codec,
		}, a.logger, withMetrics), Every: sc.LifecycleEvery},
		{Job: lifecycle.NewVerifier(a.cfg.Archive.VerifyBatchSize, a.cfg.Archive.VerifyConcurrency, a.logger, withMetrics), Every: sc.LifecycleEvery},
		{Job: lifecycle.NewColdMarker(a.plans, a.logger, withMetrics), Every: sc.ColdMarkerEvery},
		{Job: a.restores.Initiator(), Every: sc.InitiatorEvery},
		{Job: a.restores.Poller(), Every: sc.PollerEvery},
		{Job: a.restores.Expirer(), Every: sc.LifecycleEvery},
	}
	a.scheduler, err = scheduler.New(a.regions, entries, a.logger, scheduler.WithTick(sc.Tick))
	return err
}

// Handler returns the HTTP API, including /metrics.
func (a *App) Handler() http.Handler {
	api := httpapi.NewServer(httpapi.Config{
		Events:   a.ledger,
		Exports:  a.exports,
		Restores: a.restores,
		Jobs:     a.scheduler,
		Metrics:  promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Regions:  a.regions.Names(),
	}, a.logger)
	return server.ShutdownMiddleware(a.shutdown)(api.Handler())
}

// Run serves the API and runs the scheduler, as the mode selects, until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.ShouldRunAPI() {
		srv := &http.Server{
			Addr:         a.cfg.HTTP.Addr,
			Handler:      a.Handler(),
			ReadTimeout:  a.cfg.HTTP.ReadTimeout,
			WriteTimeout: a.cfg.HTTP.WriteTimeout,
			IdleTimeout:  a.cfg.HTTP.IdleTimeout,
		}
		g.Go(func() error {
			a.logger.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.ShouldRunWorker() {
		g.Go(func() error {
			return a.scheduler.Run(ctx)
		})
	}

	a.logger.Info("strata started", "mode", a.cfg.Mode, "regions", a.regions.Names())
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunJob runs one job once, for one region or all regions when regionName is empty.
func (a *App) RunJob(ctx context.Context, name, regionName string) error {
	return a.scheduler.RunJob(ctx, name, regionName)
}

// Jobs lists the job names in schedule order.
func (a *App) Jobs() []string {
	return a.scheduler.Jobs()
}

// Close drains requests and releases every resource.
func (a *App) Close(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx)
}
