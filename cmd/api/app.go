package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/auditchain/internal/api"
	"github.com/onnwee/auditchain/internal/artifact"
	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/internal/config"
	"github.com/onnwee/auditchain/internal/db"
	"github.com/onnwee/auditchain/internal/db/migrate"
	"github.com/onnwee/auditchain/internal/health"
	"github.com/onnwee/auditchain/internal/idempotency"
	"github.com/onnwee/auditchain/internal/jobs"
	"github.com/onnwee/auditchain/internal/middleware"
)

const serviceName = "auditchain-api"

// app holds the wired components of the server.
type app struct {
	handler http.Handler
	job     *jobs.ChainAuditJob

	closers []func() error
}

// newApp builds every component from cfg. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auditMetrics := audit.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, m := range []interface{ Register(prometheus.Registerer) error }{auditMetrics, jobMetrics, httpMetrics} {
		if err := m.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	// Storage
	var (
		repo      audit.Repository
		flat      audit.FlatStore
		dbChecker api.HealthChecker
	)
	switch cfg.StorageDriver {
	case config.StorageMemory:
		logger.Warn("using in-memory audit storage; entries are lost on restart")
		repo = audit.NewInMemoryRepository()
		flat = audit.NewInMemoryFlatStore()
	case config.StoragePostgres, config.StorageSQLite:
		conn, dialect, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		repo = audit.NewSQLRepository(conn, dialect, logger)
		flat = audit.NewSQLFlatStore(conn, dialect, logger)
		dbChecker = health.NewDBChecker(conn)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStorageDriver, cfg.StorageDriver)
	}

	// Audit core
	broadcaster := audit.NewBroadcaster(0, logger)
	appender, err := audit.NewAppender(repo, audit.AppenderConfig{
		Retry: audit.RetryPolicy{
			MaxAttempts: cfg.AppendMaxAttempts,
			BaseDelay:   cfg.AppendBaseDelay(),
			MaxDelay:    cfg.AppendMaxDelay(),
		},
		LocalSerialization: cfg.AppendLocalSerialization,
		AnonymizeIP:        cfg.AnonymizeIP,
		Logger:             logger,
		Metrics:            auditMetrics,
		Notifier:           broadcaster,
	})
	if err != nil {
		return nil, fmt.Errorf("create appender: %w", err)
	}
	verifier, err := audit.NewVerifier(repo, audit.VerifierConfig{
		BatchSize: cfg.ScanBatchSize,
		Logger:    logger,
		Metrics:   auditMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	exporter, err := audit.NewExporter(repo, audit.ExporterConfig{
		MaxEntries: int64(cfg.ExportMaxEntries),
		BatchSize:  cfg.ScanBatchSize,
		Logger:     logger,
		Metrics:    auditMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	service, err := audit.NewService(repo, appender, verifier, exporter, logger)
	if err != nil {
		return nil, fmt.Errorf("create audit service: %w", err)
	}
	recorder, err := audit.NewRecorder(appender, flat, audit.RecorderConfig{
		StrictTaxonomy: cfg.StrictTaxonomy,
		Logger:         logger,
		Metrics:        auditMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}

	// Artifact store
	var artifacts artifact.Store
	if cfg.ArtifactsEnabled() {
		s3Store, err := artifact.NewS3Store(artifact.S3Config{
			Bucket:          cfg.ArtifactBucket,
			AccessKeyID:     cfg.ArtifactAccessKeyID,
			SecretAccessKey: cfg.ArtifactSecretAccessKey,
			Endpoint:        cfg.ArtifactEndpoint,
			Region:          cfg.ArtifactRegion,
			URLExpiry:       cfg.ArtifactURLExpiry(),
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create artifact store: %w", err)
		}
		artifacts = s3Store
		logger.Info("artifact store configured", "bucket", s3Store.Bucket())
	}

	// Scheduled chain audit
	if cfg.CheckpointInterval > 0 {
		a.job, err = jobs.NewChainAuditJob(jobs.ChainAuditConfig{
			Interval:    cfg.CheckpointInterval,
			Checkpoints: artifacts,
			Logger:      logger,
			Metrics:     jobMetrics,
		}, repo, verifier)
		if err != nil {
			return nil, fmt.Errorf("create chain audit job: %w", err)
		}
	}

	// Rate limiting
	var (
		redisClient  *redis.Client
		limitStore   middleware.RateLimitStore
		redisChecker api.HealthChecker
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		redisClient = client
		a.closers = append(a.closers, client.Close)
		limitStore = middleware.NewRedisRateLimitStore(client,
			middleware.WithRedisMetrics(httpMetrics),
			middleware.WithRedisLogger(logger))
		redisChecker = health.NewRedisChecker(client)
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		limitStore = memStore
		a.startCleanup(memStore)
	}
	complianceLimit := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimitCompliancePerMinute,
		WindowDuration:    time.Minute,
	}
	if err := complianceLimit.Validate(); err != nil {
		return nil, fmt.Errorf("compliance rate limit: %w", err)
	}

	// Idempotent appends
	var appendMiddleware func(http.Handler) http.Handler
	if cfg.IdempotencyTTL > 0 {
		var store idempotency.Store
		if redisClient != nil {
			store = idempotency.NewRedisStore(redisClient, "")
		} else {
			memStore := idempotency.NewInMemoryStore()
			store = memStore
			cleanupCtx, cancel := context.WithCancel(context.Background())
			go idempotency.RunPeriodicCleanup(cleanupCtx, memStore, time.Minute, logger)
			a.closers = append(a.closers, func() error {
				cancel()
				return nil
			})
		}
		appendMiddleware = middleware.Idempotency(middleware.IdempotencyConfig{
			Store:        store,
			TTL:          cfg.IdempotencyTTL,
			MaxBodyBytes: api.DefaultMaxBodyBytes,
			Logger:       logger,
			Metrics:      httpMetrics,
		})
	}

	// HTTP
	auditHandlers, err := api.NewAuditHandlers(api.AuditHandlersConfig{
		Recorder:             recorder,
		Service:              service,
		Repository:           repo,
		FlatStore:            flat,
		Broadcaster:          broadcaster,
		Artifacts:            artifacts,
		ComplianceMiddleware: middleware.RateLimiter(limitStore, complianceLimit, middleware.ActorKeyFunc(), httpMetrics),
		AppendMiddleware:     appendMiddleware,
		AllowedOrigins:       cfg.CORSAllowedOrigins,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit handlers: %w", err)
	}
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:      dbChecker,
		RedisChecker:   redisChecker,
		MetricsEnabled: true,
	})

	mux := http.NewServeMux()
	auditHandlers.Register(mux)
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"auditchain-api","version":"0.1.0"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	// Apply middleware, outermost first:
	// RequestID -> Actor -> Logging -> Tracing -> CORS -> HTTPMetrics -> Profiling -> mux
	var handler http.Handler = mux
	handler = middleware.Profiling(middleware.ProfilingConfig{
		Enabled:     cfg.ProfilingEnabled,
		Environment: cfg.Env,
		Logger:      logger,
	})(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins})(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing(serviceName)(handler)
	}
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Actor("")(handler)
	a.handler = middleware.RequestID(handler)

	return a, nil
}

// openStore connects to the SQL backend and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, audit.Dialect, error) {
	if cfg.StorageDriver == config.StoragePostgres {
		if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil {
			return nil, "", fmt.Errorf("run migrations: %w", err)
		}
		return db.Open(ctx, db.DriverPostgres, cfg.DatabaseURL)
	}

	conn, dialect, err := db.Open(ctx, db.DriverSQLite, cfg.SQLitePath)
	if err != nil {
		return nil, "", err
	}
	if err := db.ApplySQLiteSchema(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, dialect, nil
}

// startCleanup evicts expired in-memory rate limit windows until close.
func (a *app) startCleanup(store *middleware.InMemoryRateLimitStore) {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				store.Cleanup()
			case <-stop:
				return
			}
		}
	}()
	a.closers = append(a.closers, func() error {
		close(stop)
		return nil
	})
}

// close stops the job and releases connections in reverse order.
func (a *app) close() error {
	if a.job != nil && a.job.IsRunning() {
		a.job.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
