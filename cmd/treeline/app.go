package main

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/treelineapp/treeline/internal/channel"
	"github.com/treelineapp/treeline/internal/config"
	"github.com/treelineapp/treeline/internal/dispatch"
	"github.com/treelineapp/treeline/internal/health"
	"github.com/treelineapp/treeline/internal/jobs"
	"github.com/treelineapp/treeline/internal/middleware"
	"github.com/treelineapp/treeline/internal/observability"
)

// application bundles the wired runtime components.
type application struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	scheduler   *jobs.Scheduler
	hub         *channel.Hub
	bridge      *channel.RedisBridge
	redisClient redis.UniversalClient

	checker       *health.Checker
	server        *http.Server
	metricsServer *http.Server
}

// newApplication wires the full server from configuration.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(cfg.Metrics.Namespace),
	}

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Observability.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	app.tracer = tracer

	hubOpts := []channel.HubOption{
		channel.WithHubLogger(logger),
		channel.WithHubMetrics(app.metrics),
	}
	if cfg.Channels.Redis.Enabled {
		app.redisClient = redis.NewClient(&redis.Options{Addr: cfg.Channels.Redis.Addr})
		app.bridge = channel.NewRedisBridge(app.redisClient,
			channel.WithBridgeLogger(logger),
			channel.WithBridgePrefix(cfg.Channels.Redis.Prefix+":channel:"),
		)
		hubOpts = append(hubOpts, channel.WithBridge(app.bridge))
	}
	app.hub = channel.NewHub(hubOpts...)

	schedOpts := []jobs.SchedulerOption{
		jobs.WithSchedulerLogger(logger),
		jobs.WithSchedulerMetrics(app.metrics),
	}
	if cfg.Jobs.Breaker.Enabled {
		schedOpts = append(schedOpts, jobs.WithBreaker(jobs.BreakerSettings{
			Enabled:             true,
			ConsecutiveFailures: cfg.Jobs.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Jobs.Breaker.OpenTimeout.Duration(),
		}))
	}
	app.scheduler = jobs.NewScheduler(schedOpts...)

	registry, err := buildApplication(app)
	if err != nil {
		return nil, err
	}

	index, scopes, err := registry.Build()
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(index, scopes,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(app.metrics),
	)
	logger.Info("routing tables built",
		observability.Int("routes", index.Len()),
	)

	app.checker = health.NewChecker(version)
	app.checker.RegisterCheck("hub", health.HubCheck(app.hub))
	app.checker.RegisterCheck("scheduler", health.SchedulerCheck(app.scheduler.Names))
	if app.redisClient != nil {
		app.checker.RegisterCheck("redis", health.RedisCheck(app.redisClient))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", app.checker.HealthHandler())
	mux.HandleFunc("/readyz", app.checker.ReadinessHandler())
	mux.HandleFunc("/livez", app.checker.LivenessHandler())
	mux.Handle("/", dispatcher)

	// Recovery outermost, then request identity so every inner layer
	// sees the ID and the route recorder, then logging and tracing,
	// which read the matched route after dispatch completes.
	handler := middleware.Recovery(logger)(
		middleware.RequestID()(
			middleware.Logging(logger, app.metrics)(
				observability.TracingMiddleware(tracer)(mux),
			),
		),
	)

	app.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  cfg.Server.IdleTimeout.Duration(),
	}

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", app.metrics.Handler())
		app.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return app, nil
}
