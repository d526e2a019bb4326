// Tripwire correlates security and infrastructure events into alerts and
// dispatches automated responses for them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/alertapi"
	"github.com/linnemanlabs/tripwire/internal/authmw"
	"github.com/linnemanlabs/tripwire/internal/catalog"
	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/correlate"
	"github.com/linnemanlabs/tripwire/internal/dispatch"
	"github.com/linnemanlabs/tripwire/internal/ingress"
	"github.com/linnemanlabs/tripwire/internal/notify"
	"github.com/linnemanlabs/tripwire/internal/notify/slack"
	"github.com/linnemanlabs/tripwire/internal/notify/webhook"
	"github.com/linnemanlabs/tripwire/internal/pipeline"
	"github.com/linnemanlabs/tripwire/internal/postgres"
	"github.com/linnemanlabs/tripwire/internal/suppress"
)

const appName = "tripwire"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a broker consumer that cannot make progress cancels the run with its
	// error so the process restarts and the broker redelivers
	ctx, abort := context.WithCancelCause(sigCtx)
	defer abort(nil)

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var c config
	c.register(flag.CommandLine)
	if err := c.load(flag.CommandLine, os.Args[1:]); err != nil {
		return err
	}
	if c.version {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	appCfg := &c.app

	lg, err := log.New(c.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", c.ops.Port,
		"enable_pprof", c.ops.EnablePprof,
		"enable_pyroscope", c.prof.EnablePyroscope,
		"enable_tracing", c.trace.EnableTracing,
		"trace_sample", c.trace.TraceSample,
		"otlp_endpoint", c.trace.OTLPEndpoint,
		"trusted_proxy_hops", c.httpmw.TrustedProxyHops,
		"catalog_path", appCfg.CatalogPath,
		"window_policy", appCfg.WindowPolicy,
		"workers", appCfg.Workers,
		"dispatch_workers", appCfg.DispatchWorkers,
		"postgres_enabled", appCfg.DatabaseURL != "",
		"redis_enabled", appCfg.RedisAddr != "",
		"kafka_enabled", appCfg.KafkaBrokers != "",
		"nats_enabled", appCfg.NATSURL != "",
	)

	// profiling starts before anything else so the whole lifetime is sampled
	profOpts := c.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", c.prof.PyroServer)
	}
	profiling := profErr == nil && c.prof.EnablePyroscope

	traceOpts := c.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}

	// label profiles with the active span so traces link to flame graphs
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tripwire_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	dbQueriesPerRequest := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tripwire_db_queries_per_request",
		Help:    "Database queries issued while serving one API request.",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	}, []string{"route"})
	m.Registry().MustRegister(dbQueryDuration, dbQueriesPerRequest)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	st, closeStore, err := openStore(ctx, L, appCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	limiter, closeLimiter, err := openLimiter(ctx, L, appCfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	// rules whose correlation definition changed on reload start over with
	// empty windows
	var pipe *pipeline.Pipeline
	cat, err := catalog.Load(appCfg.CatalogPath,
		catalog.WithLogger(L.With("subsystem", "catalog")),
		catalog.WithReloadHook(func(prev, next *catalog.Snapshot) {
			if pipe == nil {
				return
			}
			if ids := prev.ChangedRules(next); len(ids) > 0 {
				pipe.ResetRules(ids...)
				L.Info(context.Background(), "correlation state reset for changed rules", "rules", ids)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	L.Info(ctx, "catalog loaded", "path", appCfg.CatalogPath, "counts", cat.Snapshot().Counts())

	alertSvc := alert.NewService(st, suppress.NewEvaluator(cat), clock.Real{}, L.With("subsystem", "alert"))

	sched := dispatch.New(dispatch.Deps{
		Alerts:    alertSvc,
		Journal:   st,
		Catalog:   cat,
		Playbooks: cat,
		Notifier:  notify.NewRegistry(slack.New(), webhook.New()),
		Limiter:   limiter,
		Logger:    L.With("subsystem", "dispatch"),
		Hooks:     dispatch.NewMetrics(m.Registry()).Hooks(),
	}, dispatch.Options{
		MaxAttempts:  appCfg.MaxAttempts,
		BaseDelay:    appCfg.RetryBaseDelay,
		MaxDelay:     appCfg.RetryMaxDelay,
		Timeout:      appCfg.ActionTimeout,
		PollInterval: appCfg.RetryPoll,
	})

	policy, err := correlate.ParsePolicy(appCfg.WindowPolicy)
	if err != nil {
		return fmt.Errorf("window policy: %w", err)
	}
	pipe = pipeline.New(pipeline.Deps{
		Rules:      cat,
		Window:     correlate.New(policy),
		Alerts:     alertSvc,
		Dispatcher: sched,
		Marker:     st,
		Logger:     L.With("subsystem", "pipeline"),
		Hooks:      pipeline.NewMetrics(m.Registry()).Hooks(),
	}, pipeline.Config{
		Workers:         appCfg.Workers,
		QueueSize:       appCfg.QueueSize,
		DispatchWorkers: appCfg.DispatchWorkers,
		SweepInterval:   appCfg.SweepInterval,
	})
	// the pipeline outlives the signal context so in-flight matches can
	// finish during shutdown
	pipe.Start(postgres.WithComponent(context.WithoutCancel(ctx), "pipeline"))

	// resume dispatches a previous process left pending
	if n, err := sched.Recover(postgres.WithComponent(ctx, "recover")); err != nil {
		L.Error(ctx, err, "dispatch recovery failed")
	} else if n > 0 {
		L.Info(ctx, "dispatch recovery complete", "alerts", n)
	}

	workCtx, stopWork := context.WithCancel(postgres.WithComponent(context.WithoutCancel(ctx), "dispatch"))
	defer stopWork()
	var work errgroup.Group
	work.Go(func() error { return sched.Run(workCtx) })
	if appCfg.WatchCatalog {
		work.Go(func() error {
			if err := cat.Watch(workCtx); err != nil {
				L.Error(ctx, err, "catalog watcher stopped", "path", appCfg.CatalogPath)
			}
			return nil
		})
	}

	// broker consumers stop first on shutdown so nothing new enters the pipeline
	ingestCtx, stopIngest := context.WithCancel(postgres.WithComponent(context.WithoutCancel(ctx), "ingest"))
	defer stopIngest()
	var ingest errgroup.Group
	if err := startIngest(ingestCtx, &ingest, L, appCfg, pipe, ingress.NewMetrics(m.Registry()).Hooks(), abort); err != nil {
		return err
	}

	// readiness fails once the gate closes so load balancers drain us
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	// the ops listener refuses public peers and forwarded requests
	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	var observeQueries func(route string, queries int)
	if appCfg.DatabaseURL != "" {
		observeQueries = func(route string, queries int) {
			dbQueriesPerRequest.WithLabelValues(route).Observe(float64(queries))
		}
	}
	r := chi.NewRouter()
	useRouteMiddleware(r, observeQueries)
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// keyrings were checked by config validation
	ingestKeys, _ := authmw.ParseKeyring(appCfg.IngestTokens)
	operatorKeys, _ := authmw.ParseKeyring(appCfg.OperatorTokens)
	if operatorKeys.Len() == 0 {
		L.Warn(ctx, "no operator tokens configured, alert routes are unauthenticated")
	}
	alertapi.New(L, alertSvc, sched, pipe,
		alertapi.WithIngestLimit(appCfg.IngestRPS, appCfg.IngestBurst),
		alertapi.WithAuth(ingestKeys, operatorKeys),
	).RegisterRoutes(r)

	h := wrapHandler(r, L, m.Middleware, c.httpmw)

	apiOpts, err := c.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// not fatal, systemd times the unit out if it was expecting us
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		L.Error(context.Background(), cause, "ingest failed, shutting down")
	} else {
		L.Info(context.Background(), "shutdown signal received")
	}

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")
	drain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	// each component gets an equal slice of the shutdown budget; profiling
	// stops last and synchronously
	steps := []shutdownStep{
		{"ingest consumers", func(ctx context.Context) error {
			stopIngest()
			return wait(ctx, &ingest)
		}},
		{"api http server", apiHTTPStop},
		{"pipeline", pipe.Stop},
		{"dispatch workers", func(ctx context.Context) error {
			stopWork()
			return wait(ctx, &work)
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}
	shutdown(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, steps)
	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// drain holds the process while load balancers notice the failing
// readiness probe. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	L.Info(context.Background(), "sleeping for drain period", "drain", d)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// shutdown runs steps in order, each bounded by budget/len(steps) and all
// of them by budget. Failures are logged and do not stop later steps.
func shutdown(L log.Logger, budget time.Duration, steps []shutdownStep) {
	if len(steps) == 0 {
		return
	}
	per := budget / time.Duration(len(steps))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range steps {
		sctx, scancel := context.WithTimeout(ctx, per)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		scancel()
	}
}
