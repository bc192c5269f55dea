package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/config"
	"github.com/goliatone/go-hub/confirm"
	"github.com/goliatone/go-hub/cron"
	"github.com/goliatone/go-hub/dispatcher"
	"github.com/goliatone/go-hub/extcall"
	"github.com/goliatone/go-hub/inbound"
	"github.com/goliatone/go-hub/lifecycle"
	"github.com/goliatone/go-hub/metrics"
	"github.com/goliatone/go-hub/node"
	"github.com/goliatone/go-hub/notify"
	"github.com/goliatone/go-hub/queue"
	"github.com/goliatone/go-hub/repair"
	"github.com/goliatone/go-hub/store"
	"github.com/goliatone/go-hub/throttle"
)

// PingOperation is answered by the built-in handler and is useful for smoke
// tests of a deployment.
const PingOperation = "ping"

type app struct {
	cfg       *config.Config
	logger    hub.Logger
	store     store.Store
	nodes     *node.MemoryService
	engine    *lifecycle.Engine
	pool      *queue.Pool
	scheduler *cron.Scheduler
	events    *dispatcher.Bus
	server    *http.Server
	closers   []func()
}

func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	logger := cfg.Logger(out)
	a := &app{cfg: cfg, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheus(reg, "hub")

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.nodes = node.NewMemoryService(cfg.Node.ID, cfg.Node.Code, logger)
	if err := a.nodes.SetState(ctx, cfg.NodeState()); err != nil {
		a.close()
		return nil, err
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notify.Enabled {
		ses, err := notify.LoadSESNotifier(ctx, cfg.Notify.Region, cfg.Notify.From, cfg.Notify.Admins)
		if err != nil {
			a.close()
			return nil, err
		}
		notifier = ses
	}

	callOpts := []extcall.Option{extcall.WithLogger(logger), extcall.WithMetrics(rec)}
	if cfg.Lifecycle.SkipCallPattern != "" {
		callOpts = append(callOpts, extcall.WithSkipPattern(cfg.Lifecycle.SkipCallPattern))
	}
	calls, err := extcall.NewManager(st, callOpts...)
	if err != nil {
		a.close()
		return nil, err
	}

	dispatcher, err := confirm.NewDispatcher(st, calls, nil, cfg.ConfirmConfig(),
		confirm.WithLogger(logger), confirm.WithMetrics(rec))
	if err != nil {
		a.close()
		return nil, err
	}

	a.events, err = newEventBus(logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.engine, err = lifecycle.NewEngine(st, cfg.LifecycleConfig(),
		lifecycle.WithNodeService(a.nodes),
		lifecycle.WithListener(a.events),
		lifecycle.WithNotifier(notifier),
		lifecycle.WithConfirmer(dispatcher),
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(rec),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := a.engine.Router().HandleFunc("", PingOperation, func(ctx context.Context, msg *hub.Message) (lifecycle.Outcome, error) {
		logger.WithContext(ctx).Info("ping message %d from %s", msg.ID, msg.SourceSystem)
		return lifecycle.OutcomeDone, nil
	}); err != nil {
		a.close()
		return nil, err
	}

	a.pool, err = queue.NewPool(queue.Config{
		Name:     "main",
		Workers:  cfg.Lifecycle.Workers,
		Capacity: cfg.Lifecycle.QueueCapacity,
	}, a.engine, queue.WithLogger(logger), queue.WithMetrics(rec))
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine.UseQueue(a.pool)

	scanner, err := repair.NewScanner(st, a.engine, cfg.RepairConfig(),
		repair.WithConfirmations(dispatcher),
		repair.WithLogger(logger),
		repair.WithMetrics(rec),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.scheduler = cron.NewScheduler(cron.WithLogger(logger), cron.WithLocation(time.UTC))
	if _, err := scanner.Schedule(a.scheduler, cfg.RepairSchedule()); err != nil {
		a.close()
		return nil, err
	}

	routeOpts := []inbound.Option{
		inbound.WithNodeService(a.nodes),
		inbound.WithLogger(logger),
		inbound.WithMetrics(rec),
	}
	limiter, err := a.throttle(ctx, logger, rec)
	if err != nil {
		a.close()
		return nil, err
	}
	routeOpts = append(routeOpts, inbound.WithThrottle(limiter))
	route, err := inbound.NewRoute(st, a.engine, routeOpts...)
	if err != nil {
		a.close()
		return nil, err
	}

	a.server = &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: inbound.NewRouter(&inbound.API{
			Route:   route,
			Reader:  st,
			Admin:   a.engine,
			Nodes:   a.nodes,
			Jobs:    a.scheduler,
			Metrics: rec.Handler(),
			Logger:  logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// newEventBus subscribes the default observers: terminal failures are logged
// as warnings and every event is traced at debug level.
func newEventBus(logger hub.Logger) (*dispatcher.Bus, error) {
	bus := dispatcher.NewBus(dispatcher.WithLogger(logger))
	if _, err := bus.Subscribe("failed/#", func(ctx context.Context, evt lifecycle.Event) error {
		hub.WithLoggerFields(logger.WithContext(ctx), hub.MessageFields(evt.Message)).
			Warn("message %d failed: %s", evt.Message.ID, evt.Message.FailedDesc)
		return nil
	}); err != nil {
		return nil, err
	}
	if _, err := bus.Subscribe("#", func(ctx context.Context, evt lifecycle.Event) error {
		logger.WithContext(ctx).Debug("lifecycle event %s", dispatcher.Topic(evt))
		return nil
	}); err != nil {
		return nil, err
	}
	return bus, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if a.cfg.Store.Driver != config.DriverPostgres {
		a.logger.Warn("using the in-memory store, messages are lost on restart")
		return store.NewMemoryStore(), nil
	}
	pg, err := openPg(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

func (a *app) throttle(ctx context.Context, logger hub.Logger, rec metrics.Recorder) (*throttle.Processor, error) {
	rules, err := a.cfg.ThrottleConfig()
	if err != nil {
		return nil, err
	}
	var counter throttle.Counter = throttle.NewMemoryCounter()
	if a.cfg.Redis.Addr != "" {
		rc, err := throttle.DialRedis(ctx, throttle.RedisConfig{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Prefix:   a.cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		counter = rc
	}
	return throttle.NewProcessor(rules, counter,
		throttle.WithDisabled(a.cfg.Throttling.Disabled),
		throttle.WithLogger(logger),
		throttle.WithMetrics(rec),
	), nil
}

// serve runs the node until ctx is done, then drains it: new messages are
// refused first, in-flight work finishes within the shutdown timeout, and the
// node ends STOPPED.
func (a *app) serve(ctx context.Context) error {
	defer a.close()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := a.pool.Start(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("hub listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, runErr)
	errs = append(errs, a.nodes.SetState(shutdownCtx, hub.NodeHandlesExistingMessages))
	errs = append(errs, a.server.Shutdown(shutdownCtx))
	errs = append(errs, a.scheduler.Stop(shutdownCtx))
	errs = append(errs, a.pool.Stop(shutdownCtx))
	errs = append(errs, a.engine.Stop(shutdownCtx))
	errs = append(errs, a.nodes.SetState(shutdownCtx, hub.NodeStopped))
	a.logger.Info("hub stopped")
	return errors.Join(errs...)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type admin struct {
	engine *lifecycle.Engine
}

// withAdmin runs fn against the configured database without starting any
// worker.
func withAdmin(g *Globals, fn func(ctx context.Context, a *admin) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.DriverPostgres {
		return hub.NewError(hub.ErrValidation, "admin commands require the postgres driver", nil, nil)
	}
	ctx := context.Background()
	logger := cfg.Logger(io.Discard)
	pg, err := openPg(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	engine, err := lifecycle.NewEngine(pg, cfg.LifecycleConfig(), lifecycle.WithLogger(logger))
	if err != nil {
		return err
	}
	return fn(ctx, &admin{engine: engine})
}

func openPg(ctx context.Context, cfg *config.Config, logger hub.Logger) (*store.PgStore, error) {
	pg, err := store.OpenPg(ctx, cfg.Store.DSN, store.WithPgLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
