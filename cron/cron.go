// Package cron schedules periodic hub jobs such as the repair scan.
package cron

import (
	"context"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/runner"
)

// Job is a scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps robfig/cron with cancelable handles and runner controls.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	logger       hub.Logger
	parser       Parser
	logLevel     LogLevel
	baseCtx      context.Context
	now          func() time.Time
	retry        runner.RetryStrategy

	nextHandleID int64
	handles      map[int64]*jobHandle
}

var defaultBackoff = runner.ExponentialBackoffStrategy{
	Base:   100 * time.Millisecond,
	Factor: 2,
	Max:    5 * time.Second,
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		logger:   hub.NewFmtLogger(nil),
		baseCtx:  context.Background(),
		now:      time.Now,
		retry:    runner.StopOnShutdown{Next: defaultBackoff},
		handles:  make(map[int64]*jobHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled job failed: %v", err)
		}
	}
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs job on the cron expression in cfg.
func (s *Scheduler) ScheduleCron(cfg hub.HandlerConfig, name string, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, hub.NewError(hub.ErrValidation, "cron expression cannot be empty", nil, map[string]any{"job": name})
	}
	run, err := s.buildRunnable(cfg, name, job)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle(name)
	entry := rcron.FuncJob(func() {
		if !sub.begin(s.now()) {
			return
		}
		sub.finish(run())
	})

	entryID, err := s.cron.AddJob(cfg.Expression, entry)
	if err != nil {
		return nil, hub.NewError(hub.ErrValidation, "invalid cron expression", err, map[string]any{
			"job":        name,
			"expression": cfg.Expression,
		})
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	s.logger.Info("scheduled %s on %q", name, cfg.Expression)
	return sub, nil
}

// Start begins executing cron jobs. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx != nil {
		s.mu.Lock()
		s.baseCtx = ctx
		s.mu.Unlock()
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler, waits for running jobs up to ctx and marks
// active handles as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	var handles []*jobHandle
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		handle.end(ScheduleStatusStopped)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) buildRunnable(cfg hub.HandlerConfig, name string, job Job) (func() error, error) {
	if job == nil {
		return nil, hub.NewError(hub.ErrValidation, "job cannot be nil", nil, map[string]any{"job": name})
	}
	opts := append([]runner.Option{runner.WithRetryStrategy(s.retry)}, runner.FromConfig(cfg)...)
	opts = append(opts,
		runner.WithLogger(s.logger),
		runner.WithErrorHandler(s.errorHandler),
	)
	h := runner.NewHandler(opts...)
	h.Name = name
	return func() error {
		return h.Run(s.context(), job)
	}, nil
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle != nil && handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(name string) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

// Handles returns the jobs that are still scheduled.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// build converts scheduler options to robfig/cron options.
func (s *Scheduler) build() []rcron.Option {
	opts := []rcron.Option{rcron.WithLocation(s.location)}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	logger := &loggerAdapter{logger: s.logger, level: s.logLevel}
	opts = append(opts,
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)
	return opts
}

// loggerAdapter adapts hub.Logger to the robfig/cron logger.
type loggerAdapter struct {
	logger hub.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	if l.level >= LogLevelDebug {
		l.logger.Debug("cron: %s %v", msg, keysAndValues)
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
	}
}

var _ rcron.Logger = (*loggerAdapter)(nil)
