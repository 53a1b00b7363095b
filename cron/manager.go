package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-vault-worker/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Option func(*Runner)

// WithClock replaces the clock used to clamp jobs armed in the past.
func WithClock(clock types.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// Runner arms one-shot jobs on a robfig/cron scheduler. Pending jobs live in
// memory only and are dropped by Stop.
type Runner struct {
	logger          types.Logger
	metrics         types.MetricsManager
	clock           types.Clock
	cron            *cron.Cron
	timezone        *time.Location
	jobs            map[cron.EntryID]*types.JobEntry
	state           atomic.Value
	mu              sync.Mutex
	shutdown        chan struct{}
	shutdownOnce    sync.Once
	shutdownTimeout time.Duration
}

func NewRunner(logger types.Logger, metrics types.MetricsManager, timezone string, opts ...Option) *Runner {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("Unknown timezone, using UTC", zap.String("timezone", timezone))
		location = time.UTC
	}

	cronL := cronLogger{logger: logger}

	r := &Runner{
		logger:  logger,
		metrics: metrics,
		clock:   types.SystemClock{},
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(cronL),
			cron.WithChain(cron.Recover(cronL)),
		),
		timezone:        location,
		jobs:            make(map[cron.EntryID]*types.JobEntry),
		shutdown:        make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
	}
	r.state.Store(StateStopped)

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Runner) Start() error {
	if !r.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	select {
	case <-r.shutdown:
		r.setState(StateStopped)
		return types.ErrCronSchedulerStopped
	default:
	}

	r.cron.Start()
	r.setState(StateRunning)

	r.logger.Info("Deferred runner started", zap.String("timezone", r.timezone.String()))
	return nil
}

func (r *Runner) Stop() error {
	if !r.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	var err error
	r.shutdownOnce.Do(func() {
		defer r.setState(StateStopped)
		close(r.shutdown)

		err = r.stop()

		r.mu.Lock()
		dropped := len(r.jobs)
		r.jobs = make(map[cron.EntryID]*types.JobEntry)
		r.mu.Unlock()
		r.setActiveGauge(0)

		r.logger.Info("Deferred runner stopped", zap.Int("dropped_jobs", dropped))
	})

	return err
}

func (r *Runner) IsRunning() bool {
	return r.getState() == StateRunning
}

func (r *Runner) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stopCtx := r.cron.Stop()

		select {
		case <-stopCtx.Done():
			return nil
		case <-gCtx.Done():
			return types.Errorf(types.ErrComponentStopFailed, "deferred jobs still running after %v", r.shutdownTimeout)
		}
	})

	if err := g.Wait(); err != nil {
		r.logger.Warn("Deferred runner stop timeout", zap.Error(err))
		return err
	}
	return nil
}

// Once arms job to run a single time at the given instant. An instant that
// has already passed fires on the next scheduler tick.
func (r *Runner) Once(jobName string, at time.Time, job func()) (cron.EntryID, error) {
	if jobName == "" {
		return 0, types.ErrCronJobNameIsEmpty
	}
	if job == nil {
		return 0, types.ErrCronJobIsNil
	}
	if now := r.clock.Now(); at.Before(now) {
		at = now
	}

	select {
	case <-r.shutdown:
		return 0, types.ErrCronSchedulerStopped
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var id cron.EntryID
	id = r.cron.Schedule(&onceSchedule{at: at}, cron.FuncJob(r.wrapJob(jobName, &id, job)))

	r.jobs[id] = &types.JobEntry{
		ID:      id,
		Name:    jobName,
		At:      at,
		Job:     job,
		AddedAt: r.clock.Now(),
	}
	r.setActiveGauge(float64(len(r.jobs)))

	r.logger.Debug("Deferred job armed",
		zap.String("job_name", jobName),
		zap.Time("at", at),
		zap.Int("entry_id", int(id)))

	return id, nil
}

// Cancel disarms a pending job. It reports false when the job already fired or never existed.
func (r *Runner) Cancel(id cron.EntryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.jobs[id]
	if !ok {
		return false
	}

	delete(r.jobs, id)
	r.cron.Remove(id)
	r.setActiveGauge(float64(len(r.jobs)))

	r.logger.Debug("Deferred job cancelled", zap.String("job_name", entry.Name))
	return true
}

func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Jobs lists pending jobs ordered by fire time.
func (r *Runner) Jobs() []types.JobEntry {
	r.mu.Lock()
	entries := make([]types.JobEntry, 0, len(r.jobs))
	for _, entry := range r.jobs {
		entries = append(entries, *entry)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})
	return entries
}

func (r *Runner) wrapJob(jobName string, id *cron.EntryID, job func()) func() {
	return func() {
		r.mu.Lock()
		entry, ok := r.jobs[*id]
		if ok {
			delete(r.jobs, *id)
			r.setActiveGauge(float64(len(r.jobs)))
		}
		r.mu.Unlock()

		if !ok {
			return
		}
		r.cron.Remove(entry.ID)

		select {
		case <-r.shutdown:
			r.logger.Info("Job skipped due to shutdown", zap.String("job_name", jobName))
			return
		default:
		}

		start := time.Now()
		result := "success"

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					result = "error"
					r.logger.Error("Deferred job panicked",
						zap.String("job_name", jobName),
						zap.Any("panic", rec))
				}
			}()
			job()
		}()

		r.incExecutions(result)
		r.logger.Debug("Deferred job completed",
			zap.String("job_name", jobName),
			zap.Duration("late_by", start.Sub(entry.At)),
			zap.Duration("duration", time.Since(start)))
	}
}

func (r *Runner) getState() State {
	return r.state.Load().(State)
}

func (r *Runner) setState(newState State) {
	r.state.Store(newState)
}

func (r *Runner) transitionState(from, to State) bool {
	return r.state.CompareAndSwap(from, to)
}

func (r *Runner) setActiveGauge(value float64) {
	if r.metrics == nil {
		return
	}
	r.metrics.Gauge("deferred_jobs_active", nil).Set(value)
}

func (r *Runner) incExecutions(result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.Counter("deferred_job_executions_total", map[string]string{"result": result}).Inc()
}

// onceSchedule yields its instant exactly once, even when the scheduler asks
// after it has passed. Every later call returns the zero time, which cron
// treats as never.
type onceSchedule struct {
	at      time.Time
	yielded atomic.Bool
}

func (s *onceSchedule) Next(time.Time) time.Time {
	if s.yielded.Swap(true) {
		return time.Time{}
	}
	return s.at
}

type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
