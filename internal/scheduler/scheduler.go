// Package scheduler drives the claim loop for the Store's ScheduledJob
// table (spec.md §4.2). Unlike the teacher's cron/event-trigger facing
// Scheduler, this one exists purely to pop due rows on a fixed-delay
// cadence and dispatch them by symbolic function name to an
// engine-internal handler.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
)

// JobFunc is the handler registered for a ScheduledJob.FuncName.
type JobFunc func(ctx context.Context, args map[string]any) error

// Scheduler polls the Store for due ScheduledJob rows and dispatches each
// by symbolic name, per the §9 design note's dispatch registry.
type Scheduler struct {
	store *store.Store
	cron  *cron.Cron

	mu       sync.RWMutex
	registry map[string]JobFunc

	claimLimit   int
	staleAfter   time.Duration
	scheduleRuns metric.Int64Counter
	scheduleFail metric.Int64Counter
	tracer       trace.Tracer
}

// New builds a Scheduler backed by st, polling every tick for due jobs
// (claiming up to claimLimit per tick) and recapturing jobs stuck in
// Processing for longer than staleAfter.
func New(st *store.Store, meter metric.Meter, claimLimit int, staleAfter time.Duration) *Scheduler {
	runs, _ := meter.Int64Counter("mistral_schedule_runs_total")
	fails, _ := meter.Int64Counter("mistral_schedule_failures_total")
	return &Scheduler{
		store:        st,
		cron:         cron.New(cron.WithSeconds()),
		registry:     make(map[string]JobFunc),
		claimLimit:   claimLimit,
		staleAfter:   staleAfter,
		scheduleRuns: runs,
		scheduleFail: fails,
		tracer:       otel.Tracer("mistral-scheduler"),
	}
}

// Register binds a symbolic function name to a handler. Call before
// Start. New leaves the registry empty; the engine facade registers its
// job kinds (checkAndComplete, startWorkflow, checkAndFixIntegrity,
// retryTask) once at startup.
func (s *Scheduler) Register(name string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[name] = fn
}

// Schedule enqueues a job to run after delay, deduplicated by key if
// non-empty. Must be called from inside an active store.Transaction so it
// commits atomically alongside whatever state change triggered it; the
// job only becomes visible to claimers once that transaction commits.
func (s *Scheduler) Schedule(ctx context.Context, tx *store.TxHandle, key, funcName string, args map[string]any, delay time.Duration) error {
	now := time.Now()
	job := &model.ScheduledJob{
		ID:        model.NewID(),
		Key:       key,
		RunAfter:  delay,
		ExecuteAt: now.Add(delay),
		FuncName:  funcName,
		FuncArgs:  args,
		CreatedAt: now,
	}
	_, err := s.store.ScheduleJob(ctx, tx, job)
	return err
}

// Start begins the cron-driven poll loop: a 1-second tick claims due jobs
// and dispatches them, and a 30-second tick runs the abandoned-capture
// recovery sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1s", func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: add claim tick: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 30s", func() { s.recoverAbandoned(ctx) }); err != nil {
		return fmt.Errorf("scheduler: add recovery tick: %w", err)
	}
	s.cron.Start()
	slog.Info("scheduler started")
	return nil
}

// Stop gracefully drains in-flight ticks.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	var claimed []*model.ScheduledJob
	err := s.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		claimed, err = s.store.ClaimDue(ctx, tx, time.Now(), s.claimLimit)
		return err
	})
	if err != nil {
		slog.Error("scheduler: claim tick failed", "error", err)
		return
	}
	for _, job := range claimed {
		s.dispatch(ctx, job)
	}
}

func (s *Scheduler) recoverAbandoned(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.recover_abandoned")
	defer span.End()

	var reset int
	err := s.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		reset, err = s.store.RecaptureAbandoned(ctx, tx, time.Now(), s.staleAfter)
		return err
	})
	if err != nil {
		slog.Error("scheduler: recovery sweep failed", "error", err)
		return
	}
	if reset > 0 {
		slog.Warn("scheduler: recaptured abandoned jobs", "count", reset)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job *model.ScheduledJob) {
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch",
		trace.WithAttributes(attribute.String("func_name", job.FuncName)))
	defer span.End()

	s.mu.RLock()
	fn, ok := s.registry[job.FuncName]
	s.mu.RUnlock()
	if !ok {
		slog.Error("scheduler: no handler registered", "func_name", job.FuncName)
		s.scheduleFail.Add(ctx, 1, metric.WithAttributes(attribute.String("func_name", job.FuncName)))
		return
	}

	if err := fn(ctx, job.FuncArgs); err != nil {
		slog.Error("scheduled job failed", "func_name", job.FuncName, "job_id", job.ID, "error", err)
		s.scheduleFail.Add(ctx, 1, metric.WithAttributes(attribute.String("func_name", job.FuncName)))
		return
	}

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("func_name", job.FuncName)))
	if err := s.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		return s.store.ReleaseJob(ctx, tx, job)
	}); err != nil {
		slog.Error("scheduler: release job failed", "job_id", job.ID, "error", err)
	}
}
