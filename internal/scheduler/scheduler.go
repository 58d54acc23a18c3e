package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/hookscript/internal/script"
)

const (
	DefaultTickInterval  = time.Second
	DefaultMaxConcurrent = 8
)

// Config controls the scheduler
type Config struct {
	// TickInterval is how often the job table is scanned for due jobs
	TickInterval time.Duration
	// MaxConcurrent bounds dispatches in flight across all jobs
	MaxConcurrent int
	// Timezone is an IANA zone name used to evaluate cron expressions
	Timezone string
}

// Runner executes a loaded script. *script.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, s *script.Script, execCtx script.ExecutionContext, entity *script.EntityProxy) *script.ExecutionResult
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler dispatches active cron-triggered scripts when they fall due.
// Each tick claims every due, idle job and runs it in its own goroutine; a
// job is never dispatched again while a previous run is in flight.
type Scheduler struct {
	catalogue script.Catalogue
	runner    Runner
	cfg       Config
	loc       *time.Location
	now       func() time.Time
	log       *slog.Logger

	mu   sync.RWMutex
	jobs map[script.ScriptID]*job

	slots    chan struct{}
	inflight sync.WaitGroup

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// New creates a stopped scheduler
func New(catalogue script.Catalogue, runner Runner, cfg Config, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	s := &Scheduler{
		catalogue: catalogue,
		runner:    runner,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.Default().With("component", "scheduler"),
		jobs:      make(map[script.ScriptID]*job),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func loadLocation(name string, log *slog.Logger) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("Invalid scheduler timezone, using local time", "timezone", name, "error", err)
		return time.Local
	}
	return loc
}

// Start loads the job table and begins ticking. Starting a started
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel != nil {
		s.log.Warn("Scheduler already started")
		return nil
	}

	if err := s.LoadJobs(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(runCtx, s.loopDone)

	s.log.Info("Scheduler started",
		"tick", s.cfg.TickInterval,
		"max_concurrent", s.cfg.MaxConcurrent,
		"timezone", s.loc.String(),
		"jobs", s.jobCount(),
	)
	return nil
}

// Stop halts ticking and waits for in-flight dispatches, or for ctx to
// expire, whichever comes first
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	cancel, loopDone := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.lifecycle.Unlock()

	if cancel == nil {
		return nil
	}
	start := time.Now()
	cancel()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.log.Info("Scheduler stopped", "took", time.Since(start))
		return nil
	case <-ctx.Done():
		s.log.Warn("Scheduler stopped with dispatches still running", "error", ctx.Err())
		return ctx.Err()
	}
}

// Running reports whether the tick loop is active
func (s *Scheduler) Running() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// LoadJobs rebuilds the job table from the catalogue's scheduled scripts.
// Scripts whose expression does not parse are skipped with a warning. Jobs
// that survive a reload keep their running state.
func (s *Scheduler) LoadJobs(ctx context.Context) error {
	scripts, err := s.catalogue.Find(ctx, script.Scheduled())
	if err != nil {
		return fmt.Errorf("failed to load scheduled scripts: %w", err)
	}

	now := s.now().In(s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make(map[script.ScriptID]*job, len(scripts))
	for _, sc := range scripts {
		expr := strings.TrimSpace(sc.Trigger.Expression)
		schedule, err := ParseExpression(expr)
		if err != nil {
			script.LogLifecycle(slog.LevelWarn, "Skipping script with invalid cron expression", sc.Name,
				slog.String("script_id", string(sc.ID)),
				slog.String("expression", expr),
				slog.String("error", err.Error()),
			)
			continue
		}

		if existing, ok := s.jobs[sc.ID]; ok {
			existing.update(sc.Name, expr, schedule, now)
			jobs[sc.ID] = existing
			continue
		}

		jobs[sc.ID] = &job{
			scriptID:   sc.ID,
			scriptName: sc.Name,
			expression: expr,
			schedule:   schedule,
			nextRun:    schedule.Next(now),
		}
	}

	s.jobs = jobs
	s.log.Debug("Job table loaded", "jobs", len(jobs), "scripts", len(scripts))
	return nil
}

// Reload is a catalogue change listener
func (s *Scheduler) Reload() {
	if err := s.LoadJobs(context.Background()); err != nil {
		s.log.Error("Failed to reload jobs", "error", err)
	}
}

// Tick dispatches every job that is due and idle. It returns the number of
// dispatches started. Jobs that find no free dispatch slot stay due for the
// next tick. Dispatches do not inherit ctx's cancellation: a started run is
// bounded by the engine timeout only.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now().In(s.loc)
	runCtx := context.WithoutCancel(ctx)

	s.mu.RLock()
	candidates := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		candidates = append(candidates, j)
	}
	s.mu.RUnlock()

	dispatched := 0
	for _, j := range candidates {
		if !j.claim(now) {
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			j.release()
			s.log.Debug("No dispatch slot free, deferring job", "script", j.name())
			continue
		}

		dispatched++
		s.inflight.Add(1)
		go func(j *job) {
			defer s.inflight.Done()
			defer func() { <-s.slots }()
			s.dispatch(runCtx, j, now)
		}(j)
	}
	return dispatched
}

func (s *Scheduler) dispatch(ctx context.Context, j *job, ranAt time.Time) {
	sc, err := s.catalogue.Get(ctx, j.scriptID)
	if err != nil {
		s.log.Error("Failed to load scheduled script",
			"script", j.name(),
			"script_id", j.scriptID,
			"error", err,
		)
		j.reschedule(s.now().In(s.loc))
		return
	}

	result := s.runner.Execute(ctx, sc, script.NewExecutionContext(script.PhaseScheduled), nil)
	j.finish(ranAt, s.now().In(s.loc), result.Outcome.Kind)

	if result.Outcome.Kind != script.OutcomeSuccess {
		s.log.Warn("Scheduled script did not succeed",
			"script", sc.Name,
			"outcome", result.Outcome.Kind,
			"reason", result.Outcome.Reason,
			"duration", result.Duration(),
		)
	}
}

// Status returns a snapshot of the job table sorted by script name
func (s *Scheduler) Status() []ScheduledJob {
	s.mu.RLock()
	out := make([]ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].ScriptName < out[b].ScriptName
	})
	return out
}

func (s *Scheduler) jobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// wait blocks until every dispatch started so far has finished
func (s *Scheduler) wait() {
	s.inflight.Wait()
}
