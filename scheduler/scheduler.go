package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/conductor"
)

// TaskFunc runs one scheduled task and reports how many items it processed.
type TaskFunc func(ctx context.Context, now time.Time) (int, error)

// Processor is the set of engine timer entry points the scheduler drives.
type Processor interface {
	ProcessAutoRetries(ctx context.Context, now time.Time) (int, error)
	ProcessDuePolls(ctx context.Context, now time.Time) (int, error)
	ProcessPauseTimeouts(ctx context.Context, now time.Time) (int, error)
	ProcessStepTimeouts(ctx context.Context, now time.Time) (int, error)
}

// Task names registered by ForProcessor.
const (
	TaskAutoRetries   = "auto_retries"
	TaskDuePolls      = "due_polls"
	TaskPauseTimeouts = "pause_timeouts"
	TaskStepTimeouts  = "step_timeouts"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due tasks.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type task struct {
	name     string
	schedule string
	sched    cronlib.Schedule
	run      TaskFunc
	next     time.Time
}

// Scheduler runs tasks on a tick loop.
type Scheduler struct {
	logger       *slog.Logger
	tickInterval time.Duration
	now          func() time.Time

	mu    sync.Mutex
	tasks []*task

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates an empty Scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:       logger,
		tickInterval: time.Second,
		now:          conductor.Now,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForProcessor creates a Scheduler with one task per engine timer entry
// point, scheduled by cfg. An empty expression disables that task.
func ForProcessor(p Processor, cfg conductor.ScheduleConfig, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	s := New(logger, opts...)
	tasks := []struct {
		name string
		expr string
		fn   TaskFunc
	}{
		{TaskAutoRetries, cfg.AutoRetries, p.ProcessAutoRetries},
		{TaskDuePolls, cfg.DuePolls, p.ProcessDuePolls},
		{TaskPauseTimeouts, cfg.PauseTimeouts, p.ProcessPauseTimeouts},
		{TaskStepTimeouts, cfg.StepTimeouts, p.ProcessStepTimeouts},
	}
	for _, t := range tasks {
		if t.expr == "" {
			continue
		}
		if err := s.Add(t.name, t.expr, t.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a task. Its first run is the schedule's next activation
// after the current time.
func (s *Scheduler) Add(name, expr string, fn TaskFunc) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("scheduler: task %q: parse %q: %w", name, expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("scheduler: task %q already registered", name)
		}
	}
	s.tasks = append(s.tasks, &task{
		name:     name,
		schedule: expr,
		sched:    sched,
		run:      fn,
		next:     sched.Next(s.now()),
	})
	return nil
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.name
	}
	return names
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("tasks", len(s.Tasks())),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the running tick to
// finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick runs every task due at now and advances each run task's next
// activation. It returns the names of the tasks that ran.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if !t.next.After(now) {
			due = append(due, t)
			t.next = t.sched.Next(now)
		}
	}
	s.mu.Unlock()

	ran := make([]string, 0, len(due))
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		s.runTask(ctx, t, now)
		ran = append(ran, t.name)
	}
	return ran
}

func (s *Scheduler) runTask(ctx context.Context, t *task, now time.Time) {
	start := time.Now()
	n, err := t.run(ctx, now)
	if err != nil {
		s.logger.Error("scheduled task failed",
			slog.String("task", t.name),
			slog.String("schedule", t.schedule),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.Info("scheduled task processed items",
			slog.String("task", t.name),
			slog.Int("processed", n),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
