package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a named periodic sweep.
type Job struct {
	Name     string
	Schedule string // cron expression or descriptor; empty disables the job
	Run      func(ctx context.Context) error
}

// Scheduler runs the periodic sweeps: batch detection, baseline refresh,
// retention, model refit and the churn rule monitor.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Register adds a job. Jobs with an empty schedule are skipped.
func (s *Scheduler) Register(job Job) error {
	if job.Schedule == "" {
		s.logger.Info("scheduled job disabled", zap.String("job", job.Name))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Schedule, err)
	}
	s.entries[job.Name] = id
	s.logger.Debug("registered scheduled job", zap.String("job", job.Name), zap.String("schedule", job.Schedule))
	return nil
}

// Trigger runs a registered job now, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not registered", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) run(job Job) {
	log := s.logger.With(zap.String("job", job.Name))
	log.Info("running scheduled job")
	if err := job.Run(s.ctx); err != nil {
		log.Error("scheduled job failed", zap.Error(err))
		return
	}
	log.Info("scheduled job finished")
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
