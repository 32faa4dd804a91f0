// Package scheduler runs recurring maintenance jobs on cron schedules: the nightly data
// sync between environments and audit log retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrNoHandler   = errors.New("no handler registered for job type")
)

type Job struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Schedule    string            `json:"schedule" db:"schedule"`
	JobType     JobType           `json:"job_type" db:"job_type"`
	Config      map[string]string `json:"config" db:"-"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty" db:"last_run"`
	NextRun     *time.Time        `json:"next_run,omitempty" db:"next_run"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

type JobType string

const (
	JobTypeSyncData   JobType = "sync_data"
	JobTypePurgeAudit JobType = "purge_audit"
)

type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// JobHandler runs one job. The returned string is kept as the execution output.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Store persists jobs and their execution history.
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser()),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start schedules every enabled job in the store and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if err := s.scheduleJob(job); err != nil {
			s.logger.Error("failed to schedule job", "job_id", job.ID, "job_name", job.Name, "error", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(jobs))
	return nil
}

// Stop stops the cron loop and waits for running jobs, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.store.ListJobs(ctx)
}

func (s *Scheduler) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Scheduler) Executions(ctx context.Context, id string, limit int) ([]*JobExecution, error) {
	return s.store.GetJobExecutions(ctx, id, limit)
}

func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if _, err := cronParser().Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

// EnsureJob creates job unless a job with the same name exists, and returns the stored job.
func (s *Scheduler) EnsureJob(ctx context.Context, job *Job) (*Job, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, existing := range jobs {
		if existing.Name == job.Name {
			return existing, nil
		}
	}
	if err := s.AddJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("seeded job", "job_id", job.ID, "job_name", job.Name, "job_type", job.JobType)
	return job, nil
}

func (s *Scheduler) UpdateJob(ctx context.Context, job *Job) error {
	s.unscheduleJob(job.ID)

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

func (s *Scheduler) EnableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	job.Enabled = true
	if err := s.scheduleJob(job); err != nil {
		return err
	}
	return s.store.UpdateJob(ctx, job)
}

func (s *Scheduler) DisableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	job.Enabled = false
	job.NextRun = nil
	s.unscheduleJob(id)
	return s.store.UpdateJob(ctx, job)
}

// RunJobNow starts a job in the background and returns once it is accepted.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(context.Background(), job)
	}()
	return nil
}

// RunJob executes a job synchronously and returns its execution record.
func (s *Scheduler) RunJob(ctx context.Context, id string) (*JobExecution, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.executeJob(ctx, job), nil
}

// GetNextRuns returns the next count activation times of a scheduled job.
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := entry.Next
	if next.IsZero() {
		next = entry.Schedule.Next(time.Now())
	}
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}
	return runs
}

func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	jobID := job.ID
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		// reload so edits made through the API take effect on the next run
		current, err := s.store.GetJob(context.Background(), jobID)
		if err != nil {
			s.logger.Error("failed to load scheduled job", "job_id", jobID, "error", err)
			return
		}
		s.executeJob(context.Background(), current)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.entries[job.ID] = entryID

	entry := s.cron.Entry(entryID)
	nextRun := entry.Next
	if nextRun.IsZero() {
		nextRun = entry.Schedule.Next(time.Now())
	}
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)
	return nil
}

func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) *JobExecution {
	startTime := time.Now()
	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: startTime,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "job_id", job.ID, "error", err)
	}

	logger := s.logger.With("job_id", job.ID, "job_name", job.Name, "execution_id", exec.ID)
	logger.Info("executing job")

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	var (
		output string
		err    error
	)
	if ok {
		output, err = handler(ctx, job)
	} else {
		err = fmt.Errorf("%w: %s", ErrNoHandler, job.JobType)
	}

	endTime := time.Now()
	exec.EndedAt = &endTime
	exec.Output = output
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		logger.Error("job execution failed", "error", err, "duration", endTime.Sub(startTime))
	} else {
		exec.Status = StatusCompleted
		logger.Info("job execution completed", "duration", endTime.Sub(startTime))
	}

	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		logger.Error("failed to update execution record", "error", err)
	}
	if err := s.store.UpdateLastRun(ctx, job.ID, startTime); err != nil {
		logger.Error("failed to update last run", "error", err)
	}
	return exec
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}
