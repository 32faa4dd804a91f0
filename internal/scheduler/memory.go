package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory. It is used when no control-plane database
// is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	executions map[string][]*JobExecution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*Job),
		executions: make(map[string][]*JobExecution),
	}
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return copyJob(job), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].Name < jobs[j].Name
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("creating job %s: name already in use", job.Name)
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	job.UpdatedAt = time.Now().UTC()
	job.CreatedAt = existing.CreatedAt
	job.LastRun = existing.LastRun
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.executions, id)
	return nil
}

func (s *MemoryStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.LastRun = &lastRun
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *exec
	s.executions[exec.JobID] = append(s.executions[exec.JobID], &stored)
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.executions[exec.JobID] {
		if e.ID == exec.ID {
			stored := *exec
			s.executions[exec.JobID][i] = &stored
			return nil
		}
	}
	return fmt.Errorf("execution %s not found", exec.ID)
}

func (s *MemoryStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.executions[jobID]
	if limit <= 0 {
		limit = len(all)
	}
	out := make([]*JobExecution, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		e := *all[i]
		out = append(out, &e)
	}
	return out, nil
}

func copyJob(job *Job) *Job {
	c := *job
	if job.Config != nil {
		c.Config = make(map[string]string, len(job.Config))
		for k, v := range job.Config {
			c.Config[k] = v
		}
	}
	return &c
}
