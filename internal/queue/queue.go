// Package queue is a Redis-backed queue of sync requests. Requests submitted through the
// API are drained one at a time by a Worker, so concurrent submissions never overlap.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/qualys/envdb/internal/datasync"
	"github.com/qualys/envdb/internal/models"
)

const (
	DefaultPrefix = "envdb:sync"
	MaxAttempts   = 3
	progressTTL   = 24 * time.Hour
)

var ErrRequestNotFound = errors.New("sync request not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Queue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewFromClient(client, cfg.Prefix), nil
}

func NewFromClient(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Queue{client: client, prefix: prefix, now: time.Now}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) key(name string) string {
	return q.prefix + ":" + name
}

// Request is one queued sync.
type Request struct {
	ID          string             `json:"id"`
	Source      models.Environment `json:"source"`
	Target      models.Environment `json:"target"`
	Options     datasync.Options   `json:"options"`
	RequestedBy *models.Caller     `json:"requested_by,omitempty"`
	Priority    int                `json:"priority"`
	CreatedAt   time.Time          `json:"created_at"`
	Attempts    int                `json:"attempts"`
}

// Progress is the externally visible state of a request.
type Progress struct {
	RequestID   string           `json:"request_id"`
	Status      Status           `json:"status"`
	SyncID      string           `json:"sync_id,omitempty"`
	TableCounts map[string]int64 `json:"table_counts,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
	Attempts    int              `json:"attempts"`
	WorkerID    string           `json:"worker_id,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Enqueue stores the request and schedules it. Higher priority is dequeued first.
func (q *Queue) Enqueue(ctx context.Context, req *Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = q.now().UTC()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	score := float64(q.now().Unix()) - float64(req.Priority*1000)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.key("requests"), req.ID, data)
	pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: score, Member: req.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing request: %w", err)
	}

	return q.UpdateProgress(ctx, &Progress{RequestID: req.ID, Status: StatusPending})
}

// Dequeue claims the next due request, or returns nil when none is due.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Request, error) {
	due, err := q.client.ZRangeByScore(ctx, q.key("pending"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().Unix(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing request: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}

	id := due[0]
	removed, err := q.client.ZRem(ctx, q.key("pending"), id).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming request: %w", err)
	}
	if removed == 0 {
		// another worker claimed it first
		return nil, nil
	}

	req, err := q.request(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.client.SAdd(ctx, q.key("processing"), id).Err(); err != nil {
		q.client.ZAdd(ctx, q.key("pending"), redis.Z{Score: float64(q.now().Unix()), Member: id})
		return nil, fmt.Errorf("marking request as processing: %w", err)
	}

	now := q.now().UTC()
	_ = q.UpdateProgress(ctx, &Progress{
		RequestID: id,
		Status:    StatusRunning,
		Attempts:  req.Attempts,
		WorkerID:  workerID,
		StartedAt: &now,
	})
	return req, nil
}

// Complete moves a request to the completed or failed set and records the sync result.
func (q *Queue) Complete(ctx context.Context, req *Request, result *datasync.Result, runErr error) error {
	success := runErr == nil && result != nil && result.Success
	target, status := q.key("completed"), StatusCompleted
	if !success {
		target, status = q.key("failed"), StatusFailed
	}

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.key("processing"), req.ID)
	pipe.SAdd(ctx, target, req.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("completing request: %w", err)
	}

	progress, _ := q.GetProgress(ctx, req.ID)
	if progress == nil {
		progress = &Progress{RequestID: req.ID}
	}
	now := q.now().UTC()
	progress.Status = status
	progress.CompletedAt = &now
	progress.Attempts = req.Attempts
	if result != nil {
		progress.SyncID = result.SyncID
		progress.TableCounts = result.TableCounts
		for _, e := range result.Errors {
			progress.Errors = append(progress.Errors, e.Phase+" "+e.Table+": "+e.Message)
		}
		for _, issue := range result.ConsistencyIssues {
			progress.Errors = append(progress.Errors, fmt.Sprintf("%s %s: expected %d got %d", issue.Type, issue.Table, issue.Expected, issue.Actual))
		}
	}
	if runErr != nil {
		progress.Errors = append(progress.Errors, runErr.Error())
	}
	return q.UpdateProgress(ctx, progress)
}

// Requeue schedules a retry with linear backoff, or fails the request after MaxAttempts.
func (q *Queue) Requeue(ctx context.Context, req *Request, reason error) error {
	req.Attempts++
	if req.Attempts >= MaxAttempts {
		return q.Complete(ctx, req, nil, fmt.Errorf("giving up after %d attempts: %w", req.Attempts, reason))
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	backoff := time.Duration(req.Attempts*30) * time.Second
	score := float64(q.now().Add(backoff).Unix())

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.key("processing"), req.ID)
	pipe.HSet(ctx, q.key("requests"), req.ID, data)
	pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: score, Member: req.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeuing request: %w", err)
	}

	progress, _ := q.GetProgress(ctx, req.ID)
	if progress == nil {
		progress = &Progress{RequestID: req.ID}
	}
	progress.Status = StatusPending
	progress.Attempts = req.Attempts
	progress.Errors = append(progress.Errors, reason.Error())
	return q.UpdateProgress(ctx, progress)
}

func (q *Queue) UpdateProgress(ctx context.Context, progress *Progress) error {
	progress.UpdatedAt = q.now().UTC()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}
	if err := q.client.Set(ctx, q.key("progress:"+progress.RequestID), data, progressTTL).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

// GetProgress returns nil without error for unknown or expired requests.
func (q *Queue) GetProgress(ctx context.Context, id string) (*Progress, error) {
	data, err := q.client.Get(ctx, q.key("progress:"+id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var progress Progress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}
	return &progress, nil
}

func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.key("pending"))
	processing := pipe.SCard(ctx, q.key("processing"))
	completed := pipe.SCard(ctx, q.key("completed"))
	failed := pipe.SCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading queue stats: %w", err)
	}

	return map[string]int64{
		"pending":    pending.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, q.key("workers"), workerID, q.now().Unix()).Err()
}

// ActiveWorkers returns workers whose last heartbeat is newer than timeout.
func (q *Queue) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, q.key("workers")).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := q.now().Add(-timeout).Unix()
	for workerID, lastSeen := range workers {
		ts, err := strconv.ParseInt(lastSeen, 10, 64)
		if err == nil && ts > cutoff {
			active = append(active, workerID)
		}
	}
	return active, nil
}

// CleanupStale requeues processing requests whose progress has not moved for timeout,
// typically because their worker died.
func (q *Queue) CleanupStale(ctx context.Context, timeout time.Duration) (int, error) {
	ids, err := q.client.SMembers(ctx, q.key("processing")).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing requests: %w", err)
	}

	cleaned := 0
	for _, id := range ids {
		progress, err := q.GetProgress(ctx, id)
		if err != nil || (progress != nil && q.now().Sub(progress.UpdatedAt) <= timeout) {
			continue
		}
		req, err := q.request(ctx, id)
		if err != nil {
			q.client.SRem(ctx, q.key("processing"), id)
			continue
		}
		if err := q.Requeue(ctx, req, errors.New("worker stopped responding")); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}

func (q *Queue) request(ctx context.Context, id string) (*Request, error) {
	data, err := q.client.HGet(ctx, q.key("requests"), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshaling request: %w", err)
	}
	return &req, nil
}
