package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/envdb/internal/datasync"
	"github.com/qualys/envdb/internal/models"
)

// Syncer runs a sync. datasync.Manager implements it.
type Syncer interface {
	SyncData(ctx context.Context, source, target models.Environment, opts datasync.Options) (*datasync.Result, error)
}

type WorkerConfig struct {
	Queue        *Queue
	Syncer       Syncer
	Logger       *slog.Logger
	PollInterval time.Duration
	StaleTimeout time.Duration
}

// Worker drains the queue one request at a time.
type Worker struct {
	id     string
	queue  *Queue
	syncer Syncer
	logger *slog.Logger

	pollInterval time.Duration
	staleTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 30 * time.Minute
	}

	return &Worker{
		id:           workerID,
		queue:        cfg.Queue,
		syncer:       cfg.Syncer,
		logger:       logger.With("component", "sync-worker", "worker_id", workerID),
		pollInterval: cfg.PollInterval,
		staleTimeout: cfg.StaleTimeout,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker already running")
	}
	w.running = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.logger.Info("worker starting")

	w.wg.Add(3)
	go w.heartbeatLoop(ctx)
	go w.processLoop(ctx)
	go w.cleanupLoop(ctx)
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopping")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	w.queue.Heartbeat(ctx, w.id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, w.id); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) processLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := w.ProcessNext(ctx)
				if err != nil {
					w.logger.Error("error processing sync request", "error", err)
				}
				if !processed || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

func (w *Worker) cleanupLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStale(ctx, w.staleTimeout)
			if err != nil {
				w.logger.Error("error cleaning stale requests", "error", err)
			} else if cleaned > 0 {
				w.logger.Info("requeued stale requests", "count", cleaned)
			}
		}
	}
}

// ProcessNext runs the next due request. It reports whether a request was taken.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	req, err := w.queue.Dequeue(ctx, w.id)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	logger := w.logger.With("request_id", req.ID, "source", req.Source, "target", req.Target)
	logger.Info("processing sync request", "attempt", req.Attempts+1)

	opts := req.Options
	opts.Caller = req.RequestedBy
	result, runErr := w.syncer.SyncData(ctx, req.Source, req.Target, opts)

	switch {
	case errors.Is(runErr, datasync.ErrSyncInProgress):
		// a scheduled run holds the guard; try again later
		logger.Info("sync in progress, requeuing")
		return true, w.queue.Requeue(ctx, req, runErr)
	case runErr != nil:
		logger.Warn("sync request refused", "error", runErr)
	case !result.Success:
		logger.Warn("sync request failed", "sync_id", result.SyncID, "error", result.Err())
	default:
		logger.Info("sync request completed", "sync_id", result.SyncID)
	}
	return true, w.queue.Complete(ctx, req, result, runErr)
}
