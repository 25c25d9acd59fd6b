// Package jobs runs audits on a bounded worker pool and streams their
// progress events to subscribers.
package jobs

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"geoaudit/internal/config"
	"geoaudit/internal/fault"
	"geoaudit/internal/metrics"
	"geoaudit/internal/model"
)

// maxAttempts bounds how often one audit is retried on infrastructure
// faults. Audit-level failures (bad seed, blocked address) never retry.
const maxAttempts = 3

// Runner executes one audit attempt.
type Runner interface {
	Run(ctx context.Context, auditID int64, emit func(stage string, progress int, message string)) error
	MarkFailed(ctx context.Context, auditID int64, runErr error)
}

// Manager owns the queue, the worker pool, the cancel registry, and the
// event bus.
type Manager struct {
	queue  chan model.AuditJob
	runner Runner
	bus    *Bus
	logger *slog.Logger

	heartbeat time.Duration

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	stopped bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(cfg config.WorkerConfig, events config.EventsConfig, runner Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	heartbeat := time.Duration(events.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	baseCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		queue:     make(chan model.AuditJob, queueSize),
		runner:    runner,
		bus:       NewBus(events.Buffer, time.Duration(events.SubscriptionTTLMin)*time.Minute),
		logger:    logger,
		heartbeat: heartbeat,
		cancels:   make(map[int64]context.CancelFunc),
		baseCtx:   baseCtx,
		stop:      stop,
	}

	workers := cfg.PoolSize
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m
}

// Submit enqueues an audit. A full queue rejects instead of blocking the
// API handler.
func (m *Manager) Submit(auditID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return fault.Errorf(fault.Conflict, "jobs", "manager is shutting down")
	}

	job := model.AuditJob{AuditID: auditID, SubmittedAt: time.Now().UTC(), Attempt: 1}
	select {
	case m.queue <- job:
		return nil
	default:
		return fault.Errorf(fault.RateLimited, "jobs", "audit queue is full")
	}
}

// Cancel aborts a running audit. Queued audits are not yet registered
// and report not_found.
func (m *Manager) Cancel(auditID int64) error {
	m.mu.Lock()
	cancel, ok := m.cancels[auditID]
	m.mu.Unlock()
	if !ok {
		return fault.Errorf(fault.NotFound, "jobs", "audit %d is not running", auditID)
	}
	cancel()
	return nil
}

// Subscribe attaches to an audit's progress stream.
func (m *Manager) Subscribe(auditID int64) (<-chan model.ProgressEvent, func()) {
	return m.bus.Subscribe(auditID)
}

// Shutdown drains queued work, bounded by ctx; an expired ctx aborts
// in-flight audits.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.queue)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.stop()
		<-done
	}
	m.stop()
	m.bus.Close()
	return ctx.Err()
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for job := range m.queue {
		m.runJob(job)
	}
}

func (m *Manager) runJob(job model.AuditJob) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	defer cancel()

	m.mu.Lock()
	m.cancels[job.AuditID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, job.AuditID)
		m.mu.Unlock()
	}()

	hbStop := m.startHeartbeat(ctx, job.AuditID)
	defer hbStop()

	emit := func(stage string, progress int, message string) {
		status := model.StatusRunning
		if progress >= 100 {
			status = model.StatusCompleted
		}
		m.bus.Publish(job.AuditID, model.ProgressEvent{
			Stage:    stage,
			Progress: progress,
			Message:  message,
			Status:   status,
		})
	}

	// Exponential backoff with full jitter, capped at 60s; only
	// infrastructure faults are retried.
	backoff := retry.WithMaxRetries(maxAttempts-1,
		fullJitter(retry.WithCappedDuration(60*time.Second,
			retry.NewExponential(2*time.Second))))

	attempt := 0
	runErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := m.runner.Run(ctx, job.AuditID, emit)
		if err == nil {
			return nil
		}
		if fault.Retryable(fault.KindOf(err)) && ctx.Err() == nil {
			m.logger.Warn("audit attempt failed, retrying",
				"audit_id", job.AuditID, "attempt", attempt, "err", err)
			metrics.RecordJobRetry()
			return retry.RetryableError(err)
		}
		return err
	})

	if runErr != nil {
		m.runner.MarkFailed(ctx, job.AuditID, runErr)
		m.bus.Publish(job.AuditID, model.ProgressEvent{
			Stage:    "finalize",
			Progress: 100,
			Message:  runErr.Error(),
			Status:   model.StatusFailed,
		})
	}
}

// fullJitter draws each delay uniformly from [0, d], where d is the
// capped exponential delay produced by the wrapped backoff.
func fullJitter(next retry.Backoff) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop || d <= 0 {
			return d, stop
		}
		return time.Duration(rand.Int63n(int64(d) + 1)), false
	})
}

// startHeartbeat keeps idle SSE connections alive during long stages.
func (m *Manager) startHeartbeat(ctx context.Context, auditID int64) func() {
	ticker := time.NewTicker(m.heartbeat)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if m.bus.Subscribers(auditID) > 0 {
					m.bus.Publish(auditID, model.ProgressEvent{
						Stage:  "heartbeat",
						Status: model.StatusRunning,
					})
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
