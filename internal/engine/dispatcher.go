package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"transferd/internal/infrastructure/lock"
	"transferd/internal/infrastructure/metrics"
	"transferd/internal/model"
	"transferd/pkg/idgen"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrDispatcherStopped = errors.New("dispatcher is stopped")
	ErrJobNotFound       = errors.New("transfer job not found")
	ErrJobNotCancelable  = errors.New("only queued jobs can be cancelled")
)

type DispatcherConfig struct {
	// Workers bounds how many jobs execute at once across all accounts.
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	LockTTL     time.Duration
	KeyPrefix   string
	// Retention is how long terminal jobs stay in memory for Status.
	Retention time.Duration
	// HeartbeatInterval is how often live jobs get their persisted updated_at
	// refreshed. Defaults to LockTTL/3; it must stay well under the staleness
	// window startup recovery uses.
	HeartbeatInterval time.Duration
}

// JobRecorder receives a snapshot on every status change, and a heartbeat
// for every job this process still owns.
type JobRecorder interface {
	Record(ctx context.Context, job *model.TransferJob) error
	Touch(ctx context.Context, jobIDs []string, at time.Time) error
}

// keyQueue is the FIFO of jobs sharing one uniqueness key. wake interrupts
// the head's backoff when the head is cancelled.
type keyQueue struct {
	jobs []*model.TransferJob
	wake chan struct{}
}

// ============================================================================
// Dispatch queue
// ============================================================================
//
// 【Scheduling】
//
//   Submit appends the job to its sender's FIFO and returns at once.
//   Each non-empty FIFO has exactly one driver goroutine, which takes the head,
//   acquires the sender lock and hands the job to the executor. The next job of
//   that sender starts only after the head reached a terminal status.
//
//   Different senders have different drivers and run in parallel, bounded by
//   Workers. The same sender never has two running jobs in this process (one
//   driver) nor across processes (the lock).
//
// 【Contention】
//
//   The lock can still be held by another process, or by a crashed holder
//   until its TTL runs out. Then the head stays at the head, attempt_count is
//   bumped and the driver backs off. Past MaxAttempts the job fails with
//   contention_exhausted and the next job of the FIFO gets its turn. When most
//   refusals came from the lock backend itself (Redis down), the reason is
//   lock_unavailable instead.
//
// 【Ownership】
//
//   While Start runs, every queued or running job of this process gets its
//   updated_at refreshed each HeartbeatInterval. Startup recovery on another
//   process only adopts rows older than the lock TTL, so it leaves these alone.
//
// ============================================================================

type Dispatcher struct {
	cfg      DispatcherConfig
	locker   lock.Manager
	executor *Executor
	recorder JobRecorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	jobs     map[string]*model.TransferJob
	requests map[string]string
	queues   map[string]*keyQueue
	stopped  bool

	newJobID func() string
}

// NewDispatcher returns a dispatcher that accepts jobs right away. recorder
// may be nil.
func NewDispatcher(cfg DispatcherConfig, locker lock.Manager, executor *Executor, recorder JobRecorder, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LockTTL / 3
	}
	return &Dispatcher{
		cfg:      cfg,
		locker:   locker,
		executor: executor,
		recorder: recorder,
		logger:   logger.Named("dispatcher"),
		metrics:  m,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*model.TransferJob),
		requests: make(map[string]string),
		queues:   make(map[string]*keyQueue),
		newJobID: idgen.GenerateJobID,
	}
}

// Start blocks until ctx is done, refreshing the heartbeat of live jobs and
// pruning old terminal jobs, then stops the dispatcher.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Workers))

	interval := d.cfg.Retention / 2
	if interval <= 0 {
		interval = time.Minute
	}
	pruneTicker := time.NewTicker(interval)
	defer pruneTicker.Stop()

	heartbeat := d.cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = time.Minute
	}
	heartbeatTicker := time.NewTicker(heartbeat)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return
		case <-d.ctx.Done():
			return
		case <-heartbeatTicker.C:
			d.heartbeat(time.Now())
		case <-pruneTicker.C:
			d.prune(time.Now())
		}
	}
}

// Stop refuses new jobs, lets running jobs finish, and fails every job that
// never started with dispatcher_stopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()

		d.cancel()
		d.wg.Wait()

		d.mu.Lock()
		var leftovers []*model.TransferJob
		for _, job := range d.jobs {
			if job.Status == model.JobStatusQueued {
				leftovers = append(leftovers, job)
			}
		}
		d.mu.Unlock()

		for _, job := range leftovers {
			d.finish(job, model.JobStatusFailedPermanent, model.ReasonDispatcherStopped)
		}
		d.logger.Info("dispatcher stopped", zap.Int("abandoned", len(leftovers)))
	})
}

// Submit admits a transfer and returns its job id without waiting for it to
// run. A repeated non-empty RequestID returns the job id of the first submit.
func (d *Dispatcher) Submit(ctx context.Context, req model.TransferRequest) (string, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return "", ErrDispatcherStopped
	}
	if req.RequestID != "" {
		if jobID, ok := d.requests[req.RequestID]; ok {
			d.mu.Unlock()
			return jobID, nil
		}
	}

	job := model.NewTransferJob(d.newJobID(), req)
	job.UpdatedAt = job.CreatedAt
	d.jobs[job.JobID] = job
	if req.RequestID != "" {
		d.requests[req.RequestID] = job.JobID
	}
	snapshot := *job
	d.mu.Unlock()

	d.metrics.JobsSubmitted.Inc()
	d.record(ctx, &snapshot)
	d.enqueue(job)

	d.logger.Debug("job admitted",
		zap.String("job_id", job.JobID),
		zap.String("key", job.UniquenessKey))
	return job.JobID, nil
}

// Resubmit re-admits a job persisted by an earlier process, keeping its id.
// Jobs already known to this dispatcher are ignored.
func (d *Dispatcher) Resubmit(ctx context.Context, persisted model.TransferJob) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	if _, ok := d.jobs[persisted.JobID]; ok {
		d.mu.Unlock()
		return nil
	}

	job := persisted
	job.ID = 0
	job.Status = model.JobStatusQueued
	job.Reason = ""
	job.FinishedAt = nil
	job.UpdatedAt = time.Now()
	if job.UniquenessKey == "" {
		job.UniquenessKey = job.SenderID
	}
	d.jobs[job.JobID] = &job
	if job.RequestID != "" {
		d.requests[job.RequestID] = job.JobID
	}
	snapshot := job
	d.mu.Unlock()

	d.record(ctx, &snapshot)
	d.enqueue(&job)
	return nil
}

// Status returns a copy of the job's current state.
func (d *Dispatcher) Status(jobID string) (model.TransferJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[jobID]
	if !ok {
		return model.TransferJob{}, ErrJobNotFound
	}
	return *job, nil
}

// Cancel moves a queued job to cancelled. Running and finished jobs cannot be
// cancelled; the caller has to wait for their outcome.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != model.JobStatusQueued {
		d.mu.Unlock()
		return ErrJobNotCancelable
	}
	snapshot := d.transitionLocked(job, model.JobStatusCancelled, "")
	if q := d.queues[job.UniquenessKey]; q != nil && len(q.jobs) > 0 && q.jobs[0] == job {
		// the driver may be backing off on this job
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	d.mu.Unlock()

	d.record(ctx, &snapshot)
	d.logger.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

func (d *Dispatcher) enqueue(job *model.TransferJob) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if job.Status != model.JobStatusQueued || d.stopped {
		return
	}

	q, ok := d.queues[job.UniquenessKey]
	if !ok {
		q = &keyQueue{wake: make(chan struct{}, 1)}
		d.queues[job.UniquenessKey] = q
	}
	q.jobs = append(q.jobs, job)
	d.metrics.JobsQueued.Inc()

	if !ok {
		// first job for this key: nobody is driving it yet
		d.wg.Add(1)
		go d.drive(job.UniquenessKey)
	}
}

// drive works through one key's FIFO until it is empty or the dispatcher stops.
func (d *Dispatcher) drive(key string) {
	defer d.wg.Done()

	for {
		job := d.head(key)
		if job == nil {
			return
		}
		d.process(job)
		d.popHead(key, job)
	}
}

// head returns the first job of key that is still queued, dropping cancelled
// ones. It removes the queue and returns nil when nothing is left.
func (d *Dispatcher) head(key string) *model.TransferJob {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[key]
	for q != nil && len(q.jobs) > 0 {
		if d.ctx.Err() != nil {
			// Stop fails whatever is left
			delete(d.queues, key)
			d.metrics.JobsQueued.Sub(float64(len(q.jobs)))
			return nil
		}
		if q.jobs[0].Status == model.JobStatusQueued {
			return q.jobs[0]
		}
		q.jobs = q.jobs[1:]
		d.metrics.JobsQueued.Dec()
	}
	delete(d.queues, key)
	return nil
}

func (d *Dispatcher) popHead(key string, job *model.TransferJob) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[key]
	if q == nil || len(q.jobs) == 0 || q.jobs[0] != job {
		return
	}
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	d.metrics.JobsQueued.Dec()
}

// process takes one job to a terminal status, or leaves it queued when the
// dispatcher is stopping.
func (d *Dispatcher) process(job *model.TransferJob) {
	lockKey := d.cfg.KeyPrefix + job.UniquenessKey
	log := d.logger.With(zap.String("job_id", job.JobID), zap.String("key", lockKey))
	wake := d.wakeChan(job.UniquenessKey)

	// refusals of this run, split by cause
	var contended, faults int

	for {
		if d.ctx.Err() != nil || !d.isQueued(job) {
			return
		}
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return
		}

		token, err := d.locker.Acquire(d.ctx, lockKey, d.cfg.LockTTL)
		if err == nil {
			d.run(job, lockKey, token, log)
			d.sem.Release(1)
			return
		}
		d.sem.Release(1)

		if d.ctx.Err() != nil {
			return
		}
		if errors.Is(err, lock.ErrContended) {
			contended++
			d.metrics.LockContended.Inc()
		} else {
			faults++
			d.metrics.LockErrors.Inc()
			log.Warn("lock acquire failed", zap.Error(err))
		}

		attempts, queued := d.bumpAttempt(job)
		if !queued {
			// cancelled while waiting
			return
		}
		if attempts > d.cfg.MaxAttempts {
			reason := model.ReasonContentionExhausted
			if faults > contended {
				reason = model.ReasonLockUnavailable
			}
			log.Warn("giving up on lock",
				zap.Int("attempts", attempts),
				zap.Int("contended", contended),
				zap.Int("faults", faults),
				zap.String("reason", reason))
			d.finish(job, model.JobStatusFailedPermanent, reason)
			return
		}

		if err := sleepContext(d.ctx, contentionDelay(d.cfg.BackoffBase, d.cfg.BackoffMax, attempts), wake); err != nil {
			return
		}
	}
}

// run executes a job whose lock is held.
func (d *Dispatcher) run(job *model.TransferJob, lockKey, token string, log *zap.Logger) {
	d.mu.Lock()
	if job.Status != model.JobStatusQueued {
		// cancelled between acquire and here
		d.mu.Unlock()
		if err := d.locker.Release(context.Background(), lockKey, token); err != nil {
			log.Warn("release after cancel", zap.Error(err))
		}
		return
	}
	snapshot := d.transitionLocked(job, model.JobStatusRunning, "")
	d.mu.Unlock()

	d.metrics.JobsRunning.Inc()
	d.record(d.ctx, &snapshot)

	// a running job is never cancelled, not even by Stop
	result := d.executor.Execute(context.WithoutCancel(d.ctx), snapshot, lockKey, token)

	d.metrics.JobsRunning.Dec()
	d.finish(job, result.Status, result.Reason)
}

func (d *Dispatcher) isQueued(job *model.TransferJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return job.Status == model.JobStatusQueued
}

func (d *Dispatcher) wakeChan(key string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[key]
	if q == nil {
		return nil
	}
	// drop a wake meant for an earlier head
	select {
	case <-q.wake:
	default:
	}
	return q.wake
}

func (d *Dispatcher) bumpAttempt(job *model.TransferJob) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if job.Status != model.JobStatusQueued {
		return job.AttemptCount, false
	}
	job.AttemptCount++
	job.UpdatedAt = time.Now()
	return job.AttemptCount, true
}

func (d *Dispatcher) finish(job *model.TransferJob, status, reason string) {
	d.mu.Lock()
	if !model.CanJobTransitionTo(job.Status, status) {
		d.mu.Unlock()
		d.logger.Error("illegal job transition",
			zap.String("job_id", job.JobID),
			zap.String("from", job.Status),
			zap.String("to", status))
		return
	}
	snapshot := d.transitionLocked(job, status, reason)
	d.mu.Unlock()

	d.record(context.Background(), &snapshot)
	d.logger.Info("job finished",
		zap.String("job_id", snapshot.JobID),
		zap.String("status", snapshot.Status),
		zap.String("reason", snapshot.Reason),
		zap.Int("attempts", snapshot.AttemptCount))
}

// transitionLocked applies a status change and returns a snapshot. d.mu must
// be held.
func (d *Dispatcher) transitionLocked(job *model.TransferJob, status, reason string) model.TransferJob {
	now := time.Now()
	job.Status = status
	job.Reason = reason
	job.UpdatedAt = now
	if model.IsTerminalJobStatus(status) {
		job.FinishedAt = &now
		d.metrics.JobsFinished.WithLabelValues(status, reason).Inc()
	}
	return *job
}

func (d *Dispatcher) record(ctx context.Context, job *model.TransferJob) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(context.WithoutCancel(ctx), job); err != nil {
		d.logger.Warn("record job failed",
			zap.String("job_id", job.JobID),
			zap.String("status", job.Status),
			zap.Error(err))
	}
}

// heartbeat refreshes updated_at of every job this process still owns, in
// memory and in the job table.
func (d *Dispatcher) heartbeat(now time.Time) {
	if d.recorder == nil {
		return
	}

	d.mu.Lock()
	var live []string
	for id, job := range d.jobs {
		if model.IsTerminalJobStatus(job.Status) {
			continue
		}
		job.UpdatedAt = now
		live = append(live, id)
	}
	d.mu.Unlock()

	if len(live) == 0 {
		return
	}
	if err := d.recorder.Touch(d.ctx, live, now); err != nil && d.ctx.Err() == nil {
		d.logger.Warn("job heartbeat failed", zap.Int("jobs", len(live)), zap.Error(err))
	}
}

// prune forgets terminal jobs older than Retention.
func (d *Dispatcher) prune(now time.Time) {
	if d.cfg.Retention <= 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, job := range d.jobs {
		if job.FinishedAt == nil || now.Sub(*job.FinishedAt) < d.cfg.Retention {
			continue
		}
		delete(d.jobs, id)
		if job.RequestID != "" && d.requests[job.RequestID] == id {
			delete(d.requests, job.RequestID)
		}
	}
}
