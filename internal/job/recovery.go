package job

import (
	"context"
	"fmt"
	"time"

	"transferd/internal/engine"
	"transferd/internal/model"
	"transferd/internal/repository"

	"go.uber.org/zap"
)

// ============================================================================
// Startup recovery
// ============================================================================
//
// 【What a crash leaves behind】
//
//   queued   the job never ran            -> resubmit
//   running  the job may or may not have committed its pair:
//              pair present               -> it committed, record succeeded
//              pair absent                -> it never wrote, resubmit
//
// A resubmitted job keeps its job id, so its entry numbers are the same. If
// the old run did commit after all, the new write hits the unique index and
// is treated as already committed instead of moving money twice.
//
// Only jobs untouched for staleAfter are recovered. A live dispatcher
// refreshes updated_at of every job it owns well within the lock TTL, so with
// staleAfter at least the lock TTL those jobs are left alone. If a live job is
// adopted anyway, the executor finds its pair already committed and the job
// table keeps the first terminal status it was given.
//
// ============================================================================

type RecoveryJob struct {
	jobRepo    *repository.JobRepository
	ledgerRepo *repository.LedgerRepository
	dispatcher *engine.Dispatcher
	logger     *zap.Logger
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewRecoveryJob(jobRepo *repository.JobRepository, ledgerRepo *repository.LedgerRepository, dispatcher *engine.Dispatcher, staleAfter time.Duration, logger *zap.Logger) *RecoveryJob {
	return &RecoveryJob{
		jobRepo:    jobRepo,
		ledgerRepo: ledgerRepo,
		dispatcher: dispatcher,
		logger:     logger.Named("recovery"),
		staleAfter: staleAfter,
		batchSize:  1000,
		now:        time.Now,
	}
}

// Run recovers every stale non-terminal job once. Individual job failures are
// logged and skipped; only a failed listing aborts.
func (j *RecoveryJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.staleAfter)
	recovered := 0

	for _, status := range []string{model.JobStatusRunning, model.JobStatusQueued} {
		jobs, err := j.jobRepo.ListByStatus(ctx, status, j.batchSize)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}

		for _, job := range jobs {
			if job.UpdatedAt.After(cutoff) {
				continue
			}
			if j.recoverJob(ctx, job) {
				recovered++
			}
		}
	}

	j.logger.Info("recovery finished", zap.Int("recovered", recovered))
	return nil
}

func (j *RecoveryJob) recoverJob(ctx context.Context, job *model.TransferJob) bool {
	log := j.logger.With(zap.String("job_id", job.JobID), zap.String("status", job.Status))

	if job.Status == model.JobStatusRunning {
		committed, err := j.ledgerRepo.PairCommitted(ctx, job.JobID)
		if err != nil {
			log.Warn("check committed pair failed", zap.Error(err))
			return false
		}
		if committed {
			now := j.now()
			job.Status = model.JobStatusSucceeded
			job.Reason = ""
			job.UpdatedAt = now
			job.FinishedAt = &now
			if err := j.jobRepo.Record(ctx, job); err != nil {
				log.Warn("record recovered success failed", zap.Error(err))
				return false
			}
			log.Info("pair was committed before the crash, marked succeeded")
			return true
		}
	}

	if err := j.dispatcher.Resubmit(ctx, *job); err != nil {
		log.Warn("resubmit failed", zap.Error(err))
		return false
	}
	log.Info("job resubmitted")
	return true
}
