package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"transferd/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound  = errors.New("transfer job not found")
	ErrJobFinalized = errors.New("transfer job already has a terminal status")
)

// JobRepository persists job snapshots for auditing, status lookups after a
// restart, and startup recovery. The dispatcher's in-memory state stays
// authoritative while the process is alive.
type JobRepository struct {
	db         *gorm.DB
	outboxRepo *OutboxRepository
	topic      string
}

func NewJobRepository(db *gorm.DB, topic string) *JobRepository {
	return &JobRepository{
		db:         db,
		outboxRepo: NewOutboxRepository(db),
		topic:      topic,
	}
}

// ============================================================================
// 【Terminal rows are final】
//
//   insert if the job_id is new
//   otherwise update, but only while the stored row is still queued/running
//   stored row terminal -> nothing written, ErrJobFinalized
//
// The outcome message goes to the outbox in the same transaction, and only
// when this call is the one that made the row terminal. Two processes racing
// on the same job can never flip a published outcome or publish twice.
// ============================================================================

// Record upserts the job by job_id.
func (r *JobRepository) Record(ctx context.Context, job *model.TransferJob) error {
	row := *job
	row.ID = 0

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert job %s: %w", job.JobID, res.Error)
		}

		if res.RowsAffected == 0 {
			res = tx.Model(&model.TransferJob{}).
				Where("job_id = ? AND status NOT IN ?", job.JobID, model.TerminalJobStatuses).
				Updates(map[string]interface{}{
					"attempt_count": job.AttemptCount,
					"status":        job.Status,
					"reason":        job.Reason,
					"updated_at":    job.UpdatedAt,
					"finished_at":   job.FinishedAt,
				})
			if res.Error != nil {
				return fmt.Errorf("update job %s: %w", job.JobID, res.Error)
			}
			if res.RowsAffected == 0 {
				// mysql reports 0 for an update that changed nothing
				var stored model.TransferJob
				if err := tx.Select("status").Where("job_id = ?", job.JobID).First(&stored).Error; err != nil {
					return fmt.Errorf("load job %s: %w", job.JobID, err)
				}
				if model.IsTerminalJobStatus(stored.Status) {
					return fmt.Errorf("job %s is %s: %w", job.JobID, stored.Status, ErrJobFinalized)
				}
				return nil
			}
		}

		if !model.IsTerminalJobStatus(job.Status) {
			return nil
		}

		payload, err := json.Marshal(model.NewTransferOutcome(job))
		if err != nil {
			return fmt.Errorf("encode outcome %s: %w", job.JobID, err)
		}

		msg := &model.OutboxMessage{
			MessageKey: job.JobID,
			Topic:      r.topic,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		}
		if err := r.outboxRepo.Create(ctx, tx, msg); err != nil {
			return fmt.Errorf("write outbox %s: %w", job.JobID, err)
		}
		return nil
	})
}

const touchBatchSize = 500

// Touch sets updated_at on the given jobs that are still queued or running.
// It is the liveness signal startup recovery reads.
func (r *JobRepository) Touch(ctx context.Context, jobIDs []string, at time.Time) error {
	for start := 0; start < len(jobIDs); start += touchBatchSize {
		end := min(start+touchBatchSize, len(jobIDs))
		err := r.db.WithContext(ctx).
			Model(&model.TransferJob{}).
			Where("job_id IN ? AND status IN ?", jobIDs[start:end], []string{model.JobStatusQueued, model.JobStatusRunning}).
			Update("updated_at", at).Error
		if err != nil {
			return fmt.Errorf("touch jobs: %w", err)
		}
	}
	return nil
}

func (r *JobRepository) GetByJobID(ctx context.Context, jobID string) (*model.TransferJob, error) {
	var job model.TransferJob
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetByRequestID returns nil, nil when no job carries requestID.
func (r *JobRepository) GetByRequestID(ctx context.Context, requestID string) (*model.TransferJob, error) {
	var job model.TransferJob
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// ListByStatus returns jobs in status, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*model.TransferJob, error) {
	var jobs []*model.TransferJob
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
