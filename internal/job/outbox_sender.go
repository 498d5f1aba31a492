package job

import (
	"context"
	"time"

	"transferd/internal/config"
	"transferd/internal/model"
	"transferd/internal/repository"

	"go.uber.org/zap"
)

// Publisher is the broker side of the outbox (mq.Producer in production).
type Publisher interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender publishes job outcomes that the job repository wrote to the
// outbox in the same transaction as the terminal status.
type OutboxSender struct {
	outboxRepo    *repository.OutboxRepository
	publisher     Publisher
	logger        *zap.Logger
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
	maxRetryCount int
}

func NewOutboxSender(outboxRepo *repository.OutboxRepository, publisher Publisher, cfg config.OutboxConfig, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo:    outboxRepo,
		publisher:     publisher,
		logger:        logger.Named("outbox"),
		stopCh:        make(chan struct{}),
		interval:      cfg.Interval,
		batchSize:     cfg.BatchSize,
		maxRetryCount: cfg.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("outbox sender started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("outbox sender exiting on context done")
			return
		case <-s.stopCh:
			s.logger.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPending(ctx, s.batchSize)
	if err != nil {
		s.logger.Warn("query pending messages failed", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	log := s.logger.With(zap.Int64("id", msg.ID), zap.String("key", msg.MessageKey))

	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			// published but still PENDING: it goes out again next tick
			log.Warn("mark sent failed", zap.Error(err))
			return
		}
		log.Debug("outcome published", zap.String("topic", msg.Topic))
		return
	}

	giveUp := msg.RetryCount+1 >= s.maxRetryCount
	log.Warn("publish failed", zap.Int("retry_count", msg.RetryCount+1), zap.Bool("give_up", giveUp), zap.Error(err))

	if err := s.outboxRepo.MarkRetry(ctx, msg.ID, giveUp); err != nil {
		log.Warn("record retry failed", zap.Error(err))
	}
}
