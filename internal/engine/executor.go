package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"transferd/internal/infrastructure/lock"
	"transferd/internal/infrastructure/metrics"
	"transferd/internal/model"
	"transferd/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerStore is the part of the ledger the executor needs.
type LedgerStore interface {
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	AppendPair(ctx context.Context, debit, credit *model.LedgerEntry) (*model.LedgerEntry, *model.LedgerEntry, error)
	PairCommitted(ctx context.Context, jobID string) (bool, error)
}

type ExecutorConfig struct {
	LockTTL       time.Duration
	RenewInterval time.Duration
	// WriteRetries is how many extra attempts a failed ledger read or write
	// gets while the lock is still held.
	WriteRetries int
}

// Result is the terminal outcome of one execution.
type Result struct {
	Status string
	Reason string
}

// ============================================================================
// Execution engine
// ============================================================================
//
// Runs one job whose account lock is already held:
//
//   0. pair of this job id already in the ledger -> succeeded, nothing written
//   1. read balance(sender)
//   2. balance < amount  -> failed_insufficient_funds, nothing written
//   3. append_pair(-amount sender, +amount receiver)
//        ok                     -> succeeded
//        store fault            -> retry the write alone, no re-validation
//        retries exhausted      -> failed_permanent / persistence_exhausted
//        lock gone or stale     -> failed_permanent / lock_lost, nothing written
//   4. release the lock, whatever happened above
//
// Step 0 matters for a job that was executed before, by a crashed process or
// by one whose row recovery adopted: its money already moved, and the
// balance it left behind must not turn the outcome into insufficient funds.
//
// The balance is not checked again between write retries: it already passed
// and nobody else can move money out of this sender while we hold the lock.
// "While we hold" means the last successful acquire or renew is younger than
// LockTTL; a renew that keeps failing is not proof of ownership.
//
// ============================================================================

type Executor struct {
	ledger  LedgerStore
	locker  lock.Manager
	cfg     ExecutorConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewExecutor(ledger LedgerStore, locker lock.Manager, cfg ExecutorConfig, logger *zap.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		ledger:  ledger,
		locker:  locker,
		cfg:     cfg,
		logger:  logger.Named("executor"),
		metrics: m,
	}
}

// Execute drives job from running to a terminal status. key/token identify
// the lock the dispatcher acquired; it is released before Execute returns.
func (e *Executor) Execute(ctx context.Context, job model.TransferJob, key, token string) Result {
	start := time.Now()
	log := e.logger.With(zap.String("job_id", job.JobID), zap.String("key", key))

	defer func() {
		e.metrics.ExecutionSeconds.Observe(time.Since(start).Seconds())
	}()
	defer e.release(key, token, log)

	held, stopRenew := e.keepAlive(ctx, key, token, log)
	defer stopRenew()

	committed, err := e.pairCommitted(ctx, job.JobID)
	if err != nil {
		e.alert(log, "committed pair check failed after retries", err)
		return Result{Status: model.JobStatusFailedPermanent, Reason: model.ReasonPersistenceExhausted}
	}
	if committed {
		log.Info("transfer pair already committed by an earlier run")
		return Result{Status: model.JobStatusSucceeded}
	}

	balance, err := e.readBalance(ctx, job.SenderID)
	if err != nil {
		e.alert(log, "balance read failed after retries", err)
		return Result{Status: model.JobStatusFailedPermanent, Reason: model.ReasonPersistenceExhausted}
	}

	if balance.LessThan(job.Amount) {
		log.Info("insufficient funds",
			zap.String("balance", balance.String()),
			zap.String("amount", job.Amount.String()))
		return Result{Status: model.JobStatusFailedInsufficientFunds}
	}

	debit, credit := transferEntries(job)

	for attempt := 0; attempt <= e.cfg.WriteRetries; attempt++ {
		if !held() {
			// someone else may hold the sender now; writing would break exclusion
			log.Warn("lock lost before ledger write, abandoning job")
			return Result{Status: model.JobStatusFailedPermanent, Reason: model.ReasonLockLost}
		}

		_, _, err = e.ledger.AppendPair(ctx, debit, credit)
		if err == nil {
			log.Info("transfer committed",
				zap.String("sender", job.SenderID),
				zap.String("receiver", job.ReceiverID),
				zap.String("amount", job.Amount.String()))
			return Result{Status: model.JobStatusSucceeded}
		}
		if errors.Is(err, repository.ErrDuplicateEntry) {
			// an earlier attempt committed but its ack was lost
			log.Info("transfer pair already committed", zap.Int("attempt", attempt))
			return Result{Status: model.JobStatusSucceeded}
		}

		log.Warn("ledger write failed", zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	e.alert(log, "ledger write failed after retries, balance check had passed", err)
	return Result{Status: model.JobStatusFailedPermanent, Reason: model.ReasonPersistenceExhausted}
}

func (e *Executor) pairCommitted(ctx context.Context, jobID string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.WriteRetries; attempt++ {
		committed, err := e.ledger.PairCommitted(ctx, jobID)
		if err == nil {
			return committed, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return false, lastErr
}

func (e *Executor) readBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.WriteRetries; attempt++ {
		balance, err := e.ledger.Balance(ctx, accountID)
		if err == nil {
			return balance, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return decimal.Zero, lastErr
}

// alert is the operator-visible signal for a system-level failure.
func (e *Executor) alert(log *zap.Logger, msg string, err error) {
	e.metrics.PersistenceFailures.Inc()
	log.Error(msg, zap.Error(err), zap.Bool("alert", true))
}

// keepAlive renews the lock every RenewInterval until stop is called. held
// reports false once the lock manager says we are no longer the holder, or
// once LockTTL has passed since the last successful renew (or since start,
// which is just after the acquire).
func (e *Executor) keepAlive(ctx context.Context, key, token string, log *zap.Logger) (func() bool, func()) {
	lost := &atomic.Bool{}
	var lastRenew atomic.Int64
	lastRenew.Store(time.Now().UnixNano())

	held := func() bool {
		if lost.Load() {
			return false
		}
		if e.cfg.LockTTL > 0 && time.Since(time.Unix(0, lastRenew.Load())) >= e.cfg.LockTTL {
			return false
		}
		return true
	}

	if e.cfg.RenewInterval <= 0 {
		return held, func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(e.cfg.RenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				renewedAt := time.Now()
				err := e.locker.Renew(ctx, key, token, e.cfg.LockTTL)
				if err == nil {
					lastRenew.Store(renewedAt.UnixNano())
					continue
				}
				if errors.Is(err, lock.ErrNotHolder) {
					lost.Store(true)
					e.metrics.LockLost.Inc()
					log.Warn("lock renew refused, lock expired or was reclaimed")
					return
				}
				log.Warn("lock renew failed", zap.Error(err))
			}
		}
	}()

	return held, func() {
		close(done)
		wg.Wait()
	}
}

// release runs on every exit path. It uses its own context so a cancelled
// job context cannot leave the lock behind until TTL.
func (e *Executor) release(key, token string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := e.locker.Release(ctx, key, token)
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrNotHolder):
		// expired and possibly reclaimed: expected liveness recovery, not a bug
		e.metrics.LockLost.Inc()
		log.Warn("lock release found another holder or none")
	default:
		log.Warn("lock release failed, lock will expire by ttl", zap.Error(err))
	}
}

func transferEntries(job model.TransferJob) (*model.LedgerEntry, *model.LedgerEntry) {
	debit := &model.LedgerEntry{
		EntryNo:     model.DebitEntryNo(job.JobID),
		AccountID:   job.SenderID,
		JobID:       job.JobID,
		Kind:        model.EntryKindDebit,
		Amount:      job.Amount.Neg(),
		Description: job.Description,
	}
	credit := &model.LedgerEntry{
		EntryNo:     model.CreditEntryNo(job.JobID),
		AccountID:   job.ReceiverID,
		JobID:       job.JobID,
		Kind:        model.EntryKindCredit,
		Amount:      job.Amount,
		Description: job.Description,
	}
	return debit, credit
}
