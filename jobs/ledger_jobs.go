package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/storeinv/backoffice/internal/jobs"
	"github.com/storeinv/backoffice/internal/ledger"
)

// ExpirySweeper expires batches past their expiry date.
type ExpirySweeper interface {
	SweepExpiredBatches(ctx context.Context) (ledger.SweepReport, error)
}

// ExpirySweepJob runs the nightly expiry sweep.
type ExpirySweepJob struct {
	Sweeper ExpirySweeper
	Policy  ledger.ExpiryPolicy
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewExpirySweepJob constructs the sweep handler.
func NewExpirySweepJob(sweeper ExpirySweeper, policy ledger.ExpiryPolicy, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	return &ExpirySweepJob{Sweeper: sweeper, Policy: policy, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *ExpirySweepJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerExpirySweep)
	defer func() { err = tracker.End(err) }()

	report, err := j.Sweeper.SweepExpiredBatches(ctx)
	if err != nil {
		loggerOrDefault(j.Logger).Error("expiry sweep failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddExpired(string(j.Policy), report.Expired)
	if report.Failed > 0 {
		loggerOrDefault(j.Logger).Warn("expiry sweep incomplete",
			slog.Int("expired", report.Expired),
			slog.Int("failed", report.Failed))
	}
	return nil
}

// Reconciler lists products whose log disagrees with the inventory record.
type Reconciler interface {
	Mismatches(ctx context.Context) ([]ledger.Reconciliation, error)
}

// ReconcileJob reports ledger mismatches. It never repairs anything.
type ReconcileJob struct {
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewReconcileJob constructs the reconciliation handler.
func NewReconcileJob(reconciler Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle executes the reconciliation.
func (j *ReconcileJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Reconciler == nil {
		return errors.New("reconcile: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerReconcile)
	defer func() { err = tracker.End(err) }()

	logger := loggerOrDefault(j.Logger)
	mismatches, err := j.Reconciler.Mismatches(ctx)
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return err
	}
	perStore := make(map[int64]int)
	for _, m := range mismatches {
		perStore[m.StoreID]++
		logger.Warn("ledger mismatch",
			slog.Int64("store_id", m.StoreID),
			slog.Int64("product_id", m.ProductID),
			slog.Int64("on_hand", m.OnHand),
			slog.Int64("logged_on_hand", m.LoggedOnHand),
			slog.Int64("stored", m.Stored),
			slog.Int64("logged_stored", m.LoggedStored))
	}
	for storeID, count := range perStore {
		j.Metrics.AddMismatches(storeID, count)
	}
	logger.Info("reconcile completed", slog.Int("mismatches", len(mismatches)))
	return nil
}

// KeyPurger deletes idempotency keys older than a retention.
type KeyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob purges stale idempotency keys.
type IdempotencyCleanupJob struct {
	Purger    KeyPurger
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob constructs the purge handler.
func NewIdempotencyCleanupJob(purger KeyPurger, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Purger: purger, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle executes the purge. A retention in the payload overrides the default.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Purger == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := decodePayload(t, &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = j.Retention
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	removed, err := j.Purger.Cleanup(ctx, retention)
	if err != nil {
		return err
	}
	loggerOrDefault(j.Logger).Info("idempotency keys purged",
		slog.Int64("removed", removed),
		slog.Duration("retention", retention))
	return nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
