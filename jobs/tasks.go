package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskAlertsRefresh re-evaluates low stock and expiry alerts for a store,
	// or for every store when the payload carries no store.
	TaskAlertsRefresh = "alerts:refresh"
	// TaskLedgerExpirySweep expires active batches past their expiry date.
	TaskLedgerExpirySweep = "ledger:expiry_sweep"
	// TaskLedgerReconcile compares the transaction log with inventory records.
	TaskLedgerReconcile = "ledger:reconcile"
	// TaskIdempotencyCleanup purges old idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// AlertsRefreshPayload scopes an alert refresh. Zero means all stores.
type AlertsRefreshPayload struct {
	StoreID int64 `json:"store_id,omitempty"`
}

// IdempotencyCleanupPayload carries the retention applied by the purge.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAlertsRefreshTask constructs an alert refresh task.
func NewAlertsRefreshTask(storeID int64) (*asynq.Task, error) {
	body, err := json.Marshal(AlertsRefreshPayload{StoreID: storeID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAlertsRefresh, body, asynq.Queue(QueueDefault)), nil
}

// NewExpirySweepTask constructs the nightly expiry sweep task.
func NewExpirySweepTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerExpirySweep, nil, asynq.Queue(QueueDefault))
}

// NewReconcileTask constructs the ledger reconciliation task.
func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerReconcile, nil, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupTask constructs the idempotency purge task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

func decodePayload(t *asynq.Task, target any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload(), target)
}
