package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileTransfers flags transfers stuck mid-saga.
	TaskReconcileTransfers = "ledger:reconcile_transfers"
	// TaskVerifyChains replays the movement history of stock variants.
	TaskVerifyChains = "ledger:verify_chains"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReconcilePayload overrides the sweep threshold and batch size.
type ReconcilePayload struct {
	OlderThan time.Duration `json:"older_than"`
	Limit     int           `json:"limit"`
}

// NewReconcileTransfersTask constructs the reconciliation sweep task.
func NewReconcileTransfersTask(payload ReconcilePayload) (*asynq.Task, error) {
	return newTask(TaskReconcileTransfers, payload)
}

// VerifyChainsPayload selects the variants to replay. An empty list means every variant.
type VerifyChainsPayload struct {
	VariantIDs []uuid.UUID `json:"variant_ids,omitempty"`
}

// NewVerifyChainsTask constructs a chain verification task.
func NewVerifyChainsTask(payload VerifyChainsPayload) (*asynq.Task, error) {
	return newTask(TaskVerifyChains, payload)
}

// IdempotencyCleanupPayload sets the retention of idempotency keys.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{Retention: retention})
}

func newTask(typename string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, data, asynq.Queue(QueueDefault)), nil
}
