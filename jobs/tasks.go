package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockAlerts recomputes the advisory stock alerts of every warehouse.
	TaskStockAlerts = "inventory:stock-alerts"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency-cleanup"
)

// StockAlertsPayload narrows and tunes a stock alert scan. Zero values fall back to the
// job defaults.
type StockAlertsPayload struct {
	WarehouseIDs      []int64       `json:"warehouse_ids,omitempty"`
	LowStockThreshold int64         `json:"low_stock_threshold,omitempty"`
	ExpiryWindow      time.Duration `json:"expiry_window,omitempty"`
}

// NewStockAlertsTask constructs an Asynq task for the stock alert scan.
func NewStockAlertsTask(payload StockAlertsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockAlerts, data, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures the retention of idempotency keys.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs an Asynq task purging keys older than olderThan.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
