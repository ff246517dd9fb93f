package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/lotledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AlertSource computes alert snapshots.
type AlertSource interface {
	Warehouses(ctx context.Context) ([]inventory.Warehouse, error)
	StockAlerts(ctx context.Context, warehouseID int64, cfg inventory.AlertConfig) (inventory.WarehouseAlerts, error)
}

// AlertSink stores alert snapshots.
type AlertSink interface {
	Save(ctx context.Context, alerts inventory.WarehouseAlerts) error
}

// StockAlertsJob recomputes low-stock and expiry alerts per warehouse and stores the
// snapshots for the alerts endpoint.
type StockAlertsJob struct {
	Source      AlertSource
	Sink        AlertSink
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Defaults    inventory.AlertConfig
	Concurrency int
}

// NewStockAlertsJob wires dependencies for the stock alert handler.
func NewStockAlertsJob(source AlertSource, sink AlertSink, defaults inventory.AlertConfig, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockAlertsJob {
	return &StockAlertsJob{
		Source:      source,
		Sink:        sink,
		Logger:      logger,
		Metrics:     metrics,
		Defaults:    defaults,
		Concurrency: 4,
	}
}

// Handle processes stock alert tasks.
func (j *StockAlertsJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil || j.Sink == nil {
		return errors.New("stock alerts: handler not configured")
	}
	var payload StockAlertsPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	cfg := j.Defaults
	if payload.LowStockThreshold > 0 {
		cfg.LowStockThreshold = payload.LowStockThreshold
	}
	if payload.ExpiryWindow > 0 {
		cfg.ExpiryWindow = payload.ExpiryWindow
	}

	start := time.Now()
	tracker := j.metrics().Track(TaskStockAlerts)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Int64("low_stock_threshold", cfg.LowStockThreshold),
		slog.Duration("expiry_window", cfg.ExpiryWindow),
	)
	logger.Info("starting stock alert scan")

	warehouses, err := j.targets(ctx, payload.WarehouseIDs)
	if err != nil {
		resultErr = err
		logger.Error("load warehouses", slog.Any("error", err))
		return resultErr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(j.Concurrency, 1))
	for _, id := range warehouses {
		g.Go(func() error {
			alerts, err := j.Source.StockAlerts(gctx, id, cfg)
			if err != nil {
				return fmt.Errorf("warehouse %d: %w", id, err)
			}
			if err := j.Sink.Save(gctx, alerts); err != nil {
				return fmt.Errorf("warehouse %d: save snapshot: %w", id, err)
			}
			j.metrics().SetStockAlerts(id, len(alerts.LowStock), len(alerts.ExpiringSoon), len(alerts.Expired))
			if n := len(alerts.LowStock) + len(alerts.ExpiringSoon) + len(alerts.Expired); n > 0 {
				logger.Warn("stock alerts raised",
					slog.Int64("warehouse_id", id),
					slog.Int("low_stock", len(alerts.LowStock)),
					slog.Int("expiring_soon", len(alerts.ExpiringSoon)),
					slog.Int("expired", len(alerts.Expired)),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		resultErr = err
		logger.Error("stock alert scan failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed stock alert scan",
		slog.Int("warehouses", len(warehouses)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

// targets resolves the warehouses to scan. Inactive warehouses are scanned too since
// they may still hold stock.
func (j *StockAlertsJob) targets(ctx context.Context, requested []int64) ([]int64, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	warehouses, err := j.Source.Warehouses(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(warehouses))
	for _, wh := range warehouses {
		ids = append(ids, wh.ID)
	}
	return ids, nil
}

func (j *StockAlertsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockAlerts))
	}
	return slog.Default().With(slog.String("job", TaskStockAlerts))
}

func (j *StockAlertsJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
