package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertConfig tunes the advisory stock alert computation.
type AlertConfig struct {
	// LowStockThreshold flags products whose available quantity is below it.
	LowStockThreshold int64
	// ExpiryWindow flags lots expiring within it.
	ExpiryWindow time.Duration
}

// WarehouseAlerts is the advisory alert snapshot of one warehouse.
type WarehouseAlerts struct {
	WarehouseID  int64           `json:"warehouse_id"`
	GeneratedAt  time.Time       `json:"generated_at"`
	LowStock     []LowStockAlert `json:"low_stock"`
	ExpiringSoon []LotAlert      `json:"expiring_soon"`
	Expired      []LotAlert      `json:"expired"`
}

// LowStockAlert reports a product whose available quantity is below threshold.
type LowStockAlert struct {
	ProductID   int64  `json:"product_id"`
	ProductCode string `json:"product_code,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Available   int64  `json:"available"`
	Damaged     int64  `json:"damaged"`
}

// LotAlert reports a lot close to or past its expiry that still holds stock.
type LotAlert struct {
	LotID     int64     `json:"lot_id"`
	ProductID int64     `json:"product_id"`
	LotCode   string    `json:"lot_code"`
	ExpDate   time.Time `json:"exp_date"`
	QtyOnHand int64     `json:"qty_on_hand"`
	DaysLeft  int       `json:"days_left"`
}

// StockAlerts computes low-stock, expiring-soon and expired lots for a warehouse.
// Low stock is measured on available quantity; damaged stock is reported alongside
// but never counted as sellable.
func (s *Service) StockAlerts(ctx context.Context, warehouseID int64, cfg AlertConfig) (WarehouseAlerts, error) {
	lots, err := s.repo.StockLots(ctx, warehouseID)
	if err != nil {
		return WarehouseAlerts{}, err
	}
	now := s.clock()
	return computeAlerts(warehouseID, lots, cfg, now), nil
}

func computeAlerts(warehouseID int64, lots []Lot, cfg AlertConfig, now time.Time) WarehouseAlerts {
	out := WarehouseAlerts{
		WarehouseID:  warehouseID,
		GeneratedAt:  now,
		LowStock:     []LowStockAlert{},
		ExpiringSoon: []LotAlert{},
		Expired:      []LotAlert{},
	}
	products := make(map[int64]*LowStockAlert)
	var order []int64
	horizon := now.Add(cfg.ExpiryWindow)
	for _, lot := range lots {
		p, ok := products[lot.ProductID]
		if !ok {
			p = &LowStockAlert{ProductID: lot.ProductID, ProductCode: lot.ProductCode, ProductName: lot.ProductName}
			products[lot.ProductID] = p
			order = append(order, lot.ProductID)
		}
		p.Damaged += lot.Damaged
		if lot.ExpDate != nil && lot.ExpDate.Before(now) {
			if lot.QtyOnHand > 0 {
				out.Expired = append(out.Expired, lotAlert(lot, now))
			}
			continue
		}
		p.Available += lot.QtyOnHand
		if lot.ExpDate != nil && lot.QtyOnHand > 0 && cfg.ExpiryWindow > 0 && !lot.ExpDate.After(horizon) {
			out.ExpiringSoon = append(out.ExpiringSoon, lotAlert(lot, now))
		}
	}
	for _, id := range order {
		if p := products[id]; p.Available < cfg.LowStockThreshold {
			out.LowStock = append(out.LowStock, *p)
		}
	}
	sort.SliceStable(out.ExpiringSoon, func(i, j int) bool { return out.ExpiringSoon[i].ExpDate.Before(out.ExpiringSoon[j].ExpDate) })
	sort.SliceStable(out.Expired, func(i, j int) bool { return out.Expired[i].ExpDate.Before(out.Expired[j].ExpDate) })
	return out
}

func lotAlert(lot Lot, now time.Time) LotAlert {
	return LotAlert{
		LotID:     lot.ID,
		ProductID: lot.ProductID,
		LotCode:   lot.LotCode,
		ExpDate:   *lot.ExpDate,
		QtyOnHand: lot.QtyOnHand,
		DaysLeft:  int(lot.ExpDate.Sub(now).Hours() / 24),
	}
}

// AlertStore keeps the latest alert snapshot per warehouse in Redis.
type AlertStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAlertStore constructs AlertStore. A zero ttl keeps snapshots until overwritten.
func NewAlertStore(client *redis.Client, ttl time.Duration) *AlertStore {
	return &AlertStore{client: client, ttl: ttl}
}

// ErrNoAlerts indicates no snapshot has been computed yet.
var ErrNoAlerts = fmt.Errorf("%w: alert snapshot", ErrNotFound)

func alertKey(warehouseID int64) string {
	return fmt.Sprintf("inventory:alerts:%d", warehouseID)
}

// Save stores the snapshot.
func (s *AlertStore) Save(ctx context.Context, alerts WarehouseAlerts) error {
	if s == nil || s.client == nil {
		return errors.New("inventory: alert store not initialised")
	}
	raw, err := json.Marshal(alerts)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, alertKey(alerts.WarehouseID), raw, s.ttl).Err()
}

// Load returns the latest snapshot of the warehouse.
func (s *AlertStore) Load(ctx context.Context, warehouseID int64) (WarehouseAlerts, error) {
	if s == nil || s.client == nil {
		return WarehouseAlerts{}, ErrNoAlerts
	}
	raw, err := s.client.Get(ctx, alertKey(warehouseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return WarehouseAlerts{}, ErrNoAlerts
	}
	if err != nil {
		return WarehouseAlerts{}, err
	}
	var alerts WarehouseAlerts
	if err := json.Unmarshal(raw, &alerts); err != nil {
		return WarehouseAlerts{}, err
	}
	return alerts, nil
}
