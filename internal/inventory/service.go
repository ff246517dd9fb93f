package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetWarehouse(ctx context.Context, id int64) (Warehouse, error)
	ListWarehouses(ctx context.Context) ([]Warehouse, error)
	AvailableLots(ctx context.Context, productID, warehouseID int64) ([]Lot, error)
	StockLots(ctx context.Context, warehouseID int64) ([]Lot, error)
	LotsByIDs(ctx context.Context, ids []int64) (map[int64]Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, int, error)
	ListTransactions(ctx context.Context, filter HistoryFilter) ([]StockTransaction, int, error)
	GetTransaction(ctx context.Context, id int64) (StockTransaction, error)
	ListTransfers(ctx context.Context, filter HistoryFilter) ([]TransferOrder, int, error)
	GetTransfer(ctx context.Context, id int64) (TransferOrder, error)
	ListAdjustments(ctx context.Context, filter HistoryFilter) ([]AdjustmentRecord, int, error)
	InTransit(ctx context.Context, filter InTransitFilter) ([]InTransitLine, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards mutations against replayed requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MovementMetrics receives movement outcomes.
type MovementMetrics interface {
	ObserveMovement(kind, outcome string)
	ObserveRetry(kind string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
	Now          func() time.Time
}

// Service coordinates inventory operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	publisher   EventPublisher
	cache       *Cache
	metrics     MovementMetrics
	logger      *slog.Logger
	maxRetries  int
	backoff     time.Duration
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig, publisher EventPublisher) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 20 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		publisher:   publisher,
		logger:      slog.Default(),
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.RetryBackoff,
		now:         cfg.Now,
	}
}

// SetCache enables the versioned history cache.
func (s *Service) SetCache(cache *Cache) {
	s.cache = cache
}

// SetMetrics enables movement counters.
func (s *Service) SetMetrics(metrics MovementMetrics) {
	s.metrics = metrics
}

// SetLogger overrides the default logger.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Movement kinds used for idempotency scopes, metrics, audit actions and event subjects.
const (
	kindReceive         = "receive"
	kindIssue           = "issue"
	kindCancel          = "cancel"
	kindAdjust          = "adjust"
	kindCount           = "count"
	kindDamage          = "damage"
	kindReclassify      = "reclassify"
	kindTransferCreate  = "transfer.create"
	kindTransferConfirm = "transfer.confirm"
	kindTransferReject  = "transfer.reject"
)

const idempotencyModule = "inventory"

// mutate runs one movement attempt loop. fn plans and applies the movement; it is
// re-run from scratch when it reports a concurrent modification.
func (s *Service) mutate(ctx context.Context, kind, idemKey string, fn func(context.Context) error) error {
	key := ""
	if idemKey != "" && s.idempotency != nil {
		key = kind + ":" + idemKey
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			s.observe(kind, err)
			return err
		}
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConcurrentModification) || attempt >= s.maxRetries {
			break
		}
		if s.metrics != nil {
			s.metrics.ObserveRetry(kind)
		}
		s.logger.Debug("inventory movement retry", slog.String("kind", kind), slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt)):
			continue
		}
		break
	}
	if err != nil && key != "" {
		if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
		}
	}
	s.observe(kind, err)
	return err
}

func (s *Service) observe(kind string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveMovement(kind, outcome(err))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return "duplicate"
	default:
		return "error"
	}
}

// committed runs the post-commit side effects of a movement. Failures are logged and
// never undo the movement.
func (s *Service) committed(ctx context.Context, actor Actor, evt MovementEvent, entity, entityID string, meta map[string]any) {
	ctx = context.WithoutCancel(ctx)
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump inventory cache", slog.Any("error", err))
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:     actor.UserID,
			Action:      "inventory:" + evt.Kind,
			Entity:      entity,
			EntityID:    entityID,
			WarehouseID: evt.WarehouseID,
			Meta:        meta,
			At:          evt.OccurredAt,
		}); err != nil {
			s.logger.Warn("record inventory audit", slog.String("kind", evt.Kind), slog.Any("error", err))
		}
	}
	if s.publisher != nil {
		evt.ID = uuid.New()
		evt.ActorID = actor.UserID
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Warn("publish inventory event", slog.String("kind", evt.Kind), slog.Any("error", err))
		}
	}
}

func (s *Service) authorize(actor Actor, warehouseID int64) error {
	if !actor.CanAccessWarehouse(warehouseID) {
		return fmt.Errorf("%w: user %d, warehouse %d", ErrUnauthorized, actor.UserID, warehouseID)
	}
	return nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func documentNumber(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", prefix, at.Format("20060102"), suffix)
}

// requireWarehouse loads a warehouse inside the transaction, optionally insisting it
// accepts stock.
func requireWarehouse(ctx context.Context, tx TxRepository, id int64, mustBeActive bool) (Warehouse, error) {
	wh, err := tx.GetWarehouse(ctx, id)
	if err != nil {
		return Warehouse{}, err
	}
	if mustBeActive && !wh.Active() {
		return Warehouse{}, fmt.Errorf("%w: %s", ErrWarehouseInactive, wh.Code)
	}
	return wh, nil
}
