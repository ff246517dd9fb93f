package inventory

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// ListLots lists lots with their status derived at the current time.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) (Page[Lot], error) {
	filter.Page, filter.PageSize = shared.NormalizePage(filter.Page, filter.PageSize)
	filter.Search = normalizeSearch(filter.Search)
	filter.AsOf = s.clock()
	lots, total, err := s.repo.ListLots(ctx, filter)
	if err != nil {
		return Page[Lot]{}, err
	}
	if lots == nil {
		lots = []Lot{}
	}
	for i := range lots {
		lots[i].Status = lots[i].StatusAt(filter.AsOf)
	}
	return Page[Lot]{Items: lots, Pagination: shared.NewPagination(filter.Page, filter.PageSize, total)}, nil
}

// ListTransactions lists receive and issue transactions.
func (s *Service) ListTransactions(ctx context.Context, filter HistoryFilter) (Page[StockTransaction], error) {
	filter = normalizeHistory(filter)
	var page Page[StockTransaction]
	err := s.cachedPage(ctx, "transactions", filter, &page, func(ctx context.Context) (any, error) {
		items, total, err := s.repo.ListTransactions(ctx, filter)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []StockTransaction{}
		}
		return Page[StockTransaction]{Items: items, Pagination: shared.NewPagination(filter.Page, filter.PageSize, total)}, nil
	})
	return page, err
}

// ListTransfers lists transfer orders.
func (s *Service) ListTransfers(ctx context.Context, filter HistoryFilter) (Page[TransferOrder], error) {
	filter = normalizeHistory(filter)
	var page Page[TransferOrder]
	err := s.cachedPage(ctx, "transfers", filter, &page, func(ctx context.Context) (any, error) {
		items, total, err := s.repo.ListTransfers(ctx, filter)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []TransferOrder{}
		}
		return Page[TransferOrder]{Items: items, Pagination: shared.NewPagination(filter.Page, filter.PageSize, total)}, nil
	})
	return page, err
}

// ListAdjustments lists lot adjustment records.
func (s *Service) ListAdjustments(ctx context.Context, filter HistoryFilter) (Page[AdjustmentRecord], error) {
	filter = normalizeHistory(filter)
	var page Page[AdjustmentRecord]
	err := s.cachedPage(ctx, "adjustments", filter, &page, func(ctx context.Context) (any, error) {
		items, total, err := s.repo.ListAdjustments(ctx, filter)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []AdjustmentRecord{}
		}
		return Page[AdjustmentRecord]{Items: items, Pagination: shared.NewPagination(filter.Page, filter.PageSize, total)}, nil
	})
	return page, err
}

// GetTransaction returns a transaction with its lines.
func (s *Service) GetTransaction(ctx context.Context, id int64) (StockTransaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// GetTransfer returns a transfer with its lines.
func (s *Service) GetTransfer(ctx context.Context, id int64) (TransferOrder, error) {
	return s.repo.GetTransfer(ctx, id)
}

// Warehouses lists every warehouse.
func (s *Service) Warehouses(ctx context.Context) ([]Warehouse, error) {
	return s.repo.ListWarehouses(ctx)
}

func (s *Service) cachedPage(ctx context.Context, name string, filter HistoryFilter, dest any, loader func(context.Context) (any, error)) error {
	key, err := s.cache.BuildKey(ctx, historyKeyParts(name, filter)...)
	if err != nil {
		// a broken cache must not hide the ledger
		s.logger.Warn("build inventory cache key", slog.Any("error", err))
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		return roundTrip(value, dest)
	}
	return s.cache.FetchJSON(ctx, key, dest, loader)
}

func historyKeyParts(name string, f HistoryFilter) []string {
	return []string{
		"inventory", "history", name,
		timeToken(f.From),
		timeToken(f.To),
		strconv.FormatInt(f.WarehouseID, 10),
		f.Status,
		f.Type,
		f.Search,
		strconv.Itoa(f.Page),
		strconv.Itoa(f.PageSize),
	}
}

func timeToken(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func normalizeHistory(f HistoryFilter) HistoryFilter {
	f.Page, f.PageSize = shared.NormalizePage(f.Page, f.PageSize)
	f.Status = strings.ToUpper(strings.TrimSpace(f.Status))
	f.Type = strings.ToUpper(strings.TrimSpace(f.Type))
	f.Search = normalizeSearch(f.Search)
	return f
}

// normalizeSearch case-folds free text and collapses whitespace so equivalent queries
// share a cache entry.
func normalizeSearch(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return ""
	}
	return strings.Join(strings.Fields(cases.Fold().String(q)), " ")
}
