package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryState struct {
	warehouses  map[int64]Warehouse
	lots        map[int64]Lot
	txns        map[int64]StockTransaction
	transfers   map[int64]TransferOrder
	adjustments []AdjustmentRecord
	nextID      int64
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		warehouses:  make(map[int64]Warehouse, len(s.warehouses)),
		lots:        make(map[int64]Lot, len(s.lots)),
		txns:        make(map[int64]StockTransaction, len(s.txns)),
		transfers:   make(map[int64]TransferOrder, len(s.transfers)),
		adjustments: append([]AdjustmentRecord(nil), s.adjustments...),
		nextID:      s.nextID,
	}
	for k, v := range s.warehouses {
		out.warehouses[k] = v
	}
	for k, v := range s.lots {
		out.lots[k] = v
	}
	for k, v := range s.txns {
		v.Lines = append([]TransactionLine(nil), v.Lines...)
		out.txns[k] = v
	}
	for k, v := range s.transfers {
		v.Lines = append([]TransferLine(nil), v.Lines...)
		out.transfers[k] = v
	}
	return out
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

// memoryRepo serialises transactions with a mutex and commits by swapping in the
// working copy, so a failed callback leaves no trace.
type memoryRepo struct {
	mu      sync.Mutex
	state   *memoryState
	txCount int

	// onBegin mutates committed state right before a transaction starts, standing in
	// for a competing writer that commits between planning and locking.
	onBegin func(*memoryState)
}

type memoryTx struct {
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		warehouses: make(map[int64]Warehouse),
		lots:       make(map[int64]Lot),
		txns:       make(map[int64]StockTransaction),
		transfers:  make(map[int64]TransferOrder),
		nextID:     100,
	}}
}

func (r *memoryRepo) addWarehouse(id int64, status WarehouseStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.warehouses[id] = Warehouse{ID: id, Code: fmt.Sprintf("WH%d", id), Name: fmt.Sprintf("Warehouse %d", id), Status: status}
}

func (r *memoryRepo) addLot(lot Lot) Lot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lot.ID == 0 {
		lot.ID = r.state.id()
	}
	r.state.lots[lot.ID] = lot
	return lot
}

func (r *memoryRepo) lot(id int64) Lot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.lots[id]
}

func (r *memoryRepo) lotByCode(productID, warehouseID int64, code string) (Lot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lot := range r.state.lots {
		if lot.ProductID == productID && lot.WarehouseID == warehouseID && lot.LotCode == code {
			return lot, true
		}
	}
	return Lot{}, false
}

func (r *memoryRepo) onHand(productID, warehouseID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, lot := range r.state.lots {
		if lot.ProductID == productID && lot.WarehouseID == warehouseID {
			total += lot.QtyOnHand
		}
	}
	return total
}

func (r *memoryRepo) adjustmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.adjustments)
}

func (r *memoryRepo) transactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.txns)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	if r.onBegin != nil {
		r.onBegin(r.state)
	}
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{state: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryTx{state: r.state}).GetWarehouse(ctx, id)
}

func (r *memoryRepo) ListWarehouses(ctx context.Context) ([]Warehouse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Warehouse
	for _, wh := range r.state.warehouses {
		out = append(out, wh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) AvailableLots(ctx context.Context, productID, warehouseID int64) ([]Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Lot
	for _, lot := range r.state.lots {
		if lot.ProductID == productID && lot.WarehouseID == warehouseID && lot.QtyOnHand > 0 {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (r *memoryRepo) StockLots(ctx context.Context, warehouseID int64) ([]Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Lot
	for _, lot := range r.state.lots {
		if lot.WarehouseID == warehouseID {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) LotsByIDs(ctx context.Context, ids []int64) (map[int64]Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]Lot)
	for _, id := range ids {
		if lot, ok := r.state.lots[id]; ok {
			out[id] = lot
		}
	}
	return out, nil
}

func (r *memoryRepo) ListLots(ctx context.Context, filter LotFilter) ([]Lot, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Lot
	for _, lot := range r.state.lots {
		if filter.ProductID != 0 && lot.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != 0 && lot.WarehouseID != filter.WarehouseID {
			continue
		}
		if !filter.IncludeEmpty && lot.Total() == 0 {
			continue
		}
		if filter.Status != "" && lot.StatusAt(filter.AsOf) != filter.Status {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(lot.LotCode), filter.Search) {
			continue
		}
		out = append(out, lot)
	}
	sortFEFO(out)
	return paginate(out, filter.Page, filter.PageSize), len(out), nil
}

func (r *memoryRepo) ListTransactions(ctx context.Context, filter HistoryFilter) ([]StockTransaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StockTransaction
	for _, txn := range r.state.txns {
		if filter.WarehouseID != 0 && txn.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Status != "" && string(txn.Status) != filter.Status {
			continue
		}
		if filter.Type != "" && string(txn.Type) != filter.Type {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(txn.Number), filter.Search) {
			continue
		}
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, filter.Page, filter.PageSize), len(out), nil
}

func (r *memoryRepo) GetTransaction(ctx context.Context, id int64) (StockTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryTx{state: r.state}).GetTransactionForUpdate(ctx, id)
}

func (r *memoryRepo) ListTransfers(ctx context.Context, filter HistoryFilter) ([]TransferOrder, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TransferOrder
	for _, order := range r.state.transfers {
		if filter.WarehouseID != 0 && order.SourceWarehouseID != filter.WarehouseID && order.DestinationWarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Status != "" && string(order.Status) != filter.Status {
			continue
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, filter.Page, filter.PageSize), len(out), nil
}

func (r *memoryRepo) GetTransfer(ctx context.Context, id int64) (TransferOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryTx{state: r.state}).GetTransferForUpdate(ctx, id)
}

func (r *memoryRepo) ListAdjustments(ctx context.Context, filter HistoryFilter) ([]AdjustmentRecord, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AdjustmentRecord
	for _, rec := range r.state.adjustments {
		if filter.WarehouseID != 0 && rec.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Type != "" && string(rec.Reason) != filter.Type {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, filter.Page, filter.PageSize), len(out), nil
}

func (r *memoryRepo) InTransit(ctx context.Context, filter InTransitFilter) ([]InTransitLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type key struct{ product, src, dst int64 }
	sums := make(map[key]int64)
	for _, order := range r.state.transfers {
		if order.Status != TransferPending {
			continue
		}
		if filter.WarehouseID != 0 && order.SourceWarehouseID != filter.WarehouseID && order.DestinationWarehouseID != filter.WarehouseID {
			continue
		}
		for _, line := range order.Lines {
			if filter.ProductID != 0 && line.ProductID != filter.ProductID {
				continue
			}
			sums[key{line.ProductID, order.SourceWarehouseID, order.DestinationWarehouseID}] += line.Qty
		}
	}
	var out []InTransitLine
	for k, qty := range sums {
		out = append(out, InTransitLine{ProductID: k.product, SourceWarehouseID: k.src, DestinationWarehouseID: k.dst, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func paginate[T any](items []T, page, perPage int) []T {
	if perPage <= 0 {
		return items
	}
	start := (page - 1) * perPage
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return nil
	}
	end := min(start+perPage, len(items))
	return items[start:end]
}

func (tx *memoryTx) LockLotKey(ctx context.Context, key string) error {
	return nil
}

func (tx *memoryTx) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	wh, ok := tx.state.warehouses[id]
	if !ok {
		return Warehouse{}, fmt.Errorf("%w: %d", ErrWarehouseNotFound, id)
	}
	return wh, nil
}

func (tx *memoryTx) FindLotForUpdate(ctx context.Context, productID, warehouseID int64, lotCode string) (Lot, error) {
	for _, lot := range tx.state.lots {
		if lot.ProductID == productID && lot.WarehouseID == warehouseID && lot.LotCode == lotCode {
			return lot, nil
		}
	}
	return Lot{}, ErrLotNotFound
}

func (tx *memoryTx) GetLotsForUpdate(ctx context.Context, ids []int64) (map[int64]Lot, error) {
	out := make(map[int64]Lot)
	for _, id := range sortedUnique(ids) {
		if lot, ok := tx.state.lots[id]; ok {
			out[id] = lot
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	if _, err := tx.FindLotForUpdate(ctx, lot.ProductID, lot.WarehouseID, lot.LotCode); err == nil {
		return Lot{}, errors.New("duplicate lot")
	}
	lot.ID = tx.state.id()
	tx.state.lots[lot.ID] = lot
	return lot, nil
}

func (tx *memoryTx) UpdateLot(ctx context.Context, lot Lot) error {
	if _, ok := tx.state.lots[lot.ID]; !ok {
		return ErrLotNotFound
	}
	if lot.QtyOnHand < 0 || lot.Damaged < 0 {
		return errors.New("check constraint violated")
	}
	tx.state.lots[lot.ID] = lot
	return nil
}

func (tx *memoryTx) InsertAdjustment(ctx context.Context, rec AdjustmentRecord) (int64, error) {
	rec.ID = tx.state.id()
	tx.state.adjustments = append(tx.state.adjustments, rec)
	return rec.ID, nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, txn StockTransaction) (int64, error) {
	txn.ID = tx.state.id()
	tx.state.txns[txn.ID] = txn
	return txn.ID, nil
}

func (tx *memoryTx) InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error {
	txn, ok := tx.state.txns[txID]
	if !ok {
		return ErrTransactionNotFound
	}
	for _, line := range lines {
		line.ID = tx.state.id()
		line.TransactionID = txID
		txn.Lines = append(txn.Lines, line)
	}
	tx.state.txns[txID] = txn
	return nil
}

func (tx *memoryTx) GetTransactionForUpdate(ctx context.Context, id int64) (StockTransaction, error) {
	txn, ok := tx.state.txns[id]
	if !ok {
		return StockTransaction{}, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	txn.Lines = append([]TransactionLine(nil), txn.Lines...)
	return txn, nil
}

func (tx *memoryTx) UpdateTransactionStatus(ctx context.Context, txn StockTransaction) error {
	stored, ok := tx.state.txns[txn.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	stored.Status = txn.Status
	stored.CancelledBy = txn.CancelledBy
	stored.CancelledAt = txn.CancelledAt
	tx.state.txns[txn.ID] = stored
	return nil
}

func (tx *memoryTx) InsertTransfer(ctx context.Context, order TransferOrder) (int64, error) {
	order.ID = tx.state.id()
	tx.state.transfers[order.ID] = order
	return order.ID, nil
}

func (tx *memoryTx) InsertTransferLines(ctx context.Context, transferID int64, lines []TransferLine) error {
	order, ok := tx.state.transfers[transferID]
	if !ok {
		return ErrTransferNotFound
	}
	for _, line := range lines {
		line.ID = tx.state.id()
		line.TransferID = transferID
		order.Lines = append(order.Lines, line)
	}
	tx.state.transfers[transferID] = order
	return nil
}

func (tx *memoryTx) GetTransferForUpdate(ctx context.Context, id int64) (TransferOrder, error) {
	order, ok := tx.state.transfers[id]
	if !ok {
		return TransferOrder{}, fmt.Errorf("%w: %d", ErrTransferNotFound, id)
	}
	order.Lines = append([]TransferLine(nil), order.Lines...)
	return order, nil
}

func (tx *memoryTx) UpdateTransfer(ctx context.Context, order TransferOrder) error {
	stored, ok := tx.state.transfers[order.ID]
	if !ok {
		return ErrTransferNotFound
	}
	stored.Status = order.Status
	stored.ResolvedBy = order.ResolvedBy
	stored.ResolvedAt = order.ResolvedAt
	stored.ResolutionNote = order.ResolutionNote
	for i := range stored.Lines {
		for _, line := range order.Lines {
			if line.ID == stored.Lines[i].ID && line.DestinationLotID != nil {
				stored.Lines[i].DestinationLotID = line.DestinationLotID
			}
		}
	}
	tx.state.transfers[order.ID] = stored
	return nil
}

// fakeClock returns a fixed instant.
func fakeClock() time.Time {
	return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
}
