package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/lotledger/internal/platform/db"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// TxRepository exposes transactional operations used by service. Every *ForUpdate
// method takes a row lock held until the transaction ends.
type TxRepository interface {
	LockLotKey(ctx context.Context, key string) error
	GetWarehouse(ctx context.Context, id int64) (Warehouse, error)
	FindLotForUpdate(ctx context.Context, productID, warehouseID int64, lotCode string) (Lot, error)
	GetLotsForUpdate(ctx context.Context, ids []int64) (map[int64]Lot, error)
	InsertLot(ctx context.Context, lot Lot) (Lot, error)
	UpdateLot(ctx context.Context, lot Lot) error
	InsertAdjustment(ctx context.Context, rec AdjustmentRecord) (int64, error)
	InsertTransaction(ctx context.Context, txn StockTransaction) (int64, error)
	InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error
	GetTransactionForUpdate(ctx context.Context, id int64) (StockTransaction, error)
	UpdateTransactionStatus(ctx context.Context, txn StockTransaction) error
	InsertTransfer(ctx context.Context, order TransferOrder) (int64, error)
	InsertTransferLines(ctx context.Context, transferID int64, lines []TransferLine) error
	GetTransferForUpdate(ctx context.Context, id int64) (TransferOrder, error)
	UpdateTransfer(ctx context.Context, order TransferOrder) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction. Serialization
// failures and deadlocks surface as ErrConcurrentModification.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if err != nil && db.IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	if err != nil && db.IsCheckViolation(err) {
		return fmt.Errorf("%w: %v", ErrInsufficientStock, err)
	}
	return err
}

const lotColumns = `l.id, l.product_id, COALESCE(p.code, ''), COALESCE(p.name, ''), l.warehouse_id, l.lot_code,
		l.production_date, l.exp_date, l.qty_on_hand, l.damaged, l.created_at, l.updated_at`

const lotFrom = `FROM lots l LEFT JOIN products p ON p.id = l.product_id`

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	err := row.Scan(&lot.ID, &lot.ProductID, &lot.ProductCode, &lot.ProductName, &lot.WarehouseID, &lot.LotCode,
		&lot.ProductionDate, &lot.ExpDate, &lot.QtyOnHand, &lot.Damaged, &lot.CreatedAt, &lot.UpdatedAt)
	return lot, err
}

func collectLots(rows pgx.Rows) ([]Lot, error) {
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func getWarehouse(ctx context.Context, q querier, id int64) (Warehouse, error) {
	var wh Warehouse
	err := q.QueryRow(ctx, `SELECT id, code, name, COALESCE(branch_id, 0), status FROM warehouses WHERE id = $1`, id).
		Scan(&wh.ID, &wh.Code, &wh.Name, &wh.BranchID, &wh.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, fmt.Errorf("%w: %d", ErrWarehouseNotFound, id)
		}
		return Warehouse{}, err
	}
	return wh, nil
}

// GetWarehouse returns one warehouse.
func (r *Repository) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	return getWarehouse(ctx, r.pool, id)
}

// ListWarehouses returns every warehouse ordered by code.
func (r *Repository) ListWarehouses(ctx context.Context) ([]Warehouse, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, COALESCE(branch_id, 0), status FROM warehouses ORDER BY code, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Warehouse
	for rows.Next() {
		var wh Warehouse
		if err := rows.Scan(&wh.ID, &wh.Code, &wh.Name, &wh.BranchID, &wh.Status); err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

// AvailableLots returns lots of a product in a warehouse that still hold on-hand stock.
func (r *Repository) AvailableLots(ctx context.Context, productID, warehouseID int64) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` `+lotFrom+`
		WHERE l.product_id = $1 AND l.warehouse_id = $2 AND l.qty_on_hand > 0
		ORDER BY l.exp_date ASC NULLS LAST, l.id`, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// StockLots returns every lot of a warehouse, empty ones included, so products
// that sold out still show up in the low-stock scan.
func (r *Repository) StockLots(ctx context.Context, warehouseID int64) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` `+lotFrom+`
		WHERE l.warehouse_id = $1
		ORDER BY l.product_id, l.exp_date ASC NULLS LAST, l.id`, warehouseID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// LotsByIDs returns the requested lots keyed by id. Unknown ids are absent.
func (r *Repository) LotsByIDs(ctx context.Context, ids []int64) (map[int64]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` `+lotFrom+` WHERE l.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	lots, err := collectLots(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Lot, len(lots))
	for _, lot := range lots {
		out[lot.ID] = lot
	}
	return out, nil
}

// ListLots lists lots ordered by expiry with empty lots hidden unless requested.
func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]Lot, int, error) {
	var w where
	if filter.ProductID != 0 {
		w.add("l.product_id = $%d", filter.ProductID)
	}
	if filter.WarehouseID != 0 {
		w.add("l.warehouse_id = $%d", filter.WarehouseID)
	}
	if !filter.IncludeEmpty {
		w.raw("(l.qty_on_hand > 0 OR l.damaged > 0)")
	}
	asOf := filter.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	switch filter.Status {
	case LotStatusExpired:
		w.add("l.exp_date < $%d", asOf)
	case LotStatusDamaged:
		w.add("(l.exp_date IS NULL OR l.exp_date >= $%d) AND l.qty_on_hand = 0 AND l.damaged > 0", asOf)
	case LotStatusActive:
		w.add("(l.exp_date IS NULL OR l.exp_date >= $%d) AND NOT (l.qty_on_hand = 0 AND l.damaged > 0)", asOf)
	}
	if filter.Search != "" {
		w.add("(LOWER(l.lot_code) LIKE $%[1]d OR LOWER(p.code) LIKE $%[1]d OR LOWER(p.name) LIKE $%[1]d)", like(filter.Search))
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) `+lotFrom+` `+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s %s %s ORDER BY l.exp_date ASC NULLS LAST, l.id LIMIT %d OFFSET %d`,
		lotColumns, lotFrom, w.clause(), filter.PageSize, shared.Offset(filter.Page, filter.PageSize))
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	lots, err := collectLots(rows)
	return lots, total, err
}

const transactionColumns = `t.id, t.number, t.tx_type, t.warehouse_id, COALESCE(t.supplier_id, 0), t.created_by,
		COALESCE(u.username, ''), t.note, t.status, t.cancelled_by, t.cancelled_at, t.created_at`

const transactionFrom = `FROM stock_transactions t LEFT JOIN users u ON u.id = t.created_by`

func scanTransaction(row pgx.Row) (StockTransaction, error) {
	var t StockTransaction
	err := row.Scan(&t.ID, &t.Number, &t.Type, &t.WarehouseID, &t.SupplierID, &t.CreatedBy,
		&t.CreatedByName, &t.Note, &t.Status, &t.CancelledBy, &t.CancelledAt, &t.CreatedAt)
	return t, err
}

func transactionLines(ctx context.Context, q querier, ids []int64) (map[int64][]TransactionLine, error) {
	rows, err := q.Query(ctx, `SELECT id, transaction_id, lot_id, product_id, lot_code, qty
		FROM stock_transaction_lines WHERE transaction_id = ANY($1) ORDER BY transaction_id, id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]TransactionLine, len(ids))
	for rows.Next() {
		var line TransactionLine
		if err := rows.Scan(&line.ID, &line.TransactionID, &line.LotID, &line.ProductID, &line.LotCode, &line.Qty); err != nil {
			return nil, err
		}
		out[line.TransactionID] = append(out[line.TransactionID], line)
	}
	return out, rows.Err()
}

func getTransaction(ctx context.Context, q querier, id int64, lock bool) (StockTransaction, error) {
	query := `SELECT ` + transactionColumns + ` ` + transactionFrom + ` WHERE t.id = $1`
	if lock {
		query += ` FOR UPDATE OF t`
	}
	txn, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockTransaction{}, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
		}
		return StockTransaction{}, err
	}
	lines, err := transactionLines(ctx, q, []int64{id})
	if err != nil {
		return StockTransaction{}, err
	}
	txn.Lines = lines[id]
	return txn, nil
}

// GetTransaction returns a transaction with its lines.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (StockTransaction, error) {
	return getTransaction(ctx, r.pool, id, false)
}

// ListTransactions lists transactions newest first.
func (r *Repository) ListTransactions(ctx context.Context, filter HistoryFilter) ([]StockTransaction, int, error) {
	var w where
	historyRange(&w, "t.created_at", filter)
	if filter.WarehouseID != 0 {
		w.add("t.warehouse_id = $%d", filter.WarehouseID)
	}
	if filter.Status != "" {
		w.add("t.status = $%d", filter.Status)
	}
	if filter.Type != "" {
		w.add("t.tx_type = $%d", filter.Type)
	}
	if filter.Search != "" {
		w.add(`(LOWER(t.number) LIKE $%[1]d OR LOWER(u.username) LIKE $%[1]d OR EXISTS (
			SELECT 1 FROM stock_transaction_lines sl LEFT JOIN products p ON p.id = sl.product_id
			WHERE sl.transaction_id = t.id AND (LOWER(sl.lot_code) LIKE $%[1]d OR LOWER(p.code) LIKE $%[1]d OR LOWER(p.name) LIKE $%[1]d)))`, like(filter.Search))
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) `+transactionFrom+` `+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s %s %s ORDER BY t.created_at DESC, t.id DESC LIMIT %d OFFSET %d`,
		transactionColumns, transactionFrom, w.clause(), filter.PageSize, shared.Offset(filter.Page, filter.PageSize))
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []StockTransaction
	var ids []int64
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, txn)
		ids = append(ids, txn.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return out, total, nil
	}
	lines, err := transactionLines(ctx, r.pool, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
	}
	return out, total, nil
}

const transferColumns = `o.id, o.number, o.source_warehouse_id, o.destination_warehouse_id, o.status, o.created_by,
		COALESCE(u.username, ''), o.resolved_by, o.note, o.resolution_note, o.created_at, o.resolved_at`

const transferFrom = `FROM transfer_orders o LEFT JOIN users u ON u.id = o.created_by`

func scanTransfer(row pgx.Row) (TransferOrder, error) {
	var o TransferOrder
	err := row.Scan(&o.ID, &o.Number, &o.SourceWarehouseID, &o.DestinationWarehouseID, &o.Status, &o.CreatedBy,
		&o.CreatedByName, &o.ResolvedBy, &o.Note, &o.ResolutionNote, &o.CreatedAt, &o.ResolvedAt)
	return o, err
}

func transferLines(ctx context.Context, q querier, ids []int64) (map[int64][]TransferLine, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_id, source_lot_id, destination_lot_id, product_id, lot_code,
			production_date, exp_date, qty
		FROM transfer_order_lines WHERE transfer_id = ANY($1) ORDER BY transfer_id, id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]TransferLine, len(ids))
	for rows.Next() {
		var line TransferLine
		if err := rows.Scan(&line.ID, &line.TransferID, &line.SourceLotID, &line.DestinationLotID, &line.ProductID,
			&line.LotCode, &line.ProductionDate, &line.ExpDate, &line.Qty); err != nil {
			return nil, err
		}
		out[line.TransferID] = append(out[line.TransferID], line)
	}
	return out, rows.Err()
}

func getTransfer(ctx context.Context, q querier, id int64, lock bool) (TransferOrder, error) {
	query := `SELECT ` + transferColumns + ` ` + transferFrom + ` WHERE o.id = $1`
	if lock {
		query += ` FOR UPDATE OF o`
	}
	order, err := scanTransfer(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransferOrder{}, fmt.Errorf("%w: %d", ErrTransferNotFound, id)
		}
		return TransferOrder{}, err
	}
	lines, err := transferLines(ctx, q, []int64{id})
	if err != nil {
		return TransferOrder{}, err
	}
	order.Lines = lines[id]
	return order, nil
}

// GetTransfer returns a transfer with its lines.
func (r *Repository) GetTransfer(ctx context.Context, id int64) (TransferOrder, error) {
	return getTransfer(ctx, r.pool, id, false)
}

// ListTransfers lists transfers newest first. The warehouse filter matches either side.
func (r *Repository) ListTransfers(ctx context.Context, filter HistoryFilter) ([]TransferOrder, int, error) {
	var w where
	historyRange(&w, "o.created_at", filter)
	if filter.WarehouseID != 0 {
		w.add("(o.source_warehouse_id = $%[1]d OR o.destination_warehouse_id = $%[1]d)", filter.WarehouseID)
	}
	if filter.Status != "" {
		w.add("o.status = $%d", filter.Status)
	}
	if filter.Search != "" {
		w.add(`(LOWER(o.number) LIKE $%[1]d OR LOWER(u.username) LIKE $%[1]d OR EXISTS (
			SELECT 1 FROM transfer_order_lines tl LEFT JOIN products p ON p.id = tl.product_id
			WHERE tl.transfer_id = o.id AND (LOWER(tl.lot_code) LIKE $%[1]d OR LOWER(p.code) LIKE $%[1]d OR LOWER(p.name) LIKE $%[1]d)))`, like(filter.Search))
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) `+transferFrom+` `+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s %s %s ORDER BY o.created_at DESC, o.id DESC LIMIT %d OFFSET %d`,
		transferColumns, transferFrom, w.clause(), filter.PageSize, shared.Offset(filter.Page, filter.PageSize))
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []TransferOrder
	var ids []int64
	for rows.Next() {
		order, err := scanTransfer(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return out, total, nil
	}
	lines, err := transferLines(ctx, r.pool, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
	}
	return out, total, nil
}

// ListAdjustments lists adjustment records newest first. Type filters by reason.
func (r *Repository) ListAdjustments(ctx context.Context, filter HistoryFilter) ([]AdjustmentRecord, int, error) {
	var w where
	historyRange(&w, "a.created_at", filter)
	if filter.WarehouseID != 0 {
		w.add("a.warehouse_id = $%d", filter.WarehouseID)
	}
	if filter.Type != "" {
		w.add("a.reason = $%d", filter.Type)
	}
	if filter.Search != "" {
		w.add("(LOWER(a.lot_code) LIKE $%[1]d OR LOWER(p.code) LIKE $%[1]d OR LOWER(p.name) LIKE $%[1]d OR LOWER(u.username) LIKE $%[1]d)", like(filter.Search))
	}
	from := `FROM lot_adjustments a LEFT JOIN products p ON p.id = a.product_id LEFT JOIN users u ON u.id = a.created_by`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) `+from+` `+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT a.id, a.lot_id, a.product_id, a.warehouse_id, a.lot_code, a.delta, a.damaged_delta, a.reason,
			a.before_on_hand, a.after_on_hand, a.before_damaged, a.after_damaged, a.ref_type, COALESCE(a.ref_id, 0),
			a.note, a.created_by, COALESCE(u.username, ''), a.created_at
		%s %s ORDER BY a.created_at DESC, a.id DESC LIMIT %d OFFSET %d`, from, w.clause(), filter.PageSize, shared.Offset(filter.Page, filter.PageSize))
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []AdjustmentRecord
	for rows.Next() {
		var a AdjustmentRecord
		if err := rows.Scan(&a.ID, &a.LotID, &a.ProductID, &a.WarehouseID, &a.LotCode, &a.Delta, &a.DamagedDelta, &a.Reason,
			&a.BeforeOnHand, &a.AfterOnHand, &a.BeforeDamaged, &a.AfterDamaged, &a.RefType, &a.RefID,
			&a.Note, &a.CreatedBy, &a.CreatedByName, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// InTransit sums pending transfer quantity per product and route.
func (r *Repository) InTransit(ctx context.Context, filter InTransitFilter) ([]InTransitLine, error) {
	var w where
	w.raw("o.status = 'PENDING'")
	if filter.ProductID != 0 {
		w.add("tl.product_id = $%d", filter.ProductID)
	}
	if filter.WarehouseID != 0 {
		w.add("(o.source_warehouse_id = $%[1]d OR o.destination_warehouse_id = $%[1]d)", filter.WarehouseID)
	}
	rows, err := r.pool.Query(ctx, `SELECT tl.product_id, o.source_warehouse_id, o.destination_warehouse_id, SUM(tl.qty)
		FROM transfer_order_lines tl JOIN transfer_orders o ON o.id = tl.transfer_id `+w.clause()+`
		GROUP BY tl.product_id, o.source_warehouse_id, o.destination_warehouse_id
		ORDER BY tl.product_id, o.source_warehouse_id, o.destination_warehouse_id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InTransitLine
	for rows.Next() {
		var line InTransitLine
		if err := rows.Scan(&line.ProductID, &line.SourceWarehouseID, &line.DestinationWarehouseID, &line.Qty); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (r *txRepo) LockLotKey(ctx context.Context, key string) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (r *txRepo) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	return getWarehouse(ctx, r.tx, id)
}

func (r *txRepo) FindLotForUpdate(ctx context.Context, productID, warehouseID int64, lotCode string) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` `+lotFrom+`
		WHERE l.product_id = $1 AND l.warehouse_id = $2 AND l.lot_code = $3 FOR UPDATE OF l`, productID, warehouseID, lotCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

// GetLotsForUpdate locks the lots in ascending id order so concurrent movements
// touching overlapping lots cannot deadlock.
func (r *txRepo) GetLotsForUpdate(ctx context.Context, ids []int64) (map[int64]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` `+lotFrom+`
		WHERE l.id = ANY($1) ORDER BY l.id FOR UPDATE OF l`, sortedUnique(ids))
	if err != nil {
		return nil, err
	}
	lots, err := collectLots(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Lot, len(lots))
	for _, lot := range lots {
		out[lot.ID] = lot
	}
	return out, nil
}

func (r *txRepo) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO lots (product_id, warehouse_id, lot_code, production_date, exp_date, qty_on_hand, damaged, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING id`,
		lot.ProductID, lot.WarehouseID, lot.LotCode, lot.ProductionDate, lot.ExpDate, lot.QtyOnHand, lot.Damaged, lot.CreatedAt).Scan(&lot.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Lot{}, fmt.Errorf("%w: lot %s created concurrently", ErrConcurrentModification, lot.LotCode)
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepo) UpdateLot(ctx context.Context, lot Lot) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lots SET qty_on_hand = $2, damaged = $3, production_date = $4, exp_date = $5, updated_at = $6 WHERE id = $1`,
		lot.ID, lot.QtyOnHand, lot.Damaged, lot.ProductionDate, lot.ExpDate, lot.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrLotNotFound, lot.ID)
	}
	return nil
}

func (r *txRepo) InsertAdjustment(ctx context.Context, rec AdjustmentRecord) (int64, error) {
	var refID any
	if rec.RefID != 0 {
		refID = rec.RefID
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lot_adjustments (lot_id, product_id, warehouse_id, lot_code, delta, damaged_delta, reason,
			before_on_hand, after_on_hand, before_damaged, after_damaged, ref_type, ref_id, note, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING id`,
		rec.LotID, rec.ProductID, rec.WarehouseID, rec.LotCode, rec.Delta, rec.DamagedDelta, rec.Reason,
		rec.BeforeOnHand, rec.AfterOnHand, rec.BeforeDamaged, rec.AfterDamaged, rec.RefType, refID, rec.Note, rec.CreatedBy, rec.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertTransaction(ctx context.Context, txn StockTransaction) (int64, error) {
	var supplierID any
	if txn.SupplierID != 0 {
		supplierID = txn.SupplierID
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transactions (number, tx_type, warehouse_id, supplier_id, created_by, note, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		txn.Number, txn.Type, txn.WarehouseID, supplierID, txn.CreatedBy, txn.Note, txn.Status, txn.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO stock_transaction_lines (transaction_id, lot_id, product_id, lot_code, qty) VALUES ($1, $2, $3, $4, $5)`,
			txID, line.LotID, line.ProductID, line.LotCode, line.Qty)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepo) GetTransactionForUpdate(ctx context.Context, id int64) (StockTransaction, error) {
	return getTransaction(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateTransactionStatus(ctx context.Context, txn StockTransaction) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_transactions SET status = $2, cancelled_by = $3, cancelled_at = $4 WHERE id = $1`,
		txn.ID, txn.Status, txn.CancelledBy, txn.CancelledAt)
	return err
}

func (r *txRepo) InsertTransfer(ctx context.Context, order TransferOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfer_orders (number, source_warehouse_id, destination_warehouse_id, status, created_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		order.Number, order.SourceWarehouseID, order.DestinationWarehouseID, order.Status, order.CreatedBy, order.Note, order.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertTransferLines(ctx context.Context, transferID int64, lines []TransferLine) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO transfer_order_lines (transfer_id, source_lot_id, product_id, lot_code, production_date, exp_date, qty)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			transferID, line.SourceLotID, line.ProductID, line.LotCode, line.ProductionDate, line.ExpDate, line.Qty)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepo) GetTransferForUpdate(ctx context.Context, id int64) (TransferOrder, error) {
	return getTransfer(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateTransfer(ctx context.Context, order TransferOrder) error {
	if _, err := r.tx.Exec(ctx, `UPDATE transfer_orders SET status = $2, resolved_by = $3, resolved_at = $4, resolution_note = $5 WHERE id = $1`,
		order.ID, order.Status, order.ResolvedBy, order.ResolvedAt, order.ResolutionNote); err != nil {
		return err
	}
	for _, line := range order.Lines {
		if line.DestinationLotID == nil {
			continue
		}
		if _, err := r.tx.Exec(ctx, `UPDATE transfer_order_lines SET destination_lot_id = $2 WHERE id = $1`, line.ID, *line.DestinationLotID); err != nil {
			return err
		}
	}
	return nil
}

// where accumulates positional SQL conditions.
type where struct {
	conds []string
	args  []any
}

// add appends a condition whose placeholders refer to one new argument.
func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) raw(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.conds, " AND ")
}

func historyRange(w *where, column string, filter HistoryFilter) {
	if !filter.From.IsZero() {
		w.add(column+" >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		w.add(column+" <= $%d", filter.To)
	}
}

func like(search string) string {
	return "%" + strings.ToLower(search) + "%"
}

