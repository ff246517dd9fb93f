package inventory

import (
	"time"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// Actor identifies who performs a movement and which warehouses they may touch.
type Actor = shared.Principal

// TransactionType enumerates ledger movement types.
type TransactionType string

const (
	// TransactionTypeReceive represents inbound stock from a supplier.
	TransactionTypeReceive TransactionType = "RECEIVE"
	// TransactionTypeSale represents stock sold to a customer.
	TransactionTypeSale TransactionType = "SALE"
	// TransactionTypeWaste represents stock written off as waste.
	TransactionTypeWaste TransactionType = "WASTE"
	// TransactionTypeWelfare represents stock given away as staff welfare.
	TransactionTypeWelfare TransactionType = "WELFARE"
	// TransactionTypeActivity represents stock consumed by an event or activity.
	TransactionTypeActivity TransactionType = "ACTIVITY"
	// TransactionTypeExpired represents disposal of expired stock.
	TransactionTypeExpired TransactionType = "EXPIRED"
	// TransactionTypeTransfer is reserved for transfer order history.
	TransactionTypeTransfer TransactionType = "TRANSFER"
)

// Issuable reports whether the type decrements stock through Issue.
func (t TransactionType) Issuable() bool {
	switch t {
	case TransactionTypeSale, TransactionTypeWaste, TransactionTypeWelfare, TransactionTypeActivity, TransactionTypeExpired:
		return true
	}
	return false
}

// TransactionStatus tracks whether an issue still stands.
type TransactionStatus string

const (
	TransactionActive    TransactionStatus = "ACTIVE"
	TransactionCancelled TransactionStatus = "CANCELLED"
)

// TransferStatus tracks the transfer workflow state.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferConfirmed TransferStatus = "CONFIRMED"
	TransferRejected  TransferStatus = "REJECTED"
)

// WarehouseStatus marks whether a warehouse may receive stock.
type WarehouseStatus string

const (
	WarehouseActive   WarehouseStatus = "ACTIVE"
	WarehouseInactive WarehouseStatus = "INACTIVE"
)

// LotStatus is the read-time classification of a lot.
type LotStatus string

const (
	LotStatusActive  LotStatus = "active"
	LotStatusDamaged LotStatus = "damaged"
	LotStatusExpired LotStatus = "expired"
)

// Bucket names one of the two quantity buckets held by a lot.
type Bucket string

const (
	BucketOnHand  Bucket = "on_hand"
	BucketDamaged Bucket = "damaged"
)

func (b Bucket) valid() bool {
	return b == BucketOnHand || b == BucketDamaged
}

// AdjustmentReason explains an adjustment record.
type AdjustmentReason string

const (
	ReasonManualAdjustment AdjustmentReason = "MANUAL_ADJUSTMENT"
	ReasonDamage           AdjustmentReason = "DAMAGE"
	ReasonReceived         AdjustmentReason = "RECEIVED"
	ReasonLost             AdjustmentReason = "LOST"
	ReasonStockCount       AdjustmentReason = "STOCK_COUNT"
	ReasonIssued           AdjustmentReason = "ISSUED"
	ReasonIssueCancelled   AdjustmentReason = "ISSUE_CANCELLED"
	ReasonTransferOut      AdjustmentReason = "TRANSFER_OUT"
	ReasonTransferIn       AdjustmentReason = "TRANSFER_IN"
	ReasonTransferRejected AdjustmentReason = "TRANSFER_REJECTED"
	ReasonReclassified     AdjustmentReason = "RECLASSIFIED"
)

// RefType names the document an adjustment record belongs to.
type RefType string

const (
	RefNone        RefType = ""
	RefTransaction RefType = "STOCK_TRANSACTION"
	RefTransfer    RefType = "TRANSFER_ORDER"
)

// Warehouse is the read-only view of warehouse master data.
type Warehouse struct {
	ID       int64           `json:"id"`
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	BranchID int64           `json:"branch_id,omitempty"`
	Status   WarehouseStatus `json:"status"`
}

// Active reports whether the warehouse accepts stock.
func (w Warehouse) Active() bool {
	return w.Status == WarehouseActive
}

// Lot is a traceable batch of one product in one warehouse.
type Lot struct {
	ID             int64      `json:"id"`
	ProductID      int64      `json:"product_id"`
	ProductCode    string     `json:"product_code,omitempty"`
	ProductName    string     `json:"product_name,omitempty"`
	WarehouseID    int64      `json:"warehouse_id"`
	LotCode        string     `json:"lot_code"`
	ProductionDate *time.Time `json:"production_date,omitempty"`
	ExpDate        *time.Time `json:"exp_date,omitempty"`
	QtyOnHand      int64      `json:"qty_on_hand"`
	Damaged        int64      `json:"damaged"`
	Status         LotStatus  `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Total returns the physical quantity of the lot across both buckets.
func (l Lot) Total() int64 {
	return l.QtyOnHand + l.Damaged
}

// StatusAt derives the lot classification at the given instant.
func (l Lot) StatusAt(now time.Time) LotStatus {
	if l.ExpDate != nil && l.ExpDate.Before(now) {
		return LotStatusExpired
	}
	if l.QtyOnHand == 0 && l.Damaged > 0 {
		return LotStatusDamaged
	}
	return LotStatusActive
}

func (l Lot) bucket(b Bucket) int64 {
	if b == BucketDamaged {
		return l.Damaged
	}
	return l.QtyOnHand
}

// StockTransaction is the ledger header for a receive or issue.
type StockTransaction struct {
	ID            int64             `json:"id"`
	Number        string            `json:"number"`
	Type          TransactionType   `json:"type"`
	WarehouseID   int64             `json:"warehouse_id"`
	SupplierID    int64             `json:"supplier_id,omitempty"`
	CreatedBy     int64             `json:"created_by"`
	CreatedByName string            `json:"created_by_name,omitempty"`
	Note          string            `json:"note,omitempty"`
	Status        TransactionStatus `json:"status"`
	CancelledBy   *int64            `json:"cancelled_by,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Lines         []TransactionLine `json:"lines"`
}

// TotalQty sums the quantity of all lines.
func (t StockTransaction) TotalQty() int64 {
	var total int64
	for _, line := range t.Lines {
		total += line.Qty
	}
	return total
}

// TransactionLine records the quantity a transaction moved for one lot.
type TransactionLine struct {
	ID            int64  `json:"id"`
	TransactionID int64  `json:"transaction_id"`
	LotID         int64  `json:"lot_id"`
	ProductID     int64  `json:"product_id"`
	LotCode       string `json:"lot_code"`
	Qty           int64  `json:"qty"`
}

// TransferOrder is a two-phase movement between warehouses.
type TransferOrder struct {
	ID                     int64          `json:"id"`
	Number                 string         `json:"number"`
	SourceWarehouseID      int64          `json:"source_warehouse_id"`
	DestinationWarehouseID int64          `json:"destination_warehouse_id"`
	Status                 TransferStatus `json:"status"`
	CreatedBy              int64          `json:"created_by"`
	CreatedByName          string         `json:"created_by_name,omitempty"`
	ResolvedBy             *int64         `json:"resolved_by,omitempty"`
	Note                   string         `json:"note,omitempty"`
	ResolutionNote         string         `json:"resolution_note,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	ResolvedAt             *time.Time     `json:"resolved_at,omitempty"`
	Lines                  []TransferLine `json:"lines"`
}

// TotalQty sums the quantity of all lines.
func (t TransferOrder) TotalQty() int64 {
	var total int64
	for _, line := range t.Lines {
		total += line.Qty
	}
	return total
}

// TransferLine carries one source lot and the metadata copied to the destination.
type TransferLine struct {
	ID               int64      `json:"id"`
	TransferID       int64      `json:"transfer_id"`
	SourceLotID      int64      `json:"source_lot_id"`
	DestinationLotID *int64     `json:"destination_lot_id,omitempty"`
	ProductID        int64      `json:"product_id"`
	LotCode          string     `json:"lot_code"`
	ProductionDate   *time.Time `json:"production_date,omitempty"`
	ExpDate          *time.Time `json:"exp_date,omitempty"`
	Qty              int64      `json:"qty"`
}

// AdjustmentRecord is the append-only before/after snapshot of one lot mutation.
type AdjustmentRecord struct {
	ID            int64            `json:"id"`
	LotID         int64            `json:"lot_id"`
	ProductID     int64            `json:"product_id"`
	WarehouseID   int64            `json:"warehouse_id"`
	LotCode       string           `json:"lot_code"`
	Delta         int64            `json:"delta"`
	DamagedDelta  int64            `json:"damaged_delta"`
	Reason        AdjustmentReason `json:"reason"`
	BeforeOnHand  int64            `json:"before_on_hand"`
	AfterOnHand   int64            `json:"after_on_hand"`
	BeforeDamaged int64            `json:"before_damaged"`
	AfterDamaged  int64            `json:"after_damaged"`
	RefType       RefType          `json:"ref_type,omitempty"`
	RefID         int64            `json:"ref_id,omitempty"`
	Note          string           `json:"note,omitempty"`
	CreatedBy     int64            `json:"created_by"`
	CreatedByName string           `json:"created_by_name,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// InTransitLine aggregates pending transfer quantity per product and route.
type InTransitLine struct {
	ProductID              int64 `json:"product_id"`
	SourceWarehouseID      int64 `json:"source_warehouse_id"`
	DestinationWarehouseID int64 `json:"destination_warehouse_id"`
	Qty                    int64 `json:"qty"`
}

// ReceiveLine is one incoming lot of a receive.
type ReceiveLine struct {
	ProductID      int64
	LotCode        string
	Qty            int64
	ProductionDate *time.Time
	ExpDate        *time.Time
}

// ReceiveInput describes a supplier delivery.
type ReceiveInput struct {
	WarehouseID    int64
	SupplierID     int64
	Note           string
	Lines          []ReceiveLine
	IdempotencyKey string
}

// Pick is an operator-chosen lot and quantity.
type Pick struct {
	LotID int64 `json:"lot_id"`
	Qty   int64 `json:"qty"`
}

// ProductQty requests a quantity of a product allocated by FEFO.
type ProductQty struct {
	ProductID int64 `json:"product_id"`
	Qty       int64 `json:"qty"`
}

// IssueInput describes an outbound movement. Exactly one of Picks or Products is set.
type IssueInput struct {
	WarehouseID    int64
	Type           TransactionType
	Note           string
	Picks          []Pick
	Products       []ProductQty
	IdempotencyKey string
}

// TransferInput describes a transfer between warehouses.
type TransferInput struct {
	SourceWarehouseID      int64
	DestinationWarehouseID int64
	Note                   string
	Picks                  []Pick
	Products               []ProductQty
	IdempotencyKey         string
}

// AdjustInput describes a signed manual correction of a lot.
type AdjustInput struct {
	LotID          int64
	Delta          int64
	Reason         AdjustmentReason
	Note           string
	IdempotencyKey string
}

// CountInput records a physical count of a lot.
type CountInput struct {
	LotID          int64
	Counted        int64
	Note           string
	IdempotencyKey string
}

// DamageInput sets part of a lot aside as damaged.
type DamageInput struct {
	LotID          int64
	Qty            int64
	Note           string
	IdempotencyKey string
}

// ReclassifyInput moves quantity between the buckets of a lot.
type ReclassifyInput struct {
	LotID          int64
	From           Bucket
	To             Bucket
	Qty            int64
	Note           string
	IdempotencyKey string
}

// LotFilter narrows lot listings.
type LotFilter struct {
	ProductID    int64
	WarehouseID  int64
	Status       LotStatus
	Search       string
	IncludeEmpty bool
	Page         int
	PageSize     int
	// AsOf is the instant the expired classification is evaluated at.
	AsOf time.Time
}

// HistoryFilter narrows ledger listings.
type HistoryFilter struct {
	From        time.Time
	To          time.Time
	WarehouseID int64
	Status      string
	Type        string
	Search      string
	Page        int
	PageSize    int
}

// InTransitFilter narrows the in-transit projection.
type InTransitFilter struct {
	ProductID   int64
	WarehouseID int64
}

// Page is one page of a listing with its pagination metadata.
type Page[T any] struct {
	Items      []T               `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}
