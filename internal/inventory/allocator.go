package inventory

import (
	"fmt"
	"sort"
	"time"
)

// AllocationRequest asks for a quantity of one product in one warehouse.
type AllocationRequest struct {
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
	Qty         int64 `json:"qty"`
}

// Allocation is one (lot, quantity) pair of a plan.
type Allocation struct {
	LotID          int64      `json:"lot_id"`
	ProductID      int64      `json:"product_id"`
	WarehouseID    int64      `json:"warehouse_id"`
	LotCode        string     `json:"lot_code"`
	ProductionDate *time.Time `json:"production_date,omitempty"`
	ExpDate        *time.Time `json:"exp_date,omitempty"`
	Qty            int64      `json:"qty"`
	// Available is the on-hand quantity the plan was computed against.
	Available int64 `json:"available"`
	// Line is the index of the request line the draw serves.
	Line int `json:"-"`
}

// Plan is the computed set of lot draws satisfying a request.
type Plan struct {
	ProductID   int64        `json:"product_id"`
	WarehouseID int64        `json:"warehouse_id"`
	Requested   int64        `json:"requested"`
	Allocations []Allocation `json:"allocations"`
}

// Total sums the planned quantities.
func (p Plan) Total() int64 {
	var total int64
	for _, a := range p.Allocations {
		total += a.Qty
	}
	return total
}

// Allocate computes a FEFO plan over lots. Lots of other products or warehouses and
// empty lots are ignored. The plan is all-or-nothing: when the lots cannot cover the
// request no allocations are returned.
func Allocate(lots []Lot, req AllocationRequest) (Plan, error) {
	if req.Qty <= 0 {
		return Plan{}, fmt.Errorf("%w: requested %d", ErrInvalidQuantity, req.Qty)
	}
	candidates := make([]Lot, 0, len(lots))
	var available int64
	for _, lot := range lots {
		if lot.ProductID != req.ProductID || lot.WarehouseID != req.WarehouseID || lot.QtyOnHand <= 0 {
			continue
		}
		candidates = append(candidates, lot)
		available += lot.QtyOnHand
	}
	if available < req.Qty {
		return Plan{}, fmt.Errorf("%w: product %d requested %d, available %d", ErrInsufficientStock, req.ProductID, req.Qty, available)
	}
	sortFEFO(candidates)

	plan := Plan{ProductID: req.ProductID, WarehouseID: req.WarehouseID, Requested: req.Qty}
	remaining := req.Qty
	for _, lot := range candidates {
		if remaining == 0 {
			break
		}
		take := min(remaining, lot.QtyOnHand)
		plan.Allocations = append(plan.Allocations, allocationFor(lot, take))
		remaining -= take
	}
	return plan, nil
}

// PlanPicks validates operator-chosen lots against warehouseID. Repeated picks of one
// lot are summed before the bounds check. lots must contain every picked lot.
func PlanPicks(lots map[int64]Lot, warehouseID int64, picks []Pick) ([]Allocation, error) {
	order := make([]int64, 0, len(picks))
	totals := make(map[int64]int64, len(picks))
	firstIndex := make(map[int64]int, len(picks))
	for i, pick := range picks {
		if pick.Qty <= 0 {
			return nil, lineErr(i, pick.LotID, 0, fmt.Errorf("%w: requested %d", ErrInvalidQuantity, pick.Qty))
		}
		lot, ok := lots[pick.LotID]
		if !ok {
			return nil, lineErr(i, pick.LotID, 0, ErrLotNotFound)
		}
		if lot.WarehouseID != warehouseID {
			return nil, lineErr(i, pick.LotID, lot.ProductID, fmt.Errorf("%w in warehouse %d", ErrLotNotFound, warehouseID))
		}
		if _, seen := totals[pick.LotID]; !seen {
			order = append(order, pick.LotID)
			firstIndex[pick.LotID] = i
		}
		totals[pick.LotID] += pick.Qty
	}
	allocs := make([]Allocation, 0, len(order))
	for _, lotID := range order {
		lot := lots[lotID]
		qty := totals[lotID]
		if qty > lot.QtyOnHand {
			return nil, lineErr(firstIndex[lotID], lotID, lot.ProductID, insufficientLot(lot, qty))
		}
		alloc := allocationFor(lot, qty)
		alloc.Line = firstIndex[lotID]
		allocs = append(allocs, alloc)
	}
	return allocs, nil
}

// ProductDemand is the merged quantity of one product. Line is the request index of
// the product's first line.
type ProductDemand struct {
	ProductID int64
	Qty       int64
	Line      int
}

// MergeProducts folds repeated product lines into one request per product, keeping
// first-seen order.
func MergeProducts(lines []ProductQty) ([]ProductDemand, error) {
	merged := make([]ProductDemand, 0, len(lines))
	index := make(map[int64]int, len(lines))
	for i, line := range lines {
		if line.Qty <= 0 {
			return nil, lineErr(i, 0, line.ProductID, fmt.Errorf("%w: requested %d", ErrInvalidQuantity, line.Qty))
		}
		if line.ProductID == 0 {
			return nil, lineErr(i, 0, 0, fmt.Errorf("%w: product required", ErrInvalidInput))
		}
		if pos, ok := index[line.ProductID]; ok {
			merged[pos].Qty += line.Qty
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, ProductDemand{ProductID: line.ProductID, Qty: line.Qty, Line: i})
	}
	return merged, nil
}

func allocationFor(lot Lot, qty int64) Allocation {
	return Allocation{
		LotID:          lot.ID,
		ProductID:      lot.ProductID,
		WarehouseID:    lot.WarehouseID,
		LotCode:        lot.LotCode,
		ProductionDate: lot.ProductionDate,
		ExpDate:        lot.ExpDate,
		Qty:            qty,
		Available:      lot.QtyOnHand,
	}
}

func insufficientLot(lot Lot, requested int64) error {
	return fmt.Errorf("%w: lot %s has %d available, %d requested", ErrInsufficientStock, lot.LotCode, lot.QtyOnHand, requested)
}

// sortFEFO orders lots by expiry ascending with undated lots last, then by id.
func sortFEFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i].ExpDate, lots[j].ExpDate
		switch {
		case a == nil && b == nil:
			return lots[i].ID < lots[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return lots[i].ID < lots[j].ID
		}
	})
}
