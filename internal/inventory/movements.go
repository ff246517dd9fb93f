package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LotMutation is the result of a single-lot movement.
type LotMutation struct {
	Lot        Lot              `json:"lot"`
	Adjustment AdjustmentRecord `json:"adjustment"`
}

// PreviewAllocation computes the FEFO plan for a request without touching stock.
func (s *Service) PreviewAllocation(ctx context.Context, actor Actor, req AllocationRequest) (Plan, error) {
	if req.ProductID == 0 || req.WarehouseID == 0 {
		return Plan{}, fmt.Errorf("%w: product and warehouse required", ErrInvalidInput)
	}
	if req.Qty <= 0 {
		return Plan{}, fmt.Errorf("%w: requested %d", ErrInvalidQuantity, req.Qty)
	}
	if err := s.authorize(actor, req.WarehouseID); err != nil {
		return Plan{}, err
	}
	if _, err := s.repo.GetWarehouse(ctx, req.WarehouseID); err != nil {
		return Plan{}, err
	}
	lots, err := s.repo.AvailableLots(ctx, req.ProductID, req.WarehouseID)
	if err != nil {
		return Plan{}, err
	}
	return Allocate(lots, req)
}

// Receive books supplier stock into lots, creating or merging them by lot code.
func (s *Service) Receive(ctx context.Context, actor Actor, input ReceiveInput) (StockTransaction, error) {
	if input.WarehouseID == 0 {
		return StockTransaction{}, fmt.Errorf("%w: warehouse required", ErrInvalidInput)
	}
	if len(input.Lines) == 0 {
		return StockTransaction{}, fmt.Errorf("%w: at least one line required", ErrInvalidInput)
	}
	for i := range input.Lines {
		line := &input.Lines[i]
		line.LotCode = strings.TrimSpace(line.LotCode)
		switch {
		case line.ProductID == 0:
			return StockTransaction{}, lineErr(i, 0, 0, fmt.Errorf("%w: product required", ErrInvalidInput))
		case line.LotCode == "":
			return StockTransaction{}, lineErr(i, 0, line.ProductID, fmt.Errorf("%w: lot code required", ErrInvalidInput))
		case line.Qty <= 0:
			return StockTransaction{}, lineErr(i, 0, line.ProductID, fmt.Errorf("%w: received %d", ErrInvalidQuantity, line.Qty))
		case line.ProductionDate != nil && line.ExpDate != nil && line.ExpDate.Before(*line.ProductionDate):
			return StockTransaction{}, lineErr(i, 0, line.ProductID, fmt.Errorf("%w: expiry before production date", ErrInvalidInput))
		}
	}
	if err := s.authorize(actor, input.WarehouseID); err != nil {
		return StockTransaction{}, err
	}

	var result StockTransaction
	var records []AdjustmentRecord
	err := s.mutate(ctx, kindReceive, input.IdempotencyKey, func(ctx context.Context) error {
		now := s.clock()
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if _, err := requireWarehouse(ctx, tx, input.WarehouseID, true); err != nil {
				return err
			}
			header := StockTransaction{
				Number:        documentNumber("RCV", now),
				Type:          TransactionTypeReceive,
				WarehouseID:   input.WarehouseID,
				SupplierID:    input.SupplierID,
				CreatedBy:     actor.UserID,
				CreatedByName: actor.Username,
				Note:          input.Note,
				Status:        TransactionActive,
				CreatedAt:     now,
			}
			id, err := tx.InsertTransaction(ctx, header)
			if err != nil {
				return err
			}
			header.ID = id
			records = records[:0]
			lines := make([]TransactionLine, 0, len(input.Lines))
			for i, line := range input.Lines {
				lot, rec, err := upsertLot(ctx, tx, lotUpsert{
					ProductID:      line.ProductID,
					WarehouseID:    input.WarehouseID,
					LotCode:        line.LotCode,
					ProductionDate: line.ProductionDate,
					ExpDate:        line.ExpDate,
					Change: lotChange{
						Delta:   line.Qty,
						Reason:  ReasonReceived,
						RefType: RefTransaction,
						RefID:   id,
						Note:    input.Note,
						ActorID: actor.UserID,
						At:      now,
					},
				})
				if err != nil {
					return lineErr(i, 0, line.ProductID, err)
				}
				records = append(records, rec)
				lines = append(lines, TransactionLine{TransactionID: id, LotID: lot.ID, ProductID: lot.ProductID, LotCode: lot.LotCode, Qty: line.Qty})
			}
			if err := tx.InsertTransactionLines(ctx, id, lines); err != nil {
				return err
			}
			header.Lines = lines
			result = header
			return nil
		})
	})
	if err != nil {
		return StockTransaction{}, err
	}
	s.committed(ctx, actor, transactionEvent(kindReceive, result, 1), "stock_transaction", strconv.FormatInt(result.ID, 10), map[string]any{
		"number":      result.Number,
		"supplier_id": result.SupplierID,
		"qty":         result.TotalQty(),
		"adjustments": len(records),
	})
	return result, nil
}

// Issue decrements stock for a sale, waste, welfare, activity or expiry write-off.
func (s *Service) Issue(ctx context.Context, actor Actor, input IssueInput) (StockTransaction, error) {
	if !input.Type.Issuable() {
		return StockTransaction{}, fmt.Errorf("%w: %q cannot be issued", ErrInvalidType, input.Type)
	}
	if input.WarehouseID == 0 {
		return StockTransaction{}, fmt.Errorf("%w: warehouse required", ErrInvalidInput)
	}
	if err := s.authorize(actor, input.WarehouseID); err != nil {
		return StockTransaction{}, err
	}

	var result StockTransaction
	err := s.mutate(ctx, kindIssue, input.IdempotencyKey, func(ctx context.Context) error {
		allocs, fefo, err := s.planOutbound(ctx, input.WarehouseID, input.Picks, input.Products)
		if err != nil {
			return err
		}
		now := s.clock()
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			header := StockTransaction{
				Number:        documentNumber("ISS", now),
				Type:          input.Type,
				WarehouseID:   input.WarehouseID,
				CreatedBy:     actor.UserID,
				CreatedByName: actor.Username,
				Note:          input.Note,
				Status:        TransactionActive,
				CreatedAt:     now,
			}
			id, err := tx.InsertTransaction(ctx, header)
			if err != nil {
				return err
			}
			header.ID = id
			lots, err := applyOutbound(ctx, tx, allocs, fefo, lotChange{
				Reason:  ReasonIssued,
				RefType: RefTransaction,
				RefID:   id,
				Note:    input.Note,
				ActorID: actor.UserID,
				At:      now,
			})
			if err != nil {
				return err
			}
			lines := make([]TransactionLine, 0, len(allocs))
			for i, a := range allocs {
				lines = append(lines, TransactionLine{TransactionID: id, LotID: a.LotID, ProductID: lots[i].ProductID, LotCode: lots[i].LotCode, Qty: a.Qty})
			}
			if err := tx.InsertTransactionLines(ctx, id, lines); err != nil {
				return err
			}
			header.Lines = lines
			result = header
			return nil
		})
	})
	if err != nil {
		return StockTransaction{}, err
	}
	s.committed(ctx, actor, transactionEvent(kindIssue, result, -1), "stock_transaction", strconv.FormatInt(result.ID, 10), map[string]any{
		"number": result.Number,
		"type":   string(result.Type),
		"qty":    result.TotalQty(),
	})
	return result, nil
}

// Cancel reverses an active issue. The record is kept with status CANCELLED.
func (s *Service) Cancel(ctx context.Context, actor Actor, transactionID int64) (StockTransaction, error) {
	if transactionID <= 0 {
		return StockTransaction{}, ErrTransactionNotFound
	}
	var result StockTransaction
	err := s.mutate(ctx, kindCancel, "", func(ctx context.Context) error {
		now := s.clock()
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			txn, err := tx.GetTransactionForUpdate(ctx, transactionID)
			if err != nil {
				return err
			}
			if err := s.authorize(actor, txn.WarehouseID); err != nil {
				return err
			}
			if !txn.Type.Issuable() {
				return fmt.Errorf("%w: %s transactions cannot be cancelled", ErrInvalidState, txn.Type)
			}
			if txn.Status != TransactionActive {
				return fmt.Errorf("%w: %s", ErrAlreadyCancelled, txn.Number)
			}
			ids := make([]int64, 0, len(txn.Lines))
			for _, line := range txn.Lines {
				ids = append(ids, line.LotID)
			}
			locked, err := tx.GetLotsForUpdate(ctx, ids)
			if err != nil {
				return err
			}
			for i, line := range txn.Lines {
				lot, ok := locked[line.LotID]
				if !ok {
					return lineErr(i, line.LotID, line.ProductID, ErrLotNotFound)
				}
				updated, _, err := applyLotChange(ctx, tx, lot, lotChange{
					Delta:   line.Qty,
					Reason:  ReasonIssueCancelled,
					RefType: RefTransaction,
					RefID:   txn.ID,
					Note:    "cancel " + txn.Number,
					ActorID: actor.UserID,
					At:      now,
				})
				if err != nil {
					return lineErr(i, line.LotID, line.ProductID, err)
				}
				locked[line.LotID] = updated
			}
			by, at := actor.UserID, now
			txn.Status = TransactionCancelled
			txn.CancelledBy = &by
			txn.CancelledAt = &at
			if err := tx.UpdateTransactionStatus(ctx, txn); err != nil {
				return err
			}
			result = txn
			return nil
		})
	})
	if err != nil {
		return StockTransaction{}, err
	}
	s.committed(ctx, actor, transactionEvent(kindCancel, result, 1), "stock_transaction", strconv.FormatInt(result.ID, 10), map[string]any{
		"number": result.Number,
		"qty":    result.TotalQty(),
	})
	return result, nil
}

// Adjust applies a signed manual correction to one lot. A DAMAGE adjustment moves
// Delta units from on-hand to damaged instead of writing them off.
func (s *Service) Adjust(ctx context.Context, actor Actor, input AdjustInput) (LotMutation, error) {
	if input.LotID == 0 {
		return LotMutation{}, fmt.Errorf("%w: lot required", ErrInvalidInput)
	}
	if input.Delta == 0 {
		return LotMutation{}, fmt.Errorf("%w: adjustment must not be zero", ErrInvalidQuantity)
	}
	switch input.Reason {
	case ReasonManualAdjustment, ReasonStockCount:
	case ReasonDamage:
		if input.Delta < 0 {
			return LotMutation{}, fmt.Errorf("%w: %s requires a positive adjustment", ErrInvalidReason, input.Reason)
		}
		return s.mutateLot(ctx, actor, kindDamage, input.LotID, input.IdempotencyKey, func(ctx context.Context, tx TxRepository, lot Lot, ch lotChange) (Lot, AdjustmentRecord, error) {
			ch.Reason = ReasonDamage
			ch.Note = input.Note
			return reclassifyLot(ctx, tx, lot, BucketOnHand, BucketDamaged, input.Delta, ch)
		})
	case ReasonReceived:
		if input.Delta < 0 {
			return LotMutation{}, fmt.Errorf("%w: %s requires a positive adjustment", ErrInvalidReason, input.Reason)
		}
	case ReasonLost:
		if input.Delta > 0 {
			return LotMutation{}, fmt.Errorf("%w: %s requires a negative adjustment", ErrInvalidReason, input.Reason)
		}
	default:
		return LotMutation{}, fmt.Errorf("%w: %q", ErrInvalidReason, input.Reason)
	}
	return s.mutateLot(ctx, actor, kindAdjust, input.LotID, input.IdempotencyKey, func(ctx context.Context, tx TxRepository, lot Lot, ch lotChange) (Lot, AdjustmentRecord, error) {
		ch.Delta = input.Delta
		ch.Reason = input.Reason
		ch.Note = input.Note
		return applyLotChange(ctx, tx, lot, ch)
	})
}

// CountStock sets a lot's on-hand quantity to a physical count. The record is written
// even when the count matches.
func (s *Service) CountStock(ctx context.Context, actor Actor, input CountInput) (LotMutation, error) {
	if input.LotID == 0 {
		return LotMutation{}, fmt.Errorf("%w: lot required", ErrInvalidInput)
	}
	if input.Counted < 0 {
		return LotMutation{}, fmt.Errorf("%w: count %d must not be negative", ErrInvalidQuantity, input.Counted)
	}
	return s.mutateLot(ctx, actor, kindCount, input.LotID, input.IdempotencyKey, func(ctx context.Context, tx TxRepository, lot Lot, ch lotChange) (Lot, AdjustmentRecord, error) {
		ch.Delta = input.Counted - lot.QtyOnHand
		ch.Reason = ReasonStockCount
		ch.Note = input.Note
		return applyLotChange(ctx, tx, lot, ch)
	})
}

// Damage sets part of the available quantity aside as damaged.
func (s *Service) Damage(ctx context.Context, actor Actor, input DamageInput) (LotMutation, error) {
	if input.LotID == 0 {
		return LotMutation{}, fmt.Errorf("%w: lot required", ErrInvalidInput)
	}
	if input.Qty <= 0 {
		return LotMutation{}, fmt.Errorf("%w: requested %d", ErrInvalidQuantity, input.Qty)
	}
	return s.mutateLot(ctx, actor, kindDamage, input.LotID, input.IdempotencyKey, func(ctx context.Context, tx TxRepository, lot Lot, ch lotChange) (Lot, AdjustmentRecord, error) {
		ch.Reason = ReasonDamage
		ch.Note = input.Note
		return reclassifyLot(ctx, tx, lot, BucketOnHand, BucketDamaged, input.Qty, ch)
	})
}

// Reclassify moves quantity between the on-hand and damaged buckets of a lot.
func (s *Service) Reclassify(ctx context.Context, actor Actor, input ReclassifyInput) (LotMutation, error) {
	if input.LotID == 0 {
		return LotMutation{}, fmt.Errorf("%w: lot required", ErrInvalidInput)
	}
	if !input.From.valid() || !input.To.valid() || input.From == input.To {
		return LotMutation{}, fmt.Errorf("%w: %s to %s", ErrInvalidBucket, input.From, input.To)
	}
	if input.Qty <= 0 {
		return LotMutation{}, fmt.Errorf("%w: requested %d", ErrInvalidQuantity, input.Qty)
	}
	return s.mutateLot(ctx, actor, kindReclassify, input.LotID, input.IdempotencyKey, func(ctx context.Context, tx TxRepository, lot Lot, ch lotChange) (Lot, AdjustmentRecord, error) {
		ch.Reason = ReasonReclassified
		ch.Note = input.Note
		return reclassifyLot(ctx, tx, lot, input.From, input.To, input.Qty, ch)
	})
}

type lotMutator func(ctx context.Context, tx TxRepository, lot Lot, ch lotChange) (Lot, AdjustmentRecord, error)

// mutateLot locks a single lot, checks the actor's scope and applies fn.
func (s *Service) mutateLot(ctx context.Context, actor Actor, kind string, lotID int64, idemKey string, fn lotMutator) (LotMutation, error) {
	var result LotMutation
	err := s.mutate(ctx, kind, idemKey, func(ctx context.Context) error {
		now := s.clock()
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			locked, err := tx.GetLotsForUpdate(ctx, []int64{lotID})
			if err != nil {
				return err
			}
			lot, ok := locked[lotID]
			if !ok {
				return fmt.Errorf("%w: %d", ErrLotNotFound, lotID)
			}
			if err := s.authorize(actor, lot.WarehouseID); err != nil {
				return err
			}
			updated, rec, err := fn(ctx, tx, lot, lotChange{ActorID: actor.UserID, At: now})
			if err != nil {
				return err
			}
			result = LotMutation{Lot: updated, Adjustment: rec}
			return nil
		})
	})
	if err != nil {
		return LotMutation{}, err
	}
	rec := result.Adjustment
	s.committed(ctx, actor, MovementEvent{
		Kind:        kind,
		WarehouseID: rec.WarehouseID,
		RefID:       rec.ID,
		Reason:      string(rec.Reason),
		Lines:       []EventLine{{LotID: rec.LotID, ProductID: rec.ProductID, LotCode: rec.LotCode, Qty: rec.Delta, DamagedQty: rec.DamagedDelta}},
		OccurredAt:  rec.CreatedAt,
	}, "lot", strconv.FormatInt(rec.LotID, 10), map[string]any{
		"reason":        string(rec.Reason),
		"delta":         rec.Delta,
		"damaged_delta": rec.DamagedDelta,
		"after_on_hand": rec.AfterOnHand,
		"after_damaged": rec.AfterDamaged,
	})
	return result, nil
}

// planOutbound builds an outbound plan against warehouseID outside any transaction.
// The boolean reports whether the plan came from FEFO.
func (s *Service) planOutbound(ctx context.Context, warehouseID int64, picks []Pick, products []ProductQty) ([]Allocation, bool, error) {
	if (len(picks) == 0) == (len(products) == 0) {
		return nil, false, fmt.Errorf("%w: provide either lot picks or product lines", ErrInvalidInput)
	}
	if _, err := s.repo.GetWarehouse(ctx, warehouseID); err != nil {
		return nil, false, err
	}
	if len(picks) > 0 {
		ids := make([]int64, 0, len(picks))
		for _, p := range picks {
			ids = append(ids, p.LotID)
		}
		lots, err := s.repo.LotsByIDs(ctx, ids)
		if err != nil {
			return nil, false, err
		}
		allocs, err := PlanPicks(lots, warehouseID, picks)
		return allocs, false, err
	}
	merged, err := MergeProducts(products)
	if err != nil {
		return nil, true, err
	}
	var allocs []Allocation
	for _, line := range merged {
		lots, err := s.repo.AvailableLots(ctx, line.ProductID, warehouseID)
		if err != nil {
			return nil, true, err
		}
		plan, err := Allocate(lots, AllocationRequest{ProductID: line.ProductID, WarehouseID: warehouseID, Qty: line.Qty})
		if err != nil {
			return nil, true, lineErr(line.Line, 0, line.ProductID, err)
		}
		for _, a := range plan.Allocations {
			a.Line = line.Line
			allocs = append(allocs, a)
		}
	}
	return allocs, true, nil
}

// applyOutbound locks every planned lot in ascending id order, re-validates the plan
// and decrements the lots. A FEFO plan that no longer fits is a concurrent
// modification; an operator pick that no longer fits is insufficient stock.
func applyOutbound(ctx context.Context, tx TxRepository, allocs []Allocation, fefo bool, ch lotChange) ([]Lot, error) {
	ids := make([]int64, 0, len(allocs))
	for _, a := range allocs {
		ids = append(ids, a.LotID)
	}
	locked, err := tx.GetLotsForUpdate(ctx, ids)
	if err != nil {
		return nil, err
	}
	updated := make([]Lot, len(allocs))
	for i, a := range allocs {
		lot, ok := locked[a.LotID]
		if !ok || lot.QtyOnHand < a.Qty {
			if fefo {
				return nil, fmt.Errorf("%w: lot %s changed since allocation", ErrConcurrentModification, a.LotCode)
			}
			if !ok {
				return nil, lineErr(a.Line, a.LotID, a.ProductID, ErrLotNotFound)
			}
			return nil, lineErr(a.Line, a.LotID, a.ProductID, insufficientLot(lot, a.Qty))
		}
		change := ch
		change.Delta = -a.Qty
		lot, _, err = applyLotChange(ctx, tx, lot, change)
		if err != nil {
			return nil, lineErr(a.Line, a.LotID, a.ProductID, err)
		}
		locked[a.LotID] = lot
		updated[i] = lot
	}
	return updated, nil
}

func sortedUnique(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsRetryable reports whether the caller may safely resubmit the request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
