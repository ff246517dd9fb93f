package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// lotChange is a bounded mutation of both buckets of one lot.
type lotChange struct {
	Delta        int64
	DamagedDelta int64
	Reason       AdjustmentReason
	RefType      RefType
	RefID        int64
	Note         string
	ActorID      int64
	At           time.Time
}

// lotUpsert receives quantity into a lot identified by its natural key.
type lotUpsert struct {
	ProductID      int64
	WarehouseID    int64
	LotCode        string
	ProductionDate *time.Time
	ExpDate        *time.Time
	Change         lotChange
}

// upsertLot creates the lot when absent and applies the delta. Creation is serialised
// per lot key with an advisory lock so two receives of a new code cannot both insert.
// Non-nil incoming dates overwrite the stored ones.
func upsertLot(ctx context.Context, tx TxRepository, up lotUpsert) (Lot, AdjustmentRecord, error) {
	if err := tx.LockLotKey(ctx, shared.LotLockKey(up.ProductID, up.WarehouseID, up.LotCode)); err != nil {
		return Lot{}, AdjustmentRecord{}, err
	}
	lot, err := tx.FindLotForUpdate(ctx, up.ProductID, up.WarehouseID, up.LotCode)
	switch {
	case errors.Is(err, ErrLotNotFound):
		if up.Change.Delta < 0 {
			return Lot{}, AdjustmentRecord{}, fmt.Errorf("%w: lot %s does not exist", ErrInsufficientStock, up.LotCode)
		}
		lot, err = tx.InsertLot(ctx, Lot{
			ProductID:      up.ProductID,
			WarehouseID:    up.WarehouseID,
			LotCode:        up.LotCode,
			ProductionDate: up.ProductionDate,
			ExpDate:        up.ExpDate,
			CreatedAt:      up.Change.At,
			UpdatedAt:      up.Change.At,
		})
		if err != nil {
			return Lot{}, AdjustmentRecord{}, err
		}
	case err != nil:
		return Lot{}, AdjustmentRecord{}, err
	default:
		if up.ProductionDate != nil {
			lot.ProductionDate = up.ProductionDate
		}
		if up.ExpDate != nil {
			lot.ExpDate = up.ExpDate
		}
	}
	return applyLotChange(ctx, tx, lot, up.Change)
}

// applyLotChange writes the new bucket values of a locked lot and appends its
// adjustment record. Neither bucket may go below zero.
func applyLotChange(ctx context.Context, tx TxRepository, lot Lot, ch lotChange) (Lot, AdjustmentRecord, error) {
	onHand := lot.QtyOnHand + ch.Delta
	damaged := lot.Damaged + ch.DamagedDelta
	if onHand < 0 {
		return Lot{}, AdjustmentRecord{}, insufficientLot(lot, -ch.Delta)
	}
	if damaged < 0 {
		return Lot{}, AdjustmentRecord{}, fmt.Errorf("%w: lot %s has %d damaged, %d requested", ErrInvalidQuantity, lot.LotCode, lot.Damaged, -ch.DamagedDelta)
	}
	rec := AdjustmentRecord{
		LotID:         lot.ID,
		ProductID:     lot.ProductID,
		WarehouseID:   lot.WarehouseID,
		LotCode:       lot.LotCode,
		Delta:         ch.Delta,
		DamagedDelta:  ch.DamagedDelta,
		Reason:        ch.Reason,
		BeforeOnHand:  lot.QtyOnHand,
		AfterOnHand:   onHand,
		BeforeDamaged: lot.Damaged,
		AfterDamaged:  damaged,
		RefType:       ch.RefType,
		RefID:         ch.RefID,
		Note:          ch.Note,
		CreatedBy:     ch.ActorID,
		CreatedAt:     ch.At,
	}
	lot.QtyOnHand = onHand
	lot.Damaged = damaged
	lot.UpdatedAt = ch.At
	if err := tx.UpdateLot(ctx, lot); err != nil {
		return Lot{}, AdjustmentRecord{}, err
	}
	id, err := tx.InsertAdjustment(ctx, rec)
	if err != nil {
		return Lot{}, AdjustmentRecord{}, err
	}
	rec.ID = id
	lot.Status = lot.StatusAt(ch.At)
	return lot, rec, nil
}

// reclassifyLot moves qty from one bucket to the other. The source bucket must hold
// at least qty; on failure nothing is written.
func reclassifyLot(ctx context.Context, tx TxRepository, lot Lot, from, to Bucket, qty int64, ch lotChange) (Lot, AdjustmentRecord, error) {
	if !from.valid() || !to.valid() || from == to {
		return Lot{}, AdjustmentRecord{}, fmt.Errorf("%w: %s to %s", ErrInvalidBucket, from, to)
	}
	if qty <= 0 {
		return Lot{}, AdjustmentRecord{}, fmt.Errorf("%w: requested %d", ErrInvalidQuantity, qty)
	}
	if held := lot.bucket(from); held < qty {
		return Lot{}, AdjustmentRecord{}, fmt.Errorf("%w: lot %s holds %d %s, %d requested", ErrInvalidQuantity, lot.LotCode, held, from, qty)
	}
	if from == BucketOnHand {
		ch.Delta, ch.DamagedDelta = -qty, qty
	} else {
		ch.Delta, ch.DamagedDelta = qty, -qty
	}
	return applyLotChange(ctx, tx, lot, ch)
}
