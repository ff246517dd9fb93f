package inventory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// CreateTransfer debits the source lots and opens a pending transfer. The stock is in
// transit until the destination confirms or rejects it.
func (s *Service) CreateTransfer(ctx context.Context, actor Actor, input TransferInput) (TransferOrder, error) {
	if input.SourceWarehouseID == 0 || input.DestinationWarehouseID == 0 {
		return TransferOrder{}, fmt.Errorf("%w: source and destination warehouse required", ErrInvalidInput)
	}
	if input.SourceWarehouseID == input.DestinationWarehouseID {
		return TransferOrder{}, ErrSameWarehouse
	}
	if err := s.authorize(actor, input.SourceWarehouseID); err != nil {
		return TransferOrder{}, err
	}

	var result TransferOrder
	err := s.mutate(ctx, kindTransferCreate, input.IdempotencyKey, func(ctx context.Context) error {
		allocs, fefo, err := s.planOutbound(ctx, input.SourceWarehouseID, input.Picks, input.Products)
		if err != nil {
			return err
		}
		now := s.clock()
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if _, err := requireWarehouse(ctx, tx, input.DestinationWarehouseID, true); err != nil {
				return err
			}
			order := TransferOrder{
				Number:                 documentNumber("TRF", now),
				SourceWarehouseID:      input.SourceWarehouseID,
				DestinationWarehouseID: input.DestinationWarehouseID,
				Status:                 TransferPending,
				CreatedBy:              actor.UserID,
				CreatedByName:          actor.Username,
				Note:                   input.Note,
				CreatedAt:              now,
			}
			id, err := tx.InsertTransfer(ctx, order)
			if err != nil {
				return err
			}
			order.ID = id
			lots, err := applyOutbound(ctx, tx, allocs, fefo, lotChange{
				Reason:  ReasonTransferOut,
				RefType: RefTransfer,
				RefID:   id,
				Note:    input.Note,
				ActorID: actor.UserID,
				At:      now,
			})
			if err != nil {
				return err
			}
			lines := make([]TransferLine, 0, len(allocs))
			for i, a := range allocs {
				lines = append(lines, TransferLine{
					TransferID:     id,
					SourceLotID:    a.LotID,
					ProductID:      lots[i].ProductID,
					LotCode:        lots[i].LotCode,
					ProductionDate: lots[i].ProductionDate,
					ExpDate:        lots[i].ExpDate,
					Qty:            a.Qty,
				})
			}
			if err := tx.InsertTransferLines(ctx, id, lines); err != nil {
				return err
			}
			order.Lines = lines
			result = order
			return nil
		})
	})
	if err != nil {
		return TransferOrder{}, err
	}
	s.committed(ctx, actor, transferEvent(kindTransferCreate, result), "transfer_order", strconv.FormatInt(result.ID, 10), map[string]any{
		"number":                   result.Number,
		"destination_warehouse_id": result.DestinationWarehouseID,
		"qty":                      result.TotalQty(),
	})
	return result, nil
}

// ConfirmTransfer credits the destination with every line of a pending transfer,
// creating destination lots with the source lot code and dates when needed.
func (s *Service) ConfirmTransfer(ctx context.Context, actor Actor, transferID int64) (TransferOrder, error) {
	if transferID <= 0 {
		return TransferOrder{}, ErrTransferNotFound
	}
	var result TransferOrder
	err := s.mutate(ctx, kindTransferConfirm, "", func(ctx context.Context) error {
		now := s.clock()
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			order, err := s.lockPendingTransfer(ctx, tx, actor, transferID)
			if err != nil {
				return err
			}
			if _, err := requireWarehouse(ctx, tx, order.DestinationWarehouseID, true); err != nil {
				return err
			}
			// lock destination lot keys in a stable order
			idx := make([]int, len(order.Lines))
			for i := range idx {
				idx[i] = i
			}
			sort.SliceStable(idx, func(a, b int) bool {
				la, lb := order.Lines[idx[a]], order.Lines[idx[b]]
				if la.ProductID != lb.ProductID {
					return la.ProductID < lb.ProductID
				}
				return la.LotCode < lb.LotCode
			})
			for _, i := range idx {
				line := order.Lines[i]
				lot, _, err := upsertLot(ctx, tx, lotUpsert{
					ProductID:      line.ProductID,
					WarehouseID:    order.DestinationWarehouseID,
					LotCode:        line.LotCode,
					ProductionDate: line.ProductionDate,
					ExpDate:        line.ExpDate,
					Change: lotChange{
						Delta:   line.Qty,
						Reason:  ReasonTransferIn,
						RefType: RefTransfer,
						RefID:   order.ID,
						Note:    "confirm " + order.Number,
						ActorID: actor.UserID,
						At:      now,
					},
				})
				if err != nil {
					return lineErr(i, line.SourceLotID, line.ProductID, err)
				}
				lotID := lot.ID
				order.Lines[i].DestinationLotID = &lotID
			}
			resolve(&order, TransferConfirmed, actor, now, "")
			if err := tx.UpdateTransfer(ctx, order); err != nil {
				return err
			}
			result = order
			return nil
		})
	})
	if err != nil {
		return TransferOrder{}, err
	}
	s.committed(ctx, actor, transferEvent(kindTransferConfirm, result), "transfer_order", strconv.FormatInt(result.ID, 10), map[string]any{
		"number": result.Number,
		"qty":    result.TotalQty(),
	})
	return result, nil
}

// RejectTransfer returns every line of a pending transfer to its source lot.
func (s *Service) RejectTransfer(ctx context.Context, actor Actor, transferID int64, note string) (TransferOrder, error) {
	if transferID <= 0 {
		return TransferOrder{}, ErrTransferNotFound
	}
	var result TransferOrder
	err := s.mutate(ctx, kindTransferReject, "", func(ctx context.Context) error {
		now := s.clock()
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			order, err := s.lockPendingTransfer(ctx, tx, actor, transferID)
			if err != nil {
				return err
			}
			ids := make([]int64, 0, len(order.Lines))
			for _, line := range order.Lines {
				ids = append(ids, line.SourceLotID)
			}
			locked, err := tx.GetLotsForUpdate(ctx, ids)
			if err != nil {
				return err
			}
			for i, line := range order.Lines {
				lot, ok := locked[line.SourceLotID]
				if !ok {
					return lineErr(i, line.SourceLotID, line.ProductID, ErrLotNotFound)
				}
				updated, _, err := applyLotChange(ctx, tx, lot, lotChange{
					Delta:   line.Qty,
					Reason:  ReasonTransferRejected,
					RefType: RefTransfer,
					RefID:   order.ID,
					Note:    note,
					ActorID: actor.UserID,
					At:      now,
				})
				if err != nil {
					return lineErr(i, line.SourceLotID, line.ProductID, err)
				}
				locked[line.SourceLotID] = updated
			}
			resolve(&order, TransferRejected, actor, now, note)
			if err := tx.UpdateTransfer(ctx, order); err != nil {
				return err
			}
			result = order
			return nil
		})
	})
	if err != nil {
		return TransferOrder{}, err
	}
	s.committed(ctx, actor, transferEvent(kindTransferReject, result), "transfer_order", strconv.FormatInt(result.ID, 10), map[string]any{
		"number": result.Number,
		"qty":    result.TotalQty(),
		"note":   note,
	})
	return result, nil
}

// InTransit sums the quantity held by pending transfers.
func (s *Service) InTransit(ctx context.Context, filter InTransitFilter) ([]InTransitLine, error) {
	return s.repo.InTransit(ctx, filter)
}

// lockPendingTransfer loads the transfer row for update and checks that the actor is
// on the receiving side and that the transfer is still pending.
func (s *Service) lockPendingTransfer(ctx context.Context, tx TxRepository, actor Actor, transferID int64) (TransferOrder, error) {
	order, err := tx.GetTransferForUpdate(ctx, transferID)
	if err != nil {
		return TransferOrder{}, err
	}
	if err := s.authorize(actor, order.DestinationWarehouseID); err != nil {
		return TransferOrder{}, err
	}
	if order.Status != TransferPending {
		return TransferOrder{}, fmt.Errorf("%w: transfer %s is %s", ErrInvalidState, order.Number, order.Status)
	}
	return order, nil
}

func resolve(order *TransferOrder, status TransferStatus, actor Actor, at time.Time, note string) {
	by := actor.UserID
	order.Status = status
	order.ResolvedBy = &by
	order.ResolvedAt = &at
	order.ResolutionNote = note
}
