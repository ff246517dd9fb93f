package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MovementEvent is published after a movement commits.
type MovementEvent struct {
	ID                     uuid.UUID   `json:"id"`
	Kind                   string      `json:"kind"`
	WarehouseID            int64       `json:"warehouse_id"`
	CounterpartWarehouseID int64       `json:"counterpart_warehouse_id,omitempty"`
	RefID                  int64       `json:"ref_id"`
	Number                 string      `json:"number,omitempty"`
	Type                   string      `json:"type,omitempty"`
	Reason                 string      `json:"reason,omitempty"`
	ActorID                int64       `json:"actor_id"`
	Lines                  []EventLine `json:"lines"`
	OccurredAt             time.Time   `json:"occurred_at"`
}

// EventLine is the signed quantity change of one lot.
type EventLine struct {
	LotID      int64  `json:"lot_id"`
	ProductID  int64  `json:"product_id"`
	LotCode    string `json:"lot_code"`
	Qty        int64  `json:"qty"`
	DamagedQty int64  `json:"damaged_qty,omitempty"`
}

// EventPublisher delivers movement events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, evt MovementEvent) error
}

func transactionEvent(kind string, txn StockTransaction, sign int64) MovementEvent {
	lines := make([]EventLine, 0, len(txn.Lines))
	for _, line := range txn.Lines {
		lines = append(lines, EventLine{LotID: line.LotID, ProductID: line.ProductID, LotCode: line.LotCode, Qty: sign * line.Qty})
	}
	at := txn.CreatedAt
	if txn.CancelledAt != nil {
		at = *txn.CancelledAt
	}
	return MovementEvent{
		Kind:        kind,
		WarehouseID: txn.WarehouseID,
		RefID:       txn.ID,
		Number:      txn.Number,
		Type:        string(txn.Type),
		Lines:       lines,
		OccurredAt:  at,
	}
}

func transferEvent(kind string, t TransferOrder) MovementEvent {
	evt := MovementEvent{
		Kind:       kind,
		RefID:      t.ID,
		Number:     t.Number,
		Type:       string(TransactionTypeTransfer),
		OccurredAt: t.CreatedAt,
	}
	if t.ResolvedAt != nil {
		evt.OccurredAt = *t.ResolvedAt
	}
	switch t.Status {
	case TransferConfirmed:
		evt.WarehouseID, evt.CounterpartWarehouseID = t.DestinationWarehouseID, t.SourceWarehouseID
	default:
		evt.WarehouseID, evt.CounterpartWarehouseID = t.SourceWarehouseID, t.DestinationWarehouseID
	}
	for _, line := range t.Lines {
		el := EventLine{LotID: line.SourceLotID, ProductID: line.ProductID, LotCode: line.LotCode, Qty: line.Qty}
		switch t.Status {
		case TransferPending:
			el.Qty = -line.Qty
		case TransferConfirmed:
			if line.DestinationLotID != nil {
				el.LotID = *line.DestinationLotID
			}
		}
		evt.Lines = append(evt.Lines, el)
	}
	return evt
}
