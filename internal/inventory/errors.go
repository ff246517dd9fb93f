package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuantity indicates a non-positive, fractional or otherwise unusable quantity.
	ErrInvalidQuantity = errors.New("inventory: invalid quantity")
	// ErrInsufficientStock indicates an allocation or decrement that cannot be satisfied.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrNotFound is the parent of every lookup failure.
	ErrNotFound = errors.New("inventory: not found")
	// ErrAlreadyCancelled indicates a second cancellation of the same transaction.
	ErrAlreadyCancelled = errors.New("inventory: transaction already cancelled")
	// ErrInvalidState indicates an action outside its permitted state.
	ErrInvalidState = errors.New("inventory: invalid state")
	// ErrConcurrentModification indicates a lock or version conflict; callers may retry.
	ErrConcurrentModification = errors.New("inventory: concurrent modification")
	// ErrUnauthorized indicates the actor lacks warehouse scope for the action.
	ErrUnauthorized = errors.New("inventory: actor not authorised for warehouse")
	// ErrWarehouseInactive indicates stock was sent to an inactive warehouse.
	ErrWarehouseInactive = errors.New("inventory: warehouse inactive")
	// ErrSameWarehouse indicates a transfer whose source equals its destination.
	ErrSameWarehouse = errors.New("inventory: source and destination warehouse must differ")
	// ErrInvalidType indicates an unsupported transaction type.
	ErrInvalidType = errors.New("inventory: invalid transaction type")
	// ErrInvalidReason indicates an unsupported adjustment reason or sign.
	ErrInvalidReason = errors.New("inventory: invalid adjustment reason")
	// ErrInvalidBucket indicates an unknown or identical reclassification bucket pair.
	ErrInvalidBucket = errors.New("inventory: invalid stock bucket")
	// ErrInvalidInput indicates a malformed request such as missing lines.
	ErrInvalidInput = errors.New("inventory: invalid input")
)

var (
	ErrLotNotFound         = fmt.Errorf("%w: lot", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("%w: transaction", ErrNotFound)
	ErrTransferNotFound    = fmt.Errorf("%w: transfer", ErrNotFound)
	ErrWarehouseNotFound   = fmt.Errorf("%w: warehouse", ErrNotFound)
)

// LineError pins a failure to the first offending line of a multi-line movement.
type LineError struct {
	Index     int
	LotID     int64
	ProductID int64
	Err       error
}

func (e *LineError) Error() string {
	switch {
	case e.LotID != 0:
		return fmt.Sprintf("line %d (lot %d): %v", e.Index+1, e.LotID, e.Err)
	case e.ProductID != 0:
		return fmt.Sprintf("line %d (product %d): %v", e.Index+1, e.ProductID, e.Err)
	default:
		return fmt.Sprintf("line %d: %v", e.Index+1, e.Err)
	}
}

func (e *LineError) Unwrap() error {
	return e.Err
}

func lineErr(index int, lotID, productID int64, err error) error {
	var existing *LineError
	if errors.As(err, &existing) {
		return err
	}
	return &LineError{Index: index, LotID: lotID, ProductID: productID, Err: err}
}
