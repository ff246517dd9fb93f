package shared

import "fmt"

// LotLockKey builds the advisory lock key guarding creation of a lot code
// within one product and warehouse.
func LotLockKey(productID, warehouseID int64, lotCode string) string {
	return fmt.Sprintf("inventory:lot:%d:%d:%s", productID, warehouseID, lotCode)
}
