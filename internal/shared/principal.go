package shared

// Principal describes the user acting on the inventory. Identity itself is owned by an
// upstream collaborator; this is the resolved view the engine authorizes against.
type Principal struct {
	UserID       int64
	Username     string
	Admin        bool
	WarehouseIDs []int64
}

// CanAccessWarehouse reports whether the principal may act against the warehouse.
func (p Principal) CanAccessWarehouse(warehouseID int64) bool {
	if p.Admin {
		return true
	}
	for _, id := range p.WarehouseIDs {
		if id == warehouseID {
			return true
		}
	}
	return false
}
