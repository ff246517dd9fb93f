// Package rbac resolves the acting user and the warehouses they may operate on.
package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// ErrNotFound indicates that the requested user does not exist or is disabled.
var ErrNotFound = errors.New("rbac: not found")

// Store loads principals from persistent storage.
type Store interface {
	LoadPrincipal(ctx context.Context, userID int64) (shared.Principal, error)
}

// Service resolves principals for HTTP requests.
type Service struct {
	store Store
}

// NewService constructs a Service backed by the provided store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Principal returns the resolved principal for userID.
func (s *Service) Principal(ctx context.Context, userID int64) (shared.Principal, error) {
	if userID <= 0 {
		return shared.Principal{}, ErrNotFound
	}
	return s.store.LoadPrincipal(ctx, userID)
}

// PGStore reads users and their warehouse grants from Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// LoadPrincipal implements Store.
func (s *PGStore) LoadPrincipal(ctx context.Context, userID int64) (shared.Principal, error) {
	var p shared.Principal
	err := s.pool.QueryRow(ctx, `SELECT id, username, is_admin FROM users WHERE id = $1 AND is_active`, userID).
		Scan(&p.UserID, &p.Username, &p.Admin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.Principal{}, ErrNotFound
		}
		return shared.Principal{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	rows, err := s.pool.Query(ctx, `SELECT warehouse_id FROM user_warehouses WHERE user_id = $1 ORDER BY warehouse_id`, userID)
	if err != nil {
		return shared.Principal{}, fmt.Errorf("load warehouse scope: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return shared.Principal{}, fmt.Errorf("scan warehouse scope: %w", err)
	}
	p.WarehouseIDs = ids
	return p, nil
}
