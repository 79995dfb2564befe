package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rxops/apiserver/types"
)

// TenantRepository handles persistence for tenants.
type TenantRepository struct {
	db *sql.DB
}

func NewTenantRepository(db *sql.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) Get(ctx context.Context, id int64) (types.Tenant, error) {
	const query = `
		SELECT id, name, country, currency, language, created_at, updated_at
		FROM tenants
		WHERE id = $1`
	var tenant types.Tenant
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Country,
		&tenant.Currency,
		&tenant.Language,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Tenant{}, ErrNotFound
		}
		return types.Tenant{}, err
	}
	return tenant, nil
}

func (r *TenantRepository) Create(ctx context.Context, tenant types.Tenant) (types.Tenant, error) {
	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	const query = `
		INSERT INTO tenants (name, country, currency, language, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		tenant.Name,
		tenant.Country,
		tenant.Currency,
		tenant.Language,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	).Scan(&tenant.ID); err != nil {
		return types.Tenant{}, err
	}
	return tenant, nil
}
