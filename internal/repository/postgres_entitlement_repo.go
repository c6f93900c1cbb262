package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/sublink/internal/model"
)

// PostgresEntitlementRepo はPostgreSQLを使用した利用権限リポジトリ。
type PostgresEntitlementRepo struct {
	db *sql.DB
}

// NewPostgresEntitlementRepo はPostgresEntitlementRepoを生成する。
func NewPostgresEntitlementRepo(db *sql.DB) *PostgresEntitlementRepo {
	return &PostgresEntitlementRepo{db: db}
}

// FindByAccountID はアカウントIDで利用権限を取得する。見つからない場合はnilを返す。
func (r *PostgresEntitlementRepo) FindByAccountID(ctx context.Context, accountID int64) (*model.Entitlement, error) {
	e := &model.Entitlement{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, account_login, plan_id, plan_name, billing_cycle,
		        unit_count, status, updated_at, created_at
		 FROM entitlements
		 WHERE account_id = $1`,
		accountID,
	).Scan(&e.ID, &e.AccountID, &e.AccountLogin, &e.PlanID, &e.PlanName, &e.BillingCycle,
		&e.UnitCount, &e.Status, &e.UpdatedAt, &e.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlement: %w", err)
	}
	return e, nil
}

// Upsert はアカウントIDをキーに利用権限を作成または更新する。
// 既存行のidとcreated_atは維持される。
func (r *PostgresEntitlementRepo) Upsert(ctx context.Context, e *model.Entitlement) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO entitlements
		   (id, account_id, account_login, plan_id, plan_name, billing_cycle, unit_count, status, updated_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (account_id) DO UPDATE SET
		   account_login = EXCLUDED.account_login,
		   plan_id       = EXCLUDED.plan_id,
		   plan_name     = EXCLUDED.plan_name,
		   billing_cycle = EXCLUDED.billing_cycle,
		   unit_count    = EXCLUDED.unit_count,
		   status        = EXCLUDED.status,
		   updated_at    = EXCLUDED.updated_at`,
		e.ID, e.AccountID, e.AccountLogin, e.PlanID, e.PlanName, e.BillingCycle,
		e.UnitCount, e.Status, e.UpdatedAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// compile-time interface check
var _ EntitlementRepository = (*PostgresEntitlementRepo)(nil)
