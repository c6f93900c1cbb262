package repository

import (
	"context"
	"sync"

	"github.com/hitoshi/sublink/internal/model"
)

// MemoryEntitlementRepo はプロセス内メモリに利用権限を保持するリポジトリ。
type MemoryEntitlementRepo struct {
	mu           sync.RWMutex
	entitlements map[int64]model.Entitlement
}

// NewMemoryEntitlementRepo はMemoryEntitlementRepoを生成する。
func NewMemoryEntitlementRepo() *MemoryEntitlementRepo {
	return &MemoryEntitlementRepo{entitlements: make(map[int64]model.Entitlement)}
}

// FindByAccountID はアカウントIDで利用権限を取得する。見つからない場合はnilを返す。
func (r *MemoryEntitlementRepo) FindByAccountID(_ context.Context, accountID int64) (*model.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entitlements[accountID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Upsert はアカウントIDをキーに利用権限を作成または更新する。既存のIDと作成日時は維持する。
func (r *MemoryEntitlementRepo) Upsert(_ context.Context, e *model.Entitlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := *e
	if existing, ok := r.entitlements[e.AccountID]; ok {
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
	}
	r.entitlements[e.AccountID] = next
	return nil
}

// compile-time interface check
var _ EntitlementRepository = (*MemoryEntitlementRepo)(nil)
