package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryWebhookDeliveryRepo はプロセス内メモリに配信IDを記録するリポジトリ。
type MemoryWebhookDeliveryRepo struct {
	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewMemoryWebhookDeliveryRepo はMemoryWebhookDeliveryRepoを生成する。
func NewMemoryWebhookDeliveryRepo() *MemoryWebhookDeliveryRepo {
	return &MemoryWebhookDeliveryRepo{deliveries: make(map[string]time.Time)}
}

// MarkProcessed は配信IDを記録する。既に記録済みの場合はfalseを返す。
func (r *MemoryWebhookDeliveryRepo) MarkProcessed(_ context.Context, deliveryID string, _ string, receivedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deliveries[deliveryID]; ok {
		return false, nil
	}
	r.deliveries[deliveryID] = receivedAt
	return true, nil
}

// Forget は配信IDの記録を削除する。
func (r *MemoryWebhookDeliveryRepo) Forget(_ context.Context, deliveryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deliveries, deliveryID)
	return nil
}

// DeleteOlderThan はcutoffより前に受信した配信IDを削除し、削除件数を返す。
func (r *MemoryWebhookDeliveryRepo) DeleteOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, at := range r.deliveries {
		if at.Before(cutoff) {
			delete(r.deliveries, id)
			n++
		}
	}
	return n
}

// compile-time interface check
var _ WebhookDeliveryRepository = (*MemoryWebhookDeliveryRepo)(nil)
