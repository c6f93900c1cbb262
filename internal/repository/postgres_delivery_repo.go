package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresWebhookDeliveryRepo はPostgreSQLを使用したWebhook配信IDリポジトリ。
type PostgresWebhookDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresWebhookDeliveryRepo はPostgresWebhookDeliveryRepoを生成する。
func NewPostgresWebhookDeliveryRepo(db *sql.DB) *PostgresWebhookDeliveryRepo {
	return &PostgresWebhookDeliveryRepo{db: db}
}

// MarkProcessed は配信IDを記録する。既に記録済みの場合はfalseを返す。
func (r *PostgresWebhookDeliveryRepo) MarkProcessed(ctx context.Context, deliveryID string, eventType string, receivedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, event_type, received_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (delivery_id) DO NOTHING`,
		deliveryID, eventType, receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook delivery: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n == 1, nil
}

// Forget は配信IDの記録を削除する。記録がなくてもエラーにしない。
func (r *PostgresWebhookDeliveryRepo) Forget(ctx context.Context, deliveryID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE delivery_id = $1`, deliveryID); err != nil {
		return fmt.Errorf("failed to forget webhook delivery: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WebhookDeliveryRepository = (*PostgresWebhookDeliveryRepo)(nil)
