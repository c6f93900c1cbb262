// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/sublink/internal/model"
)

// SessionRepository はセッション（認証情報ストア）の永続化インターフェース。
// セッションIDごとに独立しており、セッション間で状態を共有しない。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。存在しない・期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Save はセッションを作成または上書きする。
	Save(ctx context.Context, session *model.Session) error
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// TakeOAuthState は保存済みのOAuth stateを取り出し、同時に破棄する。
	// 同じstateを取り出せるのは1回の呼び出しだけで、セッションやstateが無い場合は空文字列を返す。
	TakeOAuthState(ctx context.Context, id string) (string, error)
}

// EntitlementRepository はマーケットプレイスの利用権限の永続化インターフェース。
type EntitlementRepository interface {
	// FindByAccountID はアカウントIDで利用権限を取得する。見つからない場合はnilを返す。
	FindByAccountID(ctx context.Context, accountID int64) (*model.Entitlement, error)
	// Upsert はアカウントIDをキーに利用権限を作成または更新する。
	Upsert(ctx context.Context, entitlement *model.Entitlement) error
}

// WebhookDeliveryRepository は処理済みWebhook配信IDの記録インターフェース。
type WebhookDeliveryRepository interface {
	// MarkProcessed は配信IDを記録する。初回の記録であればtrueを返す。
	MarkProcessed(ctx context.Context, deliveryID string, eventType string, receivedAt time.Time) (bool, error)
	// Forget は配信IDの記録を取り消す。再配信で再処理させるために使う。
	Forget(ctx context.Context, deliveryID string) error
}
