// Package entitlement はマーケットプレイスのWebhookイベントからアカウントの利用権限を更新する。
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sublink/internal/model"
	"github.com/hitoshi/sublink/internal/repository"
)

// Service は利用権限の更新処理を提供する。webhook.Handlersを実装する。
type Service struct {
	repo repository.EntitlementRepository
	now  func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.EntitlementRepository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// OnPurchase は購入されたプランで利用権限を有効化する。
func (s *Service) OnPurchase(ctx context.Context, event model.WebhookEvent) error {
	return s.apply(ctx, event, model.EntitlementActive)
}

// OnCancellation は利用権限を解約済みにする。
func (s *Service) OnCancellation(ctx context.Context, event model.WebhookEvent) error {
	return s.apply(ctx, event, model.EntitlementCancelled)
}

// OnPlanChange は変更後のプランで利用権限を更新する。
func (s *Service) OnPlanChange(ctx context.Context, event model.WebhookEvent) error {
	return s.apply(ctx, event, model.EntitlementActive)
}

func (s *Service) apply(ctx context.Context, event model.WebhookEvent, status string) error {
	var payload model.MarketplacePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode marketplace payload: %w", err)
	}

	purchase := payload.MarketplacePurchase
	if purchase.Account.ID == 0 {
		return fmt.Errorf("marketplace payload has no account id")
	}

	now := s.now()
	e := &model.Entitlement{
		ID:           uuid.New().String(),
		AccountID:    purchase.Account.ID,
		AccountLogin: purchase.Account.Login,
		PlanID:       purchase.Plan.ID,
		PlanName:     purchase.Plan.Name,
		BillingCycle: purchase.BillingCycle,
		UnitCount:    purchase.UnitCount,
		Status:       status,
		UpdatedAt:    now,
		CreatedAt:    now,
	}

	if err := s.repo.Upsert(ctx, e); err != nil {
		return fmt.Errorf("failed to update entitlement: %w", err)
	}

	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.Int64("account_id", e.AccountID),
		slog.String("account_login", e.AccountLogin),
		slog.String("plan", e.PlanName),
		slog.String("status", status),
	}
	if prev := payload.PreviousMarketplacePurchase; prev != nil {
		attrs = append(attrs, slog.String("previous_plan", prev.Plan.Name))
	}
	slog.Info("entitlement updated", attrs...)
	return nil
}
