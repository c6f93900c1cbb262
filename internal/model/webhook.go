package model

import "time"

// EventKind はWebhookイベントの種別を表す。既知の種別以外はEventUnknownに分類する。
type EventKind string

const (
	EventPurchase     EventKind = "purchase"
	EventCancellation EventKind = "cancellation"
	EventPlanChange   EventKind = "plan_change"
	EventUnknown      EventKind = "unknown"
)

// WebhookEvent は署名検証済みのWebhookイベント。処理後は破棄される。
type WebhookEvent struct {
	Kind       EventKind
	RawType    string
	DeliveryID string
	Payload    []byte
}

// MarketplacePlan はマーケットプレイスのプラン情報。
type MarketplacePlan struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	PriceModel   string `json:"price_model,omitempty"`
	MonthlyPrice int64  `json:"monthly_price_in_cents,omitempty"`
}

// MarketplaceAccount は購入者のアカウント情報。
type MarketplaceAccount struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

// MarketplacePurchase はmarketplace_purchaseペイロードの購入情報。
type MarketplacePurchase struct {
	Account      MarketplaceAccount `json:"account"`
	BillingCycle string             `json:"billing_cycle"`
	UnitCount    int                `json:"unit_count"`
	OnFreeTrial  bool               `json:"on_free_trial"`
	Plan         MarketplacePlan    `json:"plan"`
}

// MarketplacePayload はマーケットプレイスWebhookのペイロード。
type MarketplacePayload struct {
	Action                      string               `json:"action"`
	EffectiveDate               string               `json:"effective_date"`
	MarketplacePurchase         MarketplacePurchase  `json:"marketplace_purchase"`
	PreviousMarketplacePurchase *MarketplacePurchase `json:"previous_marketplace_purchase,omitempty"`
}

// エンタイトルメントの状態
const (
	EntitlementActive    = "active"
	EntitlementCancelled = "cancelled"
)

// Entitlement はアカウントごとの利用権限を表す。
type Entitlement struct {
	ID           string
	AccountID    int64
	AccountLogin string
	PlanID       int64
	PlanName     string
	BillingCycle string
	UnitCount    int
	Status       string
	UpdatedAt    time.Time
	CreatedAt    time.Time
}
