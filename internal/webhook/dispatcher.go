// Package webhook はGitHubからのWebhookの署名検証とイベント種別ごとの振り分けを提供する。
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/sublink/internal/metrics"
	"github.com/hitoshi/sublink/internal/model"
	"github.com/hitoshi/sublink/internal/repository"
)

const signaturePrefix = "sha256="

// Handlers はイベント種別ごとの処理を定義するインターフェース。
type Handlers interface {
	OnPurchase(ctx context.Context, event model.WebhookEvent) error
	OnCancellation(ctx context.Context, event model.WebhookEvent) error
	OnPlanChange(ctx context.Context, event model.WebhookEvent) error
}

// Dispatcher はWebhookを検証し、対応するハンドラーに振り分ける。
type Dispatcher struct {
	secret     []byte
	handlers   Handlers
	deliveries repository.WebhookDeliveryRepository
	metrics    metrics.MetricsCollector
	now        func() time.Time
}

// NewDispatcher はDispatcherを生成する。deliveriesがnilの場合は重複配信を検出しない。
func NewDispatcher(secret string, handlers Handlers, deliveries repository.WebhookDeliveryRepository, m metrics.MetricsCollector) *Dispatcher {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Dispatcher{
		secret:     []byte(secret),
		handlers:   handlers,
		deliveries: deliveries,
		metrics:    m,
		now:        time.Now,
	}
}

// Sign はbodyに対する"sha256=<hex>"形式の署名を返す。
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify は受信したボディそのものに対するHMAC-SHA256署名がヘッダーと完全に一致するかを検証する。
// シークレットが未設定の場合は常に失敗する。
func (d *Dispatcher) Verify(body []byte, signature string) error {
	if len(d.secret) == 0 || signature == "" {
		return model.NewInvalidSignatureError()
	}
	expected := Sign(d.secret, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return model.NewInvalidSignatureError()
	}
	return nil
}

// ParseEventKind はX-GitHub-Eventヘッダーとペイロードからイベント種別を決定する。
// marketplace_purchaseの場合はペイロードのactionで判定する。
func ParseEventKind(eventType string, body []byte) model.EventKind {
	switch eventType {
	case string(model.EventPurchase):
		return model.EventPurchase
	case string(model.EventCancellation):
		return model.EventCancellation
	case string(model.EventPlanChange):
		return model.EventPlanChange
	case "marketplace_purchase":
		var payload struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return model.EventUnknown
		}
		switch payload.Action {
		case "purchased":
			return model.EventPurchase
		case "cancelled":
			return model.EventCancellation
		case "changed":
			return model.EventPlanChange
		}
	}
	return model.EventUnknown
}

// Handle は署名を検証し、正当なイベントをハンドラーに振り分ける。
// 署名検証に失敗した場合のみエラーを返す。ハンドラーの失敗は記録するだけで呼び出し元には返さない。
func (d *Dispatcher) Handle(ctx context.Context, body []byte, signature, eventType, deliveryID string) error {
	if err := d.Verify(body, signature); err != nil {
		d.metrics.RecordWebhookEvent(string(model.EventUnknown), metrics.ResultInvalid)
		slog.Warn("webhook signature verification failed",
			slog.String("event_type", eventType),
			slog.String("delivery_id", deliveryID),
		)
		return err
	}

	event := model.WebhookEvent{
		Kind:       ParseEventKind(eventType, body),
		RawType:    eventType,
		DeliveryID: deliveryID,
		Payload:    body,
	}

	marked, duplicate := d.markDelivery(ctx, event)
	if duplicate {
		d.metrics.RecordWebhookEvent(string(event.Kind), metrics.ResultDup)
		slog.Info("duplicate webhook delivery ignored",
			slog.String("event_type", eventType),
			slog.String("delivery_id", deliveryID),
		)
		return nil
	}

	if err := d.dispatch(ctx, event); err != nil && marked {
		// 再配信で再処理できるよう記録を取り消す
		if ferr := d.deliveries.Forget(ctx, event.DeliveryID); ferr != nil {
			slog.Error("failed to forget webhook delivery",
				slog.String("delivery_id", event.DeliveryID),
				slog.String("error", ferr.Error()),
			)
		}
	}
	return nil
}

// markDelivery は配信IDを記録する。今回記録した場合はmarked、既に記録済みであればduplicateがtrueになる。
// 記録に失敗した場合は処理を続行する。
func (d *Dispatcher) markDelivery(ctx context.Context, event model.WebhookEvent) (marked, duplicate bool) {
	if d.deliveries == nil || event.DeliveryID == "" {
		return false, false
	}
	first, err := d.deliveries.MarkProcessed(ctx, event.DeliveryID, event.RawType, d.now())
	if err != nil {
		slog.Error("failed to record webhook delivery",
			slog.String("delivery_id", event.DeliveryID),
			slog.String("error", err.Error()),
		)
		return false, false
	}
	return first, !first
}

// Dispatch はイベント種別に対応するハンドラーを実行する。
// ハンドラーのエラーとpanicはログに記録し、呼び出し元には伝播しない。
func (d *Dispatcher) Dispatch(ctx context.Context, event model.WebhookEvent) {
	_ = d.dispatch(ctx, event)
}

// dispatch はDispatchの本体。ハンドラーが失敗した場合はそのエラーを返す。
func (d *Dispatcher) dispatch(ctx context.Context, event model.WebhookEvent) error {
	var handle func(context.Context, model.WebhookEvent) error
	switch event.Kind {
	case model.EventPurchase:
		handle = d.handlers.OnPurchase
	case model.EventCancellation:
		handle = d.handlers.OnCancellation
	case model.EventPlanChange:
		handle = d.handlers.OnPlanChange
	default:
		d.metrics.RecordWebhookEvent(string(model.EventUnknown), metrics.ResultSuccess)
		slog.Info("unhandled webhook event",
			slog.String("event_type", event.RawType),
			slog.String("delivery_id", event.DeliveryID),
		)
		return nil
	}

	if err := safeCall(ctx, handle, event); err != nil {
		d.metrics.RecordWebhookEvent(string(event.Kind), metrics.ResultFailure)
		slog.Error("webhook handler failed",
			slog.String("kind", string(event.Kind)),
			slog.String("delivery_id", event.DeliveryID),
			slog.String("error", err.Error()),
		)
		return err
	}

	d.metrics.RecordWebhookEvent(string(event.Kind), metrics.ResultSuccess)
	slog.Info("webhook event processed",
		slog.String("kind", string(event.Kind)),
		slog.String("delivery_id", event.DeliveryID),
	)
	return nil
}

func safeCall(ctx context.Context, handle func(context.Context, model.WebhookEvent) error, event model.WebhookEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handle(ctx, event)
}
