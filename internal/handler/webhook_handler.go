package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/sublink/internal/middleware"
	"github.com/hitoshi/sublink/internal/model"
)

// maxWebhookBodyBytes はWebhookボディの上限（1 MiB）。
const maxWebhookBodyBytes = 1 << 20

// WebhookReceiver はWebhookハンドラーが必要とするディスパッチャーのインターフェース。
type WebhookReceiver interface {
	Handle(ctx context.Context, body []byte, signature, eventType, deliveryID string) error
}

// WebhookHandler はGitHub Webhookを受信するHTTPハンドラー。
type WebhookHandler struct {
	receiver WebhookReceiver
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(receiver WebhookReceiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

// Receive は署名を検証したうえでイベントを振り分ける。
// POST /api/github/webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteErrorResponse(w, &model.APIError{
				Code:    model.ErrCodeInvalidInput,
				Message: "Request body too large",
				Status:  http.StatusRequestEntityTooLarge,
			})
			return
		}
		middleware.WriteErrorResponse(w, model.NewInvalidInputError("Invalid request body"))
		return
	}

	err = h.receiver.Handle(r.Context(), body,
		r.Header.Get("X-Hub-Signature-256"),
		r.Header.Get("X-GitHub-Event"),
		r.Header.Get("X-GitHub-Delivery"),
	)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Webhook received"})
}
