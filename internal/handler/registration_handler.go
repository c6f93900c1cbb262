package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/sublink/internal/middleware"
	"github.com/hitoshi/sublink/internal/model"
)

// maxRegistrationBodyBytes は登録リクエストボディの上限。
const maxRegistrationBodyBytes = 64 << 10

// RegistrarInterface はサブドメイン登録ハンドラーが必要とするサービスインターフェース。
type RegistrarInterface interface {
	Register(ctx context.Context, session *model.Session, req model.RegistrationRequest) (*model.DomainRecord, error)
	ListRegisteredDomains(ctx context.Context) ([]model.DomainRecord, error)
}

// RegistrationHandler はサブドメイン登録のHTTPハンドラー。
type RegistrationHandler struct {
	registrar RegistrarInterface
}

// NewRegistrationHandler はRegistrationHandlerを生成する。
func NewRegistrationHandler(registrar RegistrarInterface) *RegistrationHandler {
	return &RegistrationHandler{registrar: registrar}
}

// domainsResponse は登録済みドメイン一覧のレスポンス。
type domainsResponse struct {
	Domains []model.DomainRecord `json:"domains"`
}

// Register はサブドメインを登録する。
// POST /api/register-subdomain
func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	// 未認証の場合はボディを読む前に拒否する
	if !session.IsAuthenticated() {
		middleware.WriteErrorResponse(w, model.NewUnauthenticatedError())
		return
	}

	var req model.RegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, model.NewInvalidInputError("Invalid request body"))
		return
	}

	if _, err := h.registrar.Register(r.Context(), session, req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: "Subdomain registered successfully",
	})
}

// ListRegisteredDomains は登録済みドメインの一覧を返す。
// GET /api/registered-domains
func (h *RegistrationHandler) ListRegisteredDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := h.registrar.ListRegisteredDomains(r.Context())
	if err != nil {
		middleware.WriteError(w, r, model.NewInternalError(err))
		return
	}
	if domains == nil {
		domains = []model.DomainRecord{}
	}

	middleware.WriteJSON(w, http.StatusOK, domainsResponse{Domains: domains})
}
