// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/sublink/internal/auth"
	"github.com/hitoshi/sublink/internal/middleware"
	"github.com/hitoshi/sublink/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin(ctx context.Context, session *model.Session) (string, error)
	HandleCallback(ctx context.Context, session *model.Session, code, state string) (*auth.LoginResult, error)
	Status(session *model.Session) (*auth.LoginResult, error)
	Logout(ctx context.Context, session *model.Session) error
}

// SessionCookieWriter はセッションCookieの発行と削除を行う。
// middleware.SessionManagerが実装する。
type SessionCookieWriter interface {
	SetCookie(w http.ResponseWriter, session *model.Session)
	ClearCookie(w http.ResponseWriter)
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookies SessionCookieWriter
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookies SessionCookieWriter) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookies: cookies,
	}
}

// loginResponse はJSONで要求されたログインURLのレスポンス。
type loginResponse struct {
	URL string `json:"url"`
}

// callbackResponse はOAuthコールバック成功時のレスポンス。
type callbackResponse struct {
	Success  bool     `json:"success"`
	Username string   `json:"username"`
	Repos    []string `json:"repos"`
}

// statusResponse は認証状態のレスポンス。
type statusResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	User    *model.GitHubUser `json:"user"`
	Repos   []string          `json:"repos"`
}

// messageResponse は成功メッセージのみを返すレスポンス。
type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Login はGitHub OAuthフローを開始する。
// GET /api/github/login
// AcceptヘッダーにJSONを含む場合は認可URLを返し、それ以外はリダイレクトする。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())

	url, err := h.service.BeginLogin(r.Context(), session)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if wantsJSON(r) {
		middleware.WriteJSON(w, http.StatusOK, loginResponse{URL: url})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// GET /api/github/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	query := r.URL.Query()

	result, err := h.service.HandleCallback(r.Context(), session, query.Get("code"), query.Get("state"))
	if err != nil {
		if model.IsCode(err, model.ErrCodeInvalidState) {
			slog.Warn("oauth state mismatch", slog.String("path", r.URL.Path))
		}
		middleware.WriteError(w, r, err)
		return
	}

	// ログイン時にセッションIDが再発行されるため、Cookieを更新する
	h.cookies.SetCookie(w, session)

	middleware.WriteJSON(w, http.StatusOK, callbackResponse{
		Success:  true,
		Username: result.User.Login,
		Repos:    nonNilStrings(result.Repos),
	})
}

// Status は現在の認証状態を返す。
// GET /api/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Status(middleware.SessionFromContext(r.Context()))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, statusResponse{
		Success: true,
		Message: "Authenticated",
		User:    result.User,
		Repos:   nonNilStrings(result.Repos),
	})
}

// Logout はセッションを破棄する。
// GET /api/github/logout, GET|POST /api/auth/logout
// ブラウザからのGETはトップページにリダイレクトし、それ以外はJSONで応答する。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), middleware.SessionFromContext(r.Context())); err != nil {
		// ログアウト失敗してもCookieはクリアする
		slog.Error("failed to logout", slog.String("error", err.Error()))
	}

	h.cookies.ClearCookie(w)

	if r.Method == http.MethodGet && !wantsJSON(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Logged out"})
}

// wantsJSON はAcceptヘッダーがJSONを要求しているかを判定する。
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
