// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/sublink/internal/model"
	"github.com/hitoshi/sublink/internal/security"
)

const (
	sessionCookieName = "session_id"
	sessionIDBytes    = 32
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// storedSessionContextKey はセッションがストアから読み込まれたことを示すキー。
var storedSessionContextKey = contextKey("session_stored")

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// SessionConfig はセッションCookieの設定。
type SessionConfig struct {
	Secret       string // Cookie署名用のシークレット
	MaxAge       int    // セッション有効期間（秒）
	CookieDomain string
	Secure       bool
}

// SessionManager は署名付きCookieとセッションストアを結び付ける。
type SessionManager struct {
	finder SessionFinder
	config SessionConfig
	now    func() time.Time
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(finder SessionFinder, config SessionConfig) *SessionManager {
	return &SessionManager{finder: finder, config: config, now: time.Now}
}

// Middleware は署名付きCookieからセッションを読み込み、リクエストコンテキストに注入する
// ミドルウェアを返す。Cookieが無い・改ざんされている・セッションが期限切れの場合は
// 未保存の新しいセッションを作成してCookieを発行する。
// 新しいセッションはサービスがSaveした時点で初めて永続化される。
func (m *SessionManager) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, stored := m.load(r)
			if session == nil {
				fresh, err := m.newSession()
				if err != nil {
					slog.Error("failed to create session", slog.String("error", err.Error()))
					WriteInternalServerError(w)
					return
				}
				session = fresh
				m.SetCookie(w, session)
			}

			attachSessionToLog(r.Context(), session)
			ctx := ContextWithSession(r.Context(), session)
			if stored {
				ctx = context.WithValue(ctx, storedSessionContextKey, true)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// load はCookieのセッションを読み込む。storedはストアに保存済みのセッションであることを示す。
func (m *SessionManager) load(r *http.Request) (session *model.Session, stored bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	id, ok := security.VerifySignedValue([]byte(m.config.Secret), cookie.Value)
	if !ok {
		slog.Warn("session cookie signature mismatch", slog.String("path", r.URL.Path))
		return nil, false
	}

	session, err = m.finder.FindByID(r.Context(), id)
	if err != nil {
		slog.Error("failed to find session",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if session == nil {
		// 未保存のセッションはIDを引き継ぎ、Cookieを再発行しない
		return m.sessionWithID(id), false
	}
	if session.IsExpired(m.now()) {
		return nil, false
	}
	return session, true
}

func (m *SessionManager) newSession() (*model.Session, error) {
	id, err := security.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	return m.sessionWithID(id), nil
}

func (m *SessionManager) sessionWithID(id string) *model.Session {
	now := m.now()
	return &model.Session{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(m.config.MaxAge) * time.Second),
	}
}

// SetCookie はセッションIDを署名したHTTP Only Cookieを発行する。
func (m *SessionManager) SetCookie(w http.ResponseWriter, session *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    security.SignValue([]byte(m.config.Secret), session.ID),
		Path:     "/",
		Domain:   m.config.CookieDomain,
		MaxAge:   m.config.MaxAge,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie はセッションCookieを削除する。
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過していない場合はnilを返す。
func SessionFromContext(ctx context.Context) *model.Session {
	session, _ := ctx.Value(sessionContextKey).(*model.Session)
	return session
}

// isStoredSession はコンテキストのセッションがストアから読み込まれたものかを返す。
func isStoredSession(ctx context.Context) bool {
	stored, _ := ctx.Value(storedSessionContextKey).(bool)
	return stored
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}
