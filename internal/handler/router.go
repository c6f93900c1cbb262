package handler

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sublink/internal/metrics"
	"github.com/hitoshi/sublink/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Sessions          *middleware.SessionManager
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger // nilの場合はslog.Default()
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer // nilの場合は/metricsを公開しない
	HealthChecker     HealthChecker       // nilの場合はプロセスの稼働のみを確認する

	// 認証
	AuthService AuthServiceInterface

	// サブドメイン登録
	Registrar RegistrarInterface

	// Webhook
	Webhook WebhookReceiver

	// 静的ファイルのディレクトリ。空または存在しない場合は配信しない
	StaticDir string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Session → RateLimit(General)
//
// Webhook、ヘルスチェック、メトリクスはセッションとレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions)
	regHandler := NewRegistrationHandler(deps.Registrar)
	webhookHandler := NewWebhookHandler(deps.Webhook)

	// --- セッション不要のルート ---
	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	r.Post("/api/github/webhook", webhookHandler.Receive)

	// --- セッションを伴うルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(deps.Sessions.Middleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/github/login", authHandler.Login)
		r.Get("/api/github/callback", authHandler.Callback)
		r.Get("/api/github/logout", authHandler.Logout)

		r.Get("/api/auth/status", authHandler.Status)
		r.Get("/api/auth/logout", authHandler.Logout)
		r.Post("/api/auth/logout", authHandler.Logout)

		// POST /api/register-subdomain - 登録専用レート制限を追加
		r.With(deps.RateLimiter.RegistrationMiddleware()).Post("/api/register-subdomain", regHandler.Register)
		r.Get("/api/registered-domains", regHandler.ListRegisteredDomains)
	})

	if dir := deps.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			r.Handle("/*", http.FileServer(http.Dir(dir)))
		}
	}

	return r
}
