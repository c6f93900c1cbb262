package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/sublink/internal/auth"
	"github.com/hitoshi/sublink/internal/config"
	"github.com/hitoshi/sublink/internal/database"
	"github.com/hitoshi/sublink/internal/entitlement"
	"github.com/hitoshi/sublink/internal/githubclient"
	"github.com/hitoshi/sublink/internal/handler"
	"github.com/hitoshi/sublink/internal/logger"
	"github.com/hitoshi/sublink/internal/metrics"
	"github.com/hitoshi/sublink/internal/middleware"
	"github.com/hitoshi/sublink/internal/recordstore"
	"github.com/hitoshi/sublink/internal/registrar"
	"github.com/hitoshi/sublink/internal/repository"
	"github.com/hitoshi/sublink/internal/webhook"
	"github.com/hitoshi/sublink/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 設定ファイルと環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(healthcheckPort())
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("description", cmd.Description()),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_store", cfg.SessionStore),
		slog.String("record_store", cfg.RecordStore),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Connect(context.Background(), databaseURL)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// stores はストア種別に応じて選択された永続化層。
type stores struct {
	db           *sql.DB
	sessions     repository.SessionRepository
	entitlements repository.EntitlementRepository
	deliveries   repository.WebhookDeliveryRepository
	sweeper      *cleanup.Sweeper // インメモリ構成のみ
	closers      []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}
}

// healthChecker はDB接続がある場合のみ返す。
func (s *stores) healthChecker() handler.HealthChecker {
	if s.db == nil {
		return nil
	}
	return s.db
}

// openStores はSESSION_STOREに従ってセッション・利用権限・配信記録のストアを構築する。
// postgresとredisではDBを使い、memoryではすべてプロセス内に保持する。
func openStores(cfg *config.Config) (*stores, error) {
	s := &stores{}

	if cfg.SessionStore == config.SessionStoreMemory {
		memSessions := repository.NewMemorySessionRepo()
		memDeliveries := repository.NewMemoryWebhookDeliveryRepo()
		s.sessions = memSessions
		s.deliveries = memDeliveries
		s.entitlements = repository.NewMemoryEntitlementRepo()
		s.sweeper = cleanup.NewSweeper(memSessions, memDeliveries, cfg.WebhookDeliveryRetention, slog.Default())
		slog.Warn("using in-memory stores; data is lost on restart")
		return s, nil
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.closers = append(s.closers, db.Close)
	s.entitlements = repository.NewPostgresEntitlementRepo(db)
	s.deliveries = repository.NewPostgresWebhookDeliveryRepo(db)

	switch cfg.SessionStore {
	case config.SessionStoreRedis:
		client, err := repository.ConnectRedis(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		s.sessions = repository.NewRedisSessionRepo(client)
		slog.Info("redis connection established")
	default:
		s.sessions = repository.NewPostgresSessionRepo(db)
	}

	return s, nil
}

// openRecordStore はRECORD_STOREに従ってレコードストアを構築する。
func openRecordStore(cfg *config.Config, m metrics.MetricsCollector) (recordstore.Store, error) {
	if cfg.RecordStore == config.RecordStoreMemory {
		slog.Warn("using in-memory record store")
		return recordstore.NewMemoryStore(), nil
	}

	client, err := githubclient.New(cfg.GitHubStoreToken, cfg.GitHubAPIURL, cfg.UpstreamTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	return recordstore.NewGitHubStore(client, recordstore.GitHubStoreConfig{
		Owner:   cfg.RecordsOwner,
		Repo:    cfg.RecordsRepo,
		Branch:  cfg.RecordsBranch,
		Timeout: cfg.UpstreamTimeout,
	}, m), nil
}

// newMetrics はプロセス用のPrometheusレジストリとコレクタを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// buildRouter は選択済みのストアからサービスとミドルウェアを組み立て、ルーターを返す。
// 返却されたRateLimiterは呼び出し側でStopすること。
func buildRouter(cfg *config.Config, st *stores, records recordstore.Store, reg prometheus.Gatherer, collector metrics.MetricsCollector) (http.Handler, *middleware.RateLimiter) {
	// ドメインサービスの初期化
	oauthProvider := auth.NewGitHubOAuthProvider(auth.GitHubOAuthConfig{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURL:  cfg.GitHubRedirectURL,
		Scope:        cfg.GitHubOAuthScope,
		Timeout:      cfg.UpstreamTimeout,
		AuthURL:      cfg.GitHubAuthURL,
		TokenURL:     cfg.GitHubTokenURL,
		APIURL:       cfg.GitHubAPIURL,
	}, collector)
	authService := auth.NewService(
		oauthProvider, st.sessions,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
		collector,
	)

	registrarService := registrar.NewService(records, oauthProvider, registrar.Config{
		DomainSuffix: cfg.DomainSuffix,
		PlatformHost: cfg.PlatformHost,
		CacheTTL:     cfg.DomainListCache,
	}, collector)

	entitlementService := entitlement.NewService(st.entitlements)
	dispatcher := webhook.NewDispatcher(cfg.WebhookSecret, entitlementService, st.deliveries, collector)

	// ミドルウェア
	sessions := middleware.NewSessionManager(st.sessions, middleware.SessionConfig{
		Secret:       cfg.SessionSecret,
		MaxAge:       cfg.SessionMaxAge,
		CookieDomain: cfg.CookieDomain,
		Secure:       cfg.CookieSecure,
	})
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitRegistration),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Sessions:          sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsGatherer:   reg,
		HealthChecker:     st.healthChecker(),

		AuthService: authService,
		Registrar:   registrarService,
		Webhook:     dispatcher,
		StaticDir:   cfg.StaticDir,
	})

	return router, rateLimiter
}

// runServe はAPIサーバーモードで起動する。
// ストアとサービスをワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. メトリクス
	reg, collector := newMetrics()

	// 2. 永続化層
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := openRecordStore(cfg, collector)
	if err != nil {
		return err
	}

	// 3. サービスとルーターの構築
	router, rateLimiter := buildRouter(cfg, st, records, reg, collector)
	defer rateLimiter.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// インメモリ構成ではワーカープロセスが存在しないため、サーバー内で掃除する
	if st.sweeper != nil {
		go cleanup.RunEvery(ctx, st.sweeper, cfg.CleanupInterval, slog.Default())
	}

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、クリーンアップジョブをCLEANUP_INTERVALごとに実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.SessionStore == config.SessionStoreMemory {
		return fmt.Errorf("worker requires a database; SESSION_STORE=memory is cleaned up by the API server")
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewCleanupJob(db, slog.Default())
	job.DeliveryRetention = cfg.WebhookDeliveryRetention

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("delivery_retention", cfg.WebhookDeliveryRetention),
	)

	cleanup.RunEvery(ctx, job, cfg.CleanupInterval, slog.Default())

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// healthcheckPort はSERVER_PORT、PORTの順にポートを決定する。
func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリを伏せる。
// URLとして解釈できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
