// Package config はYAMLファイルと環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ストア種別
const (
	SessionStorePostgres = "postgres"
	SessionStoreRedis    = "redis"
	SessionStoreMemory   = "memory"

	RecordStoreGitHub = "github"
	RecordStoreMemory = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// GitHub OAuth
	GitHubClientID     string
	GitHubClientSecret string
	GitHubRedirectURL  string
	GitHubOAuthScope   string
	GitHubAuthURL      string
	GitHubTokenURL     string
	GitHubAPIURL       string
	PlatformHost       string

	// Record store
	RecordStore      string
	GitHubStoreToken string
	RecordsOwner     string
	RecordsRepo      string
	RecordsBranch    string
	DomainSuffix     string
	DomainListCache  time.Duration
	UpstreamTimeout  time.Duration

	// Session
	SessionSecret string
	SessionMaxAge int
	SessionStore  string
	RedisURL      string

	// Webhook
	WebhookSecret            string
	WebhookDeliveryRetention time.Duration

	// Rate Limit（req/min）
	RateLimitGeneral      int
	RateLimitRegistration int

	// Worker
	CleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string
	StaticDir  string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load はCONFIG_FILEで指定されたYAMLファイル（任意）と環境変数からConfigを読み込む。
// 同じキーが両方にある場合は環境変数を優先する。
// 必須項目が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// DATABASE_URL -> database_url
	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(key), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{}

	// Optional fields with defaults
	cfg.SessionStore = getString(k, "session_store", SessionStorePostgres)
	cfg.RecordStore = getString(k, "record_store", RecordStoreGitHub)
	cfg.RedisURL = getString(k, "redis_url", "")
	cfg.SessionMaxAge = getInt(k, "session_max_age", 86400)
	cfg.GitHubOAuthScope = getString(k, "github_oauth_scope", "repo")
	cfg.GitHubAuthURL = getString(k, "github_auth_url", "")
	cfg.GitHubTokenURL = getString(k, "github_token_url", "")
	cfg.GitHubAPIURL = getString(k, "github_api_url", "https://api.github.com/")
	cfg.PlatformHost = getString(k, "platform_host", "github.com")
	cfg.RecordsOwner = getString(k, "records_owner", "sublink-rest")
	cfg.RecordsRepo = getString(k, "records_repo", "domains")
	cfg.RecordsBranch = getString(k, "records_branch", "")
	cfg.DomainSuffix = getString(k, "domain_suffix", "sublink.rest")
	cfg.DomainListCache = getDuration(k, "domain_list_cache_ttl", 60*time.Second)
	cfg.UpstreamTimeout = getDuration(k, "upstream_timeout", 10*time.Second)
	cfg.RateLimitGeneral = getInt(k, "rate_limit_general", 120)
	cfg.RateLimitRegistration = getInt(k, "rate_limit_registration", 10)
	cfg.WebhookDeliveryRetention = getDuration(k, "webhook_delivery_retention", 720*time.Hour)
	cfg.CleanupInterval = getDuration(k, "cleanup_interval", time.Hour)
	cfg.ServerPort = getString(k, "server_port", getString(k, "port", "8080"))
	cfg.StaticDir = getString(k, "static_dir", "public")
	cfg.CookieDomain = getString(k, "cookie_domain", "")
	cfg.CORSAllowedOrigin = getString(k, "cors_allowed_origin", "")
	cfg.LogLevel = getString(k, "log_level", "info")

	// Required fields
	var missing []string
	require := func(key string) string {
		v := getString(k, key, "")
		if v == "" {
			missing = append(missing, strings.ToUpper(key))
		}
		return v
	}

	if cfg.SessionStore != SessionStoreMemory {
		cfg.DatabaseURL = require("database_url")
	} else {
		cfg.DatabaseURL = getString(k, "database_url", "")
	}
	cfg.GitHubClientID = require("github_client_id")
	cfg.GitHubClientSecret = require("github_client_secret")
	cfg.SessionSecret = require("session_secret")
	cfg.WebhookSecret = require("webhook_secret")
	cfg.BaseURL = require("base_url")
	if cfg.RecordStore != RecordStoreMemory {
		cfg.GitHubStoreToken = require("github_store_token")
	} else {
		cfg.GitHubStoreToken = getString(k, "github_store_token", "")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch cfg.SessionStore {
	case SessionStorePostgres, SessionStoreMemory:
	case SessionStoreRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when SESSION_STORE=redis")
		}
	default:
		return nil, fmt.Errorf("unknown SESSION_STORE %q", cfg.SessionStore)
	}
	if cfg.RecordStore != RecordStoreGitHub && cfg.RecordStore != RecordStoreMemory {
		return nil, fmt.Errorf("unknown RECORD_STORE %q", cfg.RecordStore)
	}

	cfg.GitHubRedirectURL = getString(k, "github_redirect_url", strings.TrimRight(cfg.BaseURL, "/")+"/api/github/callback")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

func getString(k *koanf.Koanf, key, defaultVal string) string {
	if v := strings.TrimSpace(k.String(key)); v != "" {
		return v
	}
	return defaultVal
}

func getInt(k *koanf.Koanf, key string, defaultVal int) int {
	v := getString(k, key, "")
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getDuration(k *koanf.Koanf, key string, defaultVal time.Duration) time.Duration {
	v := getString(k, key, "")
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
