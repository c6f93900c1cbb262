// Package registrar はサブドメインの登録と登録済みドメインの一覧を提供する。
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/sublink/internal/metrics"
	"github.com/hitoshi/sublink/internal/model"
	"github.com/hitoshi/sublink/internal/recordstore"
	"github.com/hitoshi/sublink/internal/security"
)

const (
	defaultDomainSuffix     = "sublink.rest"
	defaultPlatformHost     = "github.com"
	defaultFetchConcurrency = 8
	listCacheKey            = "domains"
)

// IdentityFetcher はアクセストークンから認証済みユーザーを取得するインターフェース。
type IdentityFetcher interface {
	FetchUser(ctx context.Context, accessToken string) (*model.GitHubUser, error)
}

// Config はサブドメイン登録サービスの設定。
type Config struct {
	DomainSuffix     string        // レコードパスとドメイン名に使う接尾辞
	PlatformHost     string        // リポジトリURLのホスト
	CacheTTL         time.Duration // 一覧キャッシュの有効期間。0以下でキャッシュしない
	FetchConcurrency int           // 一覧取得時の同時取得数
}

// Service はサブドメイン登録のビジネスロジックを提供する。
type Service struct {
	store     recordstore.Store
	identity  IdentityFetcher
	config    Config
	metrics   metrics.MetricsCollector
	sanitizer *security.RecordSanitizer
	validate  *validator.Validate
	locks     *keyedMutex
	group     singleflight.Group
	now       func() time.Time

	cacheMu  sync.Mutex
	cache    []model.DomainRecord
	cachedAt time.Time
	cacheGen uint64
}

// NewService はServiceを生成する。
func NewService(store recordstore.Store, identity IdentityFetcher, config Config, m metrics.MetricsCollector) *Service {
	if config.DomainSuffix == "" {
		config.DomainSuffix = defaultDomainSuffix
	}
	if config.PlatformHost == "" {
		config.PlatformHost = defaultPlatformHost
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = defaultFetchConcurrency
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		store:     store,
		identity:  identity,
		config:    config,
		metrics:   m,
		sanitizer: security.NewRecordSanitizer(),
		validate:  newValidator(),
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

// RecordPath はサブドメインのレコードパス（<subdomain>.<suffix>.json）を返す。
func (s *Service) RecordPath(subdomain string) string {
	return subdomain + "." + s.config.DomainSuffix + ".json"
}

// Register はサブドメインを登録する。
// 認証・入力検証の後、空き確認と作成を同一サブドメインのロック内で行う。
// 作成はストアの存在しない場合のみ成功する操作に依存し、衝突はSubdomainTakenとして返す。
func (s *Service) Register(ctx context.Context, session *model.Session, req model.RegistrationRequest) (*model.DomainRecord, error) {
	if !session.IsAuthenticated() {
		return nil, model.NewUnauthenticatedError()
	}

	if err := validateRequest(s.validate, req); err != nil {
		s.metrics.RecordRegistration(metrics.ResultInvalid)
		return nil, err
	}

	unlock := s.locks.Lock(req.Subdomain)
	defer unlock()

	path := s.RecordPath(req.Subdomain)

	_, err := s.store.Get(ctx, path)
	switch {
	case err == nil:
		s.metrics.RecordRegistration(metrics.ResultTaken)
		return nil, model.NewSubdomainTakenError()
	case errors.Is(err, recordstore.ErrNotFound):
	default:
		s.metrics.RecordLookupFailure()
		slog.Warn("availability lookup failed, continuing with create",
			slog.String("subdomain", req.Subdomain),
			slog.String("error", err.Error()),
		)
	}

	user, err := s.identity.FetchUser(ctx, session.AccessToken)
	if err != nil {
		s.metrics.RecordRegistration(metrics.ResultFailure)
		return nil, model.NewRegistrationWriteError(fmt.Errorf("failed to resolve repository owner: %w", err))
	}

	record := &model.DomainRecord{
		Subdomain:  req.Subdomain,
		GitHubRepo: fmt.Sprintf("https://%s/%s/%s", s.config.PlatformHost, user.Login, req.RepoName),
		CreatedAt:  s.now().UTC(),
		Status:     model.DomainStatusActive,
	}

	content, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, model.NewRegistrationWriteError(fmt.Errorf("failed to encode record: %w", err))
	}

	message := fmt.Sprintf("Register %s.%s", req.Subdomain, s.config.DomainSuffix)
	if err := s.store.Create(ctx, path, content, message); err != nil {
		if errors.Is(err, recordstore.ErrAlreadyExists) {
			s.metrics.RecordRegistration(metrics.ResultTaken)
			return nil, model.NewSubdomainTakenError()
		}
		s.metrics.RecordRegistration(metrics.ResultFailure)
		return nil, model.NewRegistrationWriteError(err)
	}

	s.invalidateCache()
	s.metrics.RecordRegistration(metrics.ResultSuccess)
	slog.Info("subdomain registered",
		slog.String("subdomain", req.Subdomain),
		slog.String("login", user.Login),
		slog.String("repo", req.RepoName),
	)

	return record, nil
}

// ListRegisteredDomains は登録済みの全ドメインレコードをサブドメイン順で返す。
// 結果はCacheTTLの間キャッシュされ、同時の取得要求は1回の取得にまとめられる。
func (s *Service) ListRegisteredDomains(ctx context.Context) ([]model.DomainRecord, error) {
	s.cacheMu.Lock()
	if s.cache != nil && s.config.CacheTTL > 0 && s.now().Sub(s.cachedAt) < s.config.CacheTTL {
		cached := copyRecords(s.cache)
		s.cacheMu.Unlock()
		return cached, nil
	}
	gen := s.cacheGen
	s.cacheMu.Unlock()

	// 取得結果は合流した全呼び出し元で共有するため、最初の呼び出し元のキャンセルを引き継がない。
	// 各ストア呼び出しにはストア側のタイムアウトが掛かる。
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(listCacheKey, func() (interface{}, error) {
		records, err := s.fetchAll(fetchCtx)
		if err != nil {
			return nil, err
		}
		s.cacheMu.Lock()
		if s.cacheGen == gen {
			s.cache = records
			s.cachedAt = s.now()
		}
		s.cacheMu.Unlock()
		return records, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list registered domains: %w", err)
	}

	return copyRecords(v.([]model.DomainRecord)), nil
}

// copyRecords はキャッシュと共有しないコピーを返す。空でもnilにはしない。
func copyRecords(src []model.DomainRecord) []model.DomainRecord {
	dst := make([]model.DomainRecord, len(src))
	copy(dst, src)
	return dst
}

// fetchAll はストアのレコードを並行に取得してデコードする。
// 読み込めないレコードは警告を出して読み飛ばす。
func (s *Service) fetchAll(ctx context.Context) ([]model.DomainRecord, error) {
	paths, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	suffix := "." + s.config.DomainSuffix + ".json"
	var targets []string
	for _, p := range paths {
		if strings.HasSuffix(p, suffix) && len(p) > len(suffix) {
			targets = append(targets, p)
		}
	}

	results := make([]*model.DomainRecord, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.FetchConcurrency)
	for i, p := range targets {
		g.Go(func() error {
			rec, err := s.store.Get(gctx, p)
			if err != nil {
				slog.Warn("failed to read domain record",
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
				return nil
			}
			var dr model.DomainRecord
			if err := json.Unmarshal(rec.Content, &dr); err != nil {
				slog.Warn("failed to decode domain record",
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if dr.Subdomain == "" {
				dr.Subdomain = strings.TrimSuffix(p, suffix)
			}
			clean := s.sanitizer.SanitizeRecord(dr)
			results[i] = &clean
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]model.DomainRecord, 0, len(results))
	for _, r := range results {
		if r != nil {
			records = append(records, *r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Subdomain < records[j].Subdomain
	})
	return records, nil
}

// invalidateCache は一覧キャッシュを破棄する。
func (s *Service) invalidateCache() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheGen++
	s.cacheMu.Unlock()
}
