// Package auth はGitHub OAuth認証フロー、セッションへの認証情報の保存を提供する。
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/sublink/internal/metrics"
	"github.com/hitoshi/sublink/internal/model"
	"github.com/hitoshi/sublink/internal/repository"
	"github.com/hitoshi/sublink/internal/security"
)

const stateBytes = 32

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はstateを含む認可URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをアクセストークンに交換する。
	ExchangeCode(ctx context.Context, code string) (string, error)
	// FetchUser はアクセストークンでユーザー情報を取得する。
	FetchUser(ctx context.Context, accessToken string) (*model.GitHubUser, error)
	// ListRepoNames はアクセストークンでリポジトリ名一覧を取得する。
	ListRepoNames(ctx context.Context, accessToken string) ([]string, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// LoginResult はOAuthフロー完了時の結果。
type LoginResult struct {
	User  *model.GitHubUser
	Repos []string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	metrics     metrics.MetricsCollector
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
	m metrics.MetricsCollector,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		oauth:       oauth,
		sessionRepo: sessionRepo,
		config:      config,
		metrics:     m,
		now:         time.Now,
	}
}

// BeginLogin はログイン試行ごとに新しいstateを発行してセッションに保存し、認可URLを返す。
func (s *Service) BeginLogin(ctx context.Context, session *model.Session) (string, error) {
	state, err := security.RandomToken(stateBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}

	session.OAuthState = state
	if err := s.sessionRepo.Save(ctx, session); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}

	return s.oauth.GetLoginURL(state), nil
}

// HandleCallback はOAuthコールバックを処理する。
// stateはセッションに保存された値と一致する場合のみ受理し、一致・不一致にかかわらず
// 上流への呼び出し前に破棄する。成功時はセッションIDを再発行し、
// アクセストークンとユーザー情報を保存する。
func (s *Service) HandleCallback(ctx context.Context, session *model.Session, code, state string) (*LoginResult, error) {
	// stateはストア側で取り出すと同時に破棄する。同じstateの同時コールバックは1つしか通らない。
	expected, err := s.sessionRepo.TakeOAuthState(ctx, session.ID)
	if err != nil {
		return nil, model.NewInternalError(fmt.Errorf("failed to consume oauth state: %w", err))
	}
	session.OAuthState = ""

	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		s.metrics.RecordOAuthCallback(metrics.ResultInvalid)
		return nil, model.NewInvalidStateError()
	}

	if code == "" {
		s.metrics.RecordOAuthCallback(metrics.ResultInvalid)
		return nil, model.NewInvalidInputError("Missing authorization code")
	}

	token, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.metrics.RecordOAuthCallback(metrics.ResultFailure)
		return nil, model.NewUpstreamAuthError(err)
	}

	user, err := s.oauth.FetchUser(ctx, token)
	if err != nil {
		s.metrics.RecordOAuthCallback(metrics.ResultFailure)
		return nil, model.NewUpstreamAuthError(err)
	}

	repos, err := s.oauth.ListRepoNames(ctx, token)
	if err != nil {
		s.metrics.RecordOAuthCallback(metrics.ResultFailure)
		return nil, model.NewUpstreamAuthError(err)
	}

	if err := s.rotate(ctx, session); err != nil {
		return nil, model.NewInternalError(err)
	}

	session.AccessToken = token
	session.User = user
	session.Repos = repos
	session.ExpiresAt = s.now().Add(time.Duration(s.config.SessionMaxAge) * time.Second)

	if err := s.sessionRepo.Save(ctx, session); err != nil {
		return nil, model.NewInternalError(fmt.Errorf("failed to save session: %w", err))
	}

	s.metrics.RecordOAuthCallback(metrics.ResultSuccess)
	slog.Info("user logged in",
		slog.String("login", user.Login),
		slog.Int("repos", len(repos)),
	)

	return &LoginResult{User: user, Repos: repos}, nil
}

// rotate はセッションIDを新しい値に置き換え、旧IDのセッションを削除する。
func (s *Service) rotate(ctx context.Context, session *model.Session) error {
	newID, err := security.RandomToken(stateBytes)
	if err != nil {
		return fmt.Errorf("failed to generate session ID: %w", err)
	}

	oldID := session.ID
	session.ID = newID
	if oldID == "" {
		return nil
	}
	if err := s.sessionRepo.DeleteByID(ctx, oldID); err != nil {
		slog.Warn("failed to delete rotated session",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Status は認証済みセッションのユーザー情報とリポジトリ一覧を返す。
func (s *Service) Status(session *model.Session) (*LoginResult, error) {
	if !session.IsAuthenticated() || session.User == nil {
		return nil, model.NewUnauthenticatedError()
	}
	repos := session.Repos
	if repos == nil {
		repos = []string{}
	}
	return &LoginResult{User: session.User, Repos: repos}, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, session *model.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if login := session.Login(); login != "" {
		slog.Info("user logged out", slog.String("login", login))
	}
	return nil
}
