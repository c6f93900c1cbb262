package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
	oauth2github "golang.org/x/oauth2/github"

	"github.com/hitoshi/sublink/internal/githubclient"
	"github.com/hitoshi/sublink/internal/metrics"
	"github.com/hitoshi/sublink/internal/model"
)

const (
	defaultScope   = "repo"
	defaultTimeout = 10 * time.Second
	reposPerPage   = 100
)

// GitHubOAuthConfig はGitHub OAuthプロバイダーの設定。
type GitHubOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scope        string
	Timeout      time.Duration // トークン交換・API呼び出しごとのタイムアウト

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
	APIURL   string
}

// GitHubOAuthProvider はGitHub OAuth AppによるAuthorization Codeフローを提供する。
type GitHubOAuthProvider struct {
	oauth   *oauth2.Config
	apiURL  string
	timeout time.Duration
	client  *http.Client
	metrics metrics.MetricsCollector
}

// NewGitHubOAuthProvider はGitHubOAuthProviderを生成する。
func NewGitHubOAuthProvider(config GitHubOAuthConfig, m metrics.MetricsCollector) *GitHubOAuthProvider {
	if config.Scope == "" {
		config.Scope = defaultScope
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if m == nil {
		m = metrics.Nop{}
	}

	endpoint := oauth2github.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}

	return &GitHubOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{config.Scope},
			Endpoint:     endpoint,
		},
		apiURL:  config.APIURL,
		timeout: config.Timeout,
		client:  &http.Client{Timeout: config.Timeout},
		metrics: m,
	}
}

// GetLoginURL はGitHubの認可URLを生成する。client_id、scope、stateを含む。
func (p *GitHubOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// ExchangeCode は認可コードをアクセストークンに交換する。
// レスポンスにトークンが含まれない場合もエラーとする。
func (p *GitHubOAuthProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	start := time.Now()
	token, err := p.oauth.Exchange(ctx, code)
	p.metrics.RecordUpstreamLatency("oauth.exchange", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("failed to exchange token: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}
	return token.AccessToken, nil
}

// FetchUser はアクセストークンで認証済みユーザーのプロフィールを取得する。
func (p *GitHubOAuthProvider) FetchUser(ctx context.Context, accessToken string) (*model.GitHubUser, error) {
	client, err := githubclient.New(accessToken, p.apiURL, p.timeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	user, _, err := client.Users.Get(ctx, "")
	p.metrics.RecordUpstreamLatency("users.get", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	if user.GetLogin() == "" {
		return nil, fmt.Errorf("empty login in user response")
	}

	return &model.GitHubUser{
		Login:     user.GetLogin(),
		Name:      user.GetName(),
		AvatarURL: user.GetAvatarURL(),
	}, nil
}

// ListRepoNames は認証済みユーザーがアクセスできるリポジトリ名を全ページ分取得する。
func (p *GitHubOAuthProvider) ListRepoNames(ctx context.Context, accessToken string) ([]string, error) {
	client, err := githubclient.New(accessToken, p.apiURL, p.timeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := &github.RepositoryListByAuthenticatedUserOptions{
		ListOptions: github.ListOptions{PerPage: reposPerPage},
	}

	names := []string{}
	start := time.Now()
	defer func() { p.metrics.RecordUpstreamLatency("repos.list", time.Since(start)) }()
	for {
		repos, resp, err := client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories: %w", err)
		}
		for _, r := range repos {
			names = append(names, r.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

// compile-time interface check
var _ OAuthProvider = (*GitHubOAuthProvider)(nil)
