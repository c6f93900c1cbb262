// Package githubclient はGitHub REST APIクライアントの生成と、エラー判定を提供する。
package githubclient

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// DefaultAPIURL はGitHub REST APIのデフォルトのベースURL。
const DefaultAPIURL = "https://api.github.com/"

// New はアクセストークンで認証されたGitHubクライアントを生成する。
// baseURLが空の場合は公開APIを使用する。timeoutはHTTPクライアント全体のタイムアウト。
func New(token, baseURL string, timeout time.Duration) (*github.Client, error) {
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   http.DefaultTransport,
		},
	}

	client := github.NewClient(httpClient)
	if baseURL == "" || baseURL == DefaultAPIURL {
		return client, nil
	}

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", baseURL, err)
	}
	client.BaseURL = u
	return client, nil
}

// StatusCode はGitHub APIのエラーレスポンスからHTTPステータスを取り出す。
// GitHubのエラーレスポンスでない場合は0を返す。
func StatusCode(err error) int {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

// IsNotFound は404レスポンスかを判定する。
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsConflict は既存リソースとの衝突（409、または422のバリデーション失敗）かを判定する。
// Contents APIはshaを伴わない既存パスへの作成を422で拒否する。
func IsConflict(err error) bool {
	code := StatusCode(err)
	return code == http.StatusConflict || code == http.StatusUnprocessableEntity
}
