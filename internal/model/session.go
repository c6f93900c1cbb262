// Package model はドメインモデルを定義する。
package model

import "time"

// GitHubUser は外部プラットフォーム上の認証済みユーザーを表す。
type GitHubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Session はブラウザセッションに紐づく認証情報を表す。
// OAuthStateはログイン開始から1回のコールバックまでの間だけ保持される。
// AccessTokenとUserはOAuthフロー完了後にのみ設定される。
type Session struct {
	ID          string
	OAuthState  string
	AccessToken string
	User        *GitHubUser
	Repos       []string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// IsAuthenticated はセッションがアクセストークンを保持しているかを返す。
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.AccessToken != ""
}

// IsExpired は有効期限を過ぎているかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Login は認証済みユーザーのログイン名を返す。未認証の場合は空文字列。
func (s *Session) Login() string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.Login
}
