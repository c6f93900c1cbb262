package model

import "time"

// DomainStatusActive は登録済みで有効なサブドメインを表す。
const DomainStatusActive = "active"

// RegistrationRequest はサブドメイン登録リクエストを表す。
type RegistrationRequest struct {
	Subdomain string `json:"subdomain" validate:"required,subdomain"`
	RepoName  string `json:"repo" validate:"required"`
}

// DomainRecord は外部レコードストアに保存されるサブドメインとリポジトリの紐付け。
// 識別子はSubdomainで、作成後は変更されない。
type DomainRecord struct {
	Subdomain  string    `json:"subdomain"`
	GitHubRepo string    `json:"github_repo"`
	CreatedAt  time.Time `json:"created_at"`
	Status     string    `json:"status"`
}
