// Package security はアプリケーションのセキュリティ機能を提供する。
//
// RecordSanitizer は外部レコードストアから読み込んだドメインレコードの文字列を
// 無害化する。レコードストアはリポジトリへの直接コミットでも更新されるため、
// 一覧APIで返す前にHTMLやスクリプトを取り除く。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/sublink/internal/model"
)

// RecordSanitizer はドメインレコードのサニタイズ機能を提供する。
// bluemondayのStrictPolicyを保持し、スレッドセーフに処理を行う。
type RecordSanitizer struct {
	policy *bluemonday.Policy
}

// NewRecordSanitizer はRecordSanitizerを生成する。
// 全てのHTMLタグを除去するStrictPolicyを使用する。
func NewRecordSanitizer() *RecordSanitizer {
	return &RecordSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はHTMLタグを除去し、前後の空白を取り除いた文字列を返す。
func (s *RecordSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

// SanitizeRecord はレコードの文字列フィールドをサニタイズしたコピーを返す。
// github_repoがhttpsの絶対URLでない場合は空文字列にする。
func (s *RecordSanitizer) SanitizeRecord(rec model.DomainRecord) model.DomainRecord {
	rec.Subdomain = s.SanitizeText(rec.Subdomain)
	rec.Status = s.SanitizeText(rec.Status)
	rec.GitHubRepo = sanitizeRepoURL(rec.GitHubRepo)
	return rec
}

func sanitizeRepoURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" || u.Host == "" || u.User != nil {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
