package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/hitoshi/sublink/internal/githubclient"
	"github.com/hitoshi/sublink/internal/metrics"
)

// GitHubStore はGitHubリポジトリのContents APIをレコードストアとして使用する実装。
// レコードはリポジトリ直下のファイルとして保存される。
type GitHubStore struct {
	client  *github.Client
	owner   string
	repo    string
	branch  string
	timeout time.Duration
	metrics metrics.MetricsCollector
}

// GitHubStoreConfig はGitHubStoreの設定。
type GitHubStoreConfig struct {
	Owner   string
	Repo    string
	Branch  string // 空の場合はデフォルトブランチ
	Timeout time.Duration
}

// NewGitHubStore はGitHubStoreを生成する。
func NewGitHubStore(client *github.Client, cfg GitHubStoreConfig, m metrics.MetricsCollector) *GitHubStore {
	if m == nil {
		m = metrics.Nop{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GitHubStore{
		client:  client,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		branch:  cfg.Branch,
		timeout: cfg.Timeout,
		metrics: m,
	}
}

func (s *GitHubStore) getOptions() *github.RepositoryContentGetOptions {
	if s.branch == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: s.branch}
}

// Get は指定パスのファイルを取得し、デコード済みの内容を返す。
func (s *GitHubStore) Get(ctx context.Context, path string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	file, _, _, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, path, s.getOptions())
	s.metrics.RecordUpstreamLatency("records.get", time.Since(start))
	if err != nil {
		if githubclient.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record %s: %w", path, err)
	}
	if file == nil {
		return nil, fmt.Errorf("record path %s is a directory", path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", path, err)
	}

	return &Record{
		Path:    file.GetPath(),
		Content: []byte(content),
		SHA:     file.GetSHA(),
	}, nil
}

// Create はshaを指定せずにファイルを作成する。
// パスが既に存在する場合はErrAlreadyExistsを返す。
func (s *GitHubStore) Create(ctx context.Context, path string, content []byte, message string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
	}
	if s.branch != "" {
		opts.Branch = github.String(s.branch)
	}

	start := time.Now()
	_, _, err := s.client.Repositories.CreateFile(ctx, s.owner, s.repo, path, opts)
	s.metrics.RecordUpstreamLatency("records.create", time.Since(start))
	if err != nil {
		if githubclient.IsConflict(err) {
			return s.classifyConflict(ctx, path, err)
		}
		return fmt.Errorf("failed to create record %s: %w", path, err)
	}
	return nil
}

// classifyConflict は作成時の409/422を再取得で判定する。
// ブランチ先頭が他パスへのコミットで進んだ場合も409になるため、
// パスが実在する場合のみErrAlreadyExistsを返す。
func (s *GitHubStore) classifyConflict(ctx context.Context, path string, createErr error) error {
	_, err := s.Get(ctx, path)
	switch {
	case err == nil:
		return ErrAlreadyExists
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("failed to create record %s: %w", path, createErr)
	default:
		return fmt.Errorf("failed to create record %s: %w (recheck: %v)", path, createErr, err)
	}
}

// List はリポジトリ直下のファイルパス一覧を返す。
// Contents APIのディレクトリ一覧は1000件で打ち切られるため、Git Trees APIを使う。
func (s *GitHubStore) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ref := s.branch
	if ref == "" {
		ref = "HEAD"
	}

	start := time.Now()
	tree, _, err := s.client.Git.GetTree(ctx, s.owner, s.repo, ref, false)
	s.metrics.RecordUpstreamLatency("records.list", time.Since(start))
	if err != nil {
		// 空のリポジトリは409を返す
		if githubclient.IsNotFound(err) || githubclient.StatusCode(err) == http.StatusConflict {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	if tree.GetTruncated() {
		slog.Warn("record tree listing was truncated",
			slog.String("repo", s.owner+"/"+s.repo),
			slog.Int("entries", len(tree.Entries)),
		)
	}

	paths := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		paths = append(paths, e.GetPath())
	}
	return paths, nil
}

// compile-time interface check
var _ Store = (*GitHubStore)(nil)
