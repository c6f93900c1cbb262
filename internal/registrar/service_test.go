package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/sublink/internal/model"
	"github.com/hitoshi/sublink/internal/recordstore"
)

// --- モック定義 ---

type mockIdentityFetcher struct {
	fetchUserFn func(ctx context.Context, token string) (*model.GitHubUser, error)
	calls       atomic.Int32
}

func (m *mockIdentityFetcher) FetchUser(ctx context.Context, token string) (*model.GitHubUser, error) {
	m.calls.Add(1)
	if m.fetchUserFn != nil {
		return m.fetchUserFn(ctx, token)
	}
	return &model.GitHubUser{Login: "octocat"}, nil
}

// countingStore はList呼び出し回数を数えるレコードストア。
type countingStore struct {
	*recordstore.MemoryStore
	listCalls atomic.Int32
	listFn    func(ctx context.Context) ([]string, error)
}

func (s *countingStore) List(ctx context.Context) ([]string, error) {
	s.listCalls.Add(1)
	if s.listFn != nil {
		return s.listFn(ctx)
	}
	return s.MemoryStore.List(ctx)
}

var _ IdentityFetcher = (*mockIdentityFetcher)(nil)
var _ recordstore.Store = (*countingStore)(nil)

func authedSession() *model.Session {
	return &model.Session{
		ID:          "sess",
		AccessToken: "gho_token",
		User:        &model.GitHubUser{Login: "cached-login"},
	}
}

func newTestService(store recordstore.Store, identity IdentityFetcher, ttl time.Duration) *Service {
	svc := NewService(store, identity, Config{DomainSuffix: "sublink.rest", CacheTTL: ttl}, nil)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

// --- テスト ---

func TestRegister_Success(t *testing.T) {
	store := recordstore.NewMemoryStore()
	identity := &mockIdentityFetcher{}
	svc := newTestService(store, identity, 0)

	rec, err := svc.Register(context.Background(), authedSession(), model.RegistrationRequest{Subdomain: "demo", RepoName: "site"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if rec.GitHubRepo != "https://github.com/octocat/site" {
		t.Errorf("GitHubRepo = %q", rec.GitHubRepo)
	}

	stored, err := store.Get(context.Background(), "demo.sublink.rest.json")
	if err != nil {
		t.Fatalf("record not written: %v", err)
	}

	var got model.DomainRecord
	if err := json.Unmarshal(stored.Content, &got); err != nil {
		t.Fatalf("stored record is not JSON: %v", err)
	}
	if got.Status != model.DomainStatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if !strings.HasSuffix(got.GitHubRepo, "/site") {
		t.Errorf("github_repo = %q, want suffix /site", got.GitHubRepo)
	}
	if got.Subdomain != "demo" {
		t.Errorf("subdomain = %q", got.Subdomain)
	}
	if !got.CreatedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}
}

// TestRegister_UsesFreshIdentity はセッションにキャッシュされたログイン名ではなく再取得した値を使うことを検証する。
func TestRegister_UsesFreshIdentity(t *testing.T) {
	identity := &mockIdentityFetcher{}
	svc := newTestService(recordstore.NewMemoryStore(), identity, 0)

	rec, err := svc.Register(context.Background(), authedSession(), model.RegistrationRequest{Subdomain: "demo", RepoName: "site"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if identity.calls.Load() != 1 {
		t.Errorf("FetchUser calls = %d, want 1", identity.calls.Load())
	}
	if strings.Contains(rec.GitHubRepo, "cached-login") {
		t.Error("cached session login must not be used for the repository URL")
	}
}

func TestRegister_Unauthenticated(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store, &mockIdentityFetcher{}, 0)

	for _, session := range []*model.Session{nil, {ID: "anon"}} {
		_, err := svc.Register(context.Background(), session, model.RegistrationRequest{Subdomain: "demo", RepoName: "site"})
		if !model.IsCode(err, model.ErrCodeUnauthenticated) {
			t.Errorf("err = %v, want UNAUTHENTICATED", err)
		}
	}
	if store.Len() != 0 {
		t.Error("nothing should be written")
	}
}

func TestRegister_InvalidInputMakesNoExternalCalls(t *testing.T) {
	store := recordstore.NewMemoryStore()
	store.GetErr = errors.New("store must not be called")
	identity := &mockIdentityFetcher{}
	svc := newTestService(store, identity, 0)

	_, err := svc.Register(context.Background(), authedSession(), model.RegistrationRequest{Subdomain: "My_Repo", RepoName: "site"})
	if !model.IsCode(err, model.ErrCodeInvalidInput) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	if identity.calls.Load() != 0 {
		t.Error("identity must not be fetched for invalid input")
	}
}

func TestRegister_TwiceReturnsTaken(t *testing.T) {
	svc := newTestService(recordstore.NewMemoryStore(), &mockIdentityFetcher{}, 0)
	req := model.RegistrationRequest{Subdomain: "demo", RepoName: "site"}

	if _, err := svc.Register(context.Background(), authedSession(), req); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	_, err := svc.Register(context.Background(), authedSession(), req)
	if !model.IsCode(err, model.ErrCodeSubdomainTaken) {
		t.Fatalf("err = %v, want SUBDOMAIN_TAKEN", err)
	}
	if got := model.AsAPIError(err).Message; got != "Subdomain already taken" {
		t.Errorf("message = %q", got)
	}
}

// TestRegister_LookupFailureFallsBackToAtomicCreate は空き確認の失敗時も作成時の衝突で重複を防ぐことを検証する。
func TestRegister_LookupFailureFallsBackToAtomicCreate(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store, &mockIdentityFetcher{}, 0)
	req := model.RegistrationRequest{Subdomain: "demo", RepoName: "site"}

	store.GetErr = errors.New("lookup timeout")
	if _, err := svc.Register(context.Background(), authedSession(), req); err != nil {
		t.Fatalf("Register with failing lookup should proceed, got %v", err)
	}

	_, err := svc.Register(context.Background(), authedSession(), req)
	if !model.IsCode(err, model.ErrCodeSubdomainTaken) {
		t.Fatalf("err = %v, want SUBDOMAIN_TAKEN from create conflict", err)
	}
}

func TestRegister_WriteError(t *testing.T) {
	store := recordstore.NewMemoryStore()
	store.CreateErr = errors.New("github 500")
	svc := newTestService(store, &mockIdentityFetcher{}, 0)

	_, err := svc.Register(context.Background(), authedSession(), model.RegistrationRequest{Subdomain: "demo", RepoName: "site"})
	if !model.IsCode(err, model.ErrCodeRegistrationWriteError) {
		t.Fatalf("err = %v, want REGISTRATION_WRITE_ERROR", err)
	}
}

func TestRegister_IdentityError(t *testing.T) {
	store := recordstore.NewMemoryStore()
	identity := &mockIdentityFetcher{fetchUserFn: func(context.Context, string) (*model.GitHubUser, error) {
		return nil, errors.New("token revoked")
	}}
	svc := newTestService(store, identity, 0)

	_, err := svc.Register(context.Background(), authedSession(), model.RegistrationRequest{Subdomain: "demo", RepoName: "site"})
	if !model.IsCode(err, model.ErrCodeRegistrationWriteError) {
		t.Fatalf("err = %v, want REGISTRATION_WRITE_ERROR", err)
	}
	if store.Len() != 0 {
		t.Error("nothing should be written when identity cannot be resolved")
	}
}

// TestRegister_ConcurrentSameSubdomain は同一サブドメインの同時登録が1件だけ成功することを検証する。
func TestRegister_ConcurrentSameSubdomain(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store, &mockIdentityFetcher{}, 0)
	req := model.RegistrationRequest{Subdomain: "race", RepoName: "site"}

	const n = 16
	var succeeded, taken atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(context.Background(), authedSession(), req)
			switch {
			case err == nil:
				succeeded.Add(1)
			case model.IsCode(err, model.ErrCodeSubdomainTaken):
				taken.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Errorf("successes = %d, want 1", succeeded.Load())
	}
	if taken.Load() != n-1 {
		t.Errorf("taken = %d, want %d", taken.Load(), n-1)
	}
}

func seedRecord(t *testing.T, store *recordstore.MemoryStore, path string, rec any) {
	t.Helper()
	content, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.Create(context.Background(), path, content, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestListRegisteredDomains_FiltersSortsAndSanitizes(t *testing.T) {
	mem := recordstore.NewMemoryStore()
	seedRecord(t, mem, "zeta.sublink.rest.json", model.DomainRecord{Subdomain: "zeta", GitHubRepo: "https://github.com/a/z", Status: "active"})
	seedRecord(t, mem, "alpha.sublink.rest.json", model.DomainRecord{Subdomain: "alpha<script>x</script>", GitHubRepo: "javascript:alert(1)", Status: "active"})
	seedRecord(t, mem, "README.md", map[string]string{"x": "y"})
	if err := mem.Create(context.Background(), "broken.sublink.rest.json", []byte("{not json"), "seed"); err != nil {
		t.Fatal(err)
	}

	svc := newTestService(&countingStore{MemoryStore: mem}, &mockIdentityFetcher{}, 0)

	domains, err := svc.ListRegisteredDomains(context.Background())
	if err != nil {
		t.Fatalf("ListRegisteredDomains failed: %v", err)
	}

	if len(domains) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(domains), domains)
	}
	if domains[0].Subdomain != "alpha" || domains[1].Subdomain != "zeta" {
		t.Errorf("order = %q, %q", domains[0].Subdomain, domains[1].Subdomain)
	}
	if domains[0].GitHubRepo != "" {
		t.Errorf("unsafe URL should be dropped, got %q", domains[0].GitHubRepo)
	}
}

func TestListRegisteredDomains_Empty(t *testing.T) {
	svc := newTestService(recordstore.NewMemoryStore(), &mockIdentityFetcher{}, 0)

	domains, err := svc.ListRegisteredDomains(context.Background())
	if err != nil {
		t.Fatalf("ListRegisteredDomains failed: %v", err)
	}
	if domains == nil || len(domains) != 0 {
		t.Errorf("domains = %v, want empty non-nil slice", domains)
	}
}

func TestListRegisteredDomains_CachesAndInvalidatesOnRegister(t *testing.T) {
	store := &countingStore{MemoryStore: recordstore.NewMemoryStore()}
	svc := newTestService(store, &mockIdentityFetcher{}, time.Minute)
	ctx := context.Background()

	if _, err := svc.ListRegisteredDomains(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ListRegisteredDomains(ctx); err != nil {
		t.Fatal(err)
	}
	if store.listCalls.Load() != 1 {
		t.Errorf("List calls = %d, want 1 (cached)", store.listCalls.Load())
	}

	if _, err := svc.Register(ctx, authedSession(), model.RegistrationRequest{Subdomain: "demo", RepoName: "site"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	domains, err := svc.ListRegisteredDomains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if store.listCalls.Load() != 2 {
		t.Errorf("List calls = %d, want 2 after invalidation", store.listCalls.Load())
	}
	if len(domains) != 1 || domains[0].Subdomain != "demo" {
		t.Errorf("domains = %+v, want [demo]", domains)
	}
}

func TestListRegisteredDomains_ExpiredCacheRefetches(t *testing.T) {
	store := &countingStore{MemoryStore: recordstore.NewMemoryStore()}
	svc := newTestService(store, &mockIdentityFetcher{}, time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	svc.ListRegisteredDomains(context.Background())
	now = now.Add(2 * time.Minute)
	svc.ListRegisteredDomains(context.Background())

	if store.listCalls.Load() != 2 {
		t.Errorf("List calls = %d, want 2", store.listCalls.Load())
	}
}

// TestListRegisteredDomains_CoalescesConcurrentCalls は同時の一覧取得が1回のListにまとめられることを検証する。
func TestListRegisteredDomains_CoalescesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	store := &countingStore{MemoryStore: recordstore.NewMemoryStore()}
	store.listFn = func(ctx context.Context) ([]string, error) {
		<-release
		return store.MemoryStore.List(ctx)
	}
	svc := newTestService(store, &mockIdentityFetcher{}, time.Minute)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ListRegisteredDomains(context.Background()); err != nil {
				t.Errorf("ListRegisteredDomains failed: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := store.listCalls.Load(); got != 1 {
		t.Errorf("List calls = %d, want 1", got)
	}
}

// TestListRegisteredDomains_CanceledLeaderDoesNotFailFollowers は先に取得を始めた呼び出し元が
// 切断しても、合流した他の呼び出し元は結果を受け取れることを検証する。
func TestListRegisteredDomains_CanceledLeaderDoesNotFailFollowers(t *testing.T) {
	release := make(chan struct{})
	store := &countingStore{MemoryStore: recordstore.NewMemoryStore()}
	store.MemoryStore.Create(context.Background(), "demo.sublink.rest.json", []byte(`{"subdomain":"demo"}`), "seed")
	store.listFn = func(ctx context.Context) ([]string, error) {
		select {
		case <-release:
			return store.MemoryStore.List(ctx)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	svc := newTestService(store, &mockIdentityFetcher{}, time.Minute)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		svc.ListRegisteredDomains(leaderCtx)
	}()

	deadline := time.Now().Add(time.Second)
	for store.listCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	type result struct {
		domains []model.DomainRecord
		err     error
	}
	follower := make(chan result, 1)
	go func() {
		domains, err := svc.ListRegisteredDomains(context.Background())
		follower <- result{domains, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	got := <-follower
	<-leaderDone
	if got.err != nil {
		t.Fatalf("follower failed: %v", got.err)
	}
	if len(got.domains) != 1 || got.domains[0].Subdomain != "demo" {
		t.Errorf("domains = %+v, want [demo]", got.domains)
	}
	if calls := store.listCalls.Load(); calls != 1 {
		t.Errorf("List calls = %d, want 1", calls)
	}
}

// TestListRegisteredDomains_EmptyCachedResultIsNonNil はキャッシュ経由でも空のスライスを返すことを検証する。
func TestListRegisteredDomains_EmptyCachedResultIsNonNil(t *testing.T) {
	svc := newTestService(recordstore.NewMemoryStore(), &mockIdentityFetcher{}, time.Minute)

	for i := 0; i < 2; i++ {
		domains, err := svc.ListRegisteredDomains(context.Background())
		if err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
		if domains == nil {
			t.Errorf("call %d returned nil, want empty non-nil slice", i+1)
		}
	}
}

func TestListRegisteredDomains_ListError(t *testing.T) {
	store := &countingStore{MemoryStore: recordstore.NewMemoryStore()}
	store.listFn = func(context.Context) ([]string, error) { return nil, errors.New("github down") }
	svc := newTestService(store, &mockIdentityFetcher{}, time.Minute)

	if _, err := svc.ListRegisteredDomains(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecordPath(t *testing.T) {
	svc := newTestService(recordstore.NewMemoryStore(), &mockIdentityFetcher{}, 0)
	if got := svc.RecordPath("demo"); got != "demo.sublink.rest.json" {
		t.Errorf("RecordPath = %q", got)
	}
}
