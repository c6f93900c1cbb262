package recordstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sublink/internal/githubclient"
)

// fakeContentsAPI はGitHub Contents APIの最小限のフェイク。
// sha無しのPUTで既存パスを指定された場合、GitHubと同様に422を返す。
type fakeContentsAPI struct {
	mu         sync.Mutex
	files      map[string][]byte
	putBodies  []map[string]any
	failStatus int
	putStatus  int // 0以外の場合、PUTは常にこのステータスを返す
	emptyRepo  bool
	treeRefs   []string
}

func newFakeContentsAPI() *fakeContentsAPI {
	return &fakeContentsAPI{files: map[string][]byte{}}
}

func (f *fakeContentsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/repos/acme/records/contents/"
	const treePrefix = "/repos/acme/records/git/trees/"
	w.Header().Set("Content-Type", "application/json")

	if f.failStatus != 0 {
		w.WriteHeader(f.failStatus)
		w.Write([]byte(`{"message":"boom"}`))
		return
	}
	if strings.HasPrefix(r.URL.Path, treePrefix) && r.Method == http.MethodGet {
		f.serveTree(w, strings.TrimPrefix(r.URL.Path, treePrefix))
		return
	}
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
		return
	}
	path := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		content, ok := f.files[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "base64",
			"name":     path,
			"path":     path,
			"sha":      "sha-" + path,
			"content":  base64.StdEncoding.EncodeToString(content),
		})
	case http.MethodPut:
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.putBodies = append(f.putBodies, body)
		if f.putStatus != 0 {
			w.WriteHeader(f.putStatus)
			w.Write([]byte(`{"message":"is at abc but expected def"}`))
			return
		}
		if _, exists := f.files[path]; exists {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"Invalid request.\n\n\"sha\" wasn't supplied."}`))
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(body["content"].(string))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.files[path] = decoded
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"content": map[string]any{"path": path, "sha": "sha-" + path},
			"commit":  map[string]any{"sha": "commit-sha"},
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// serveTree はGit Trees APIのルートツリー取得を模倣する。
func (f *fakeContentsAPI) serveTree(w http.ResponseWriter, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.treeRefs = append(f.treeRefs, ref)
	if f.emptyRepo {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"Git Repository is empty."}`))
		return
	}

	var names []string
	for name := range f.files {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := []map[string]any{{"type": "tree", "path": "docs", "mode": "040000", "sha": "sha-docs"}}
	for _, name := range names {
		entries = append(entries, map[string]any{"type": "blob", "path": name, "mode": "100644", "sha": "sha-" + name})
	}
	json.NewEncoder(w).Encode(map[string]any{
		"sha":       "tree-sha",
		"tree":      entries,
		"truncated": false,
	})
}

func newTestGitHubStore(t *testing.T, api *fakeContentsAPI, branch string) *GitHubStore {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client, err := githubclient.New("store-token", srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return NewGitHubStore(client, GitHubStoreConfig{
		Owner:   "acme",
		Repo:    "records",
		Branch:  branch,
		Timeout: 5 * time.Second,
	}, nil)
}

func TestGitHubStore_GetNotFound(t *testing.T) {
	store := newTestGitHubStore(t, newFakeContentsAPI(), "")

	_, err := store.Get(context.Background(), "demo.sublink.rest.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGitHubStore_CreateThenGet(t *testing.T) {
	api := newFakeContentsAPI()
	store := newTestGitHubStore(t, api, "main")
	ctx := context.Background()

	content := []byte(`{"subdomain":"demo"}`)
	if err := store.Create(ctx, "demo.sublink.rest.json", content, "Register subdomain demo"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec, err := store.Get(ctx, "demo.sublink.rest.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(rec.Content) != string(content) {
		t.Errorf("content = %q, want %q", rec.Content, content)
	}
	if rec.SHA == "" {
		t.Error("SHA should be populated")
	}

	if len(api.putBodies) != 1 {
		t.Fatalf("expected 1 PUT, got %d", len(api.putBodies))
	}
	if got := api.putBodies[0]["message"]; got != "Register subdomain demo" {
		t.Errorf("commit message = %v", got)
	}
	if got := api.putBodies[0]["branch"]; got != "main" {
		t.Errorf("branch = %v, want main", got)
	}
	if _, ok := api.putBodies[0]["sha"]; ok {
		t.Error("create must not send a sha")
	}
}

func TestGitHubStore_CreateExistingPathReturnsAlreadyExists(t *testing.T) {
	api := newFakeContentsAPI()
	store := newTestGitHubStore(t, api, "")
	ctx := context.Background()

	if err := store.Create(ctx, "demo.sublink.rest.json", []byte(`{}`), "first"); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	err := store.Create(ctx, "demo.sublink.rest.json", []byte(`{}`), "second")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestGitHubStore_CreateConflictOnFreePathIsWriteError(t *testing.T) {
	for _, status := range []int{http.StatusConflict, http.StatusUnprocessableEntity} {
		api := newFakeContentsAPI()
		api.putStatus = status
		store := newTestGitHubStore(t, api, "")

		err := store.Create(context.Background(), "free.sublink.rest.json", []byte(`{}`), "msg")
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if errors.Is(err, ErrAlreadyExists) {
			t.Errorf("status %d: conflict on a path that does not exist must not be ErrAlreadyExists", status)
		}
	}
}

func TestGitHubStore_CreateConflictOnExistingPathIsAlreadyExists(t *testing.T) {
	api := newFakeContentsAPI()
	api.files["taken.sublink.rest.json"] = []byte(`{}`)
	api.putStatus = http.StatusConflict
	store := newTestGitHubStore(t, api, "")

	err := store.Create(context.Background(), "taken.sublink.rest.json", []byte(`{}`), "msg")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestGitHubStore_ServerErrorIsWrapped(t *testing.T) {
	api := newFakeContentsAPI()
	api.failStatus = http.StatusInternalServerError
	store := newTestGitHubStore(t, api, "")

	_, err := store.Get(context.Background(), "demo.sublink.rest.json")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("server error must not be reported as not found")
	}

	err = store.Create(context.Background(), "demo.sublink.rest.json", []byte(`{}`), "msg")
	if err == nil || errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want generic write error", err)
	}
}

func TestGitHubStore_ListReturnsFilesOnly(t *testing.T) {
	api := newFakeContentsAPI()
	api.files["a.sublink.rest.json"] = []byte(`{}`)
	api.files["README.md"] = []byte(`# records`)
	store := newTestGitHubStore(t, api, "")

	paths, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	want := []string{"README.md", "a.sublink.rest.json"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestGitHubStore_ListUsesBranchRef(t *testing.T) {
	tests := []struct {
		name   string
		branch string
		want   string
	}{
		{"default branch", "", "HEAD"},
		{"configured branch", "main", "main"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeContentsAPI()
			store := newTestGitHubStore(t, api, tt.branch)

			if _, err := store.List(context.Background()); err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(api.treeRefs) != 1 || api.treeRefs[0] != tt.want {
				t.Errorf("tree refs = %v, want [%s]", api.treeRefs, tt.want)
			}
		})
	}
}

func TestGitHubStore_ListEmptyRepository(t *testing.T) {
	api := newFakeContentsAPI()
	api.emptyRepo = true
	store := newTestGitHubStore(t, api, "")

	paths, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if paths == nil || len(paths) != 0 {
		t.Errorf("paths = %v, want empty non-nil slice", paths)
	}
}

func TestGitHubStore_ListBeyondContentsDirectoryLimit(t *testing.T) {
	api := newFakeContentsAPI()
	for i := 0; i < 1200; i++ {
		api.files[fmt.Sprintf("d%04d.sublink.rest.json", i)] = []byte(`{}`)
	}
	store := newTestGitHubStore(t, api, "")

	paths, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(paths) != 1200 {
		t.Errorf("len(paths) = %d, want 1200", len(paths))
	}
}
