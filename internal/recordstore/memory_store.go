package recordstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"sync"
)

// MemoryStore はプロセス内メモリ上のレコードストア。
// Createは存在確認と書き込みを同一ロック内で行うため、同一パスへの作成は1回だけ成功する。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record

	// GetErr が設定されている場合、Getは常にこのエラーを返す。
	GetErr error
	// CreateErr が設定されている場合、Createは常にこのエラーを返す。
	CreateErr error
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, path string) (*Record, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Content = append([]byte(nil), rec.Content...)
	return &rec, nil
}

func (s *MemoryStore) Create(_ context.Context, path string, content []byte, _ string) error {
	if s.CreateErr != nil {
		return s.CreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[path]; ok {
		return ErrAlreadyExists
	}
	sum := sha1.Sum(content)
	s.records[path] = Record{
		Path:    path,
		Content: append([]byte(nil), content...),
		SHA:     hex.EncodeToString(sum[:]),
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.records))
	for p := range s.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Len は保持しているレコード数を返す。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
