// Package recordstore はサブドメインレコードを保持する外部ストアを抽象化する。
// レコードはパスをキーとするJSONオブジェクトで、作成は存在しない場合のみ成功する。
package recordstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound は指定パスにレコードが存在しないことを表す。
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists は作成先のパスに既にレコードが存在することを表す。
	ErrAlreadyExists = errors.New("record already exists")
)

// Record はストア上の1件のレコード。
type Record struct {
	Path    string
	Content []byte
	SHA     string
}

// Store はレコードストアの操作を定義するインターフェース。
type Store interface {
	// Get は指定パスのレコードを取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, path string) (*Record, error)
	// Create は指定パスにレコードを作成する。既に存在する場合はErrAlreadyExistsを返す。
	Create(ctx context.Context, path string, content []byte, message string) error
	// List はストア直下のレコードのパス一覧を返す。
	List(ctx context.Context) ([]string, error)
}
