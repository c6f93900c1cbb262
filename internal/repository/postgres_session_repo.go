package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/sublink/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// 認証情報はdataカラムにJSONとして保持する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Save はセッションを作成または上書きする。
func (r *PostgresSessionRepo) Save(ctx context.Context, session *model.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, data, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`,
		session.ID, data, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&raw)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return decodeSession(id, raw)
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// TakeOAuthState はstateを取り出して破棄する。
// 行ロックにより、同じセッションへの同時呼び出しのうちstateを得るのは1つだけになる。
func (r *PostgresSessionRepo) TakeOAuthState(ctx context.Context, id string) (string, error) {
	var state sql.NullString
	err := r.db.QueryRowContext(ctx,
		`WITH old AS (
		     SELECT id, data->>'oauth_state' AS state
		     FROM sessions
		     WHERE id = $1 AND expires_at > now()
		     FOR UPDATE
		 )
		 UPDATE sessions s
		 SET data = s.data - 'oauth_state'
		 FROM old
		 WHERE s.id = old.id
		 RETURNING old.state`,
		id,
	).Scan(&state)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to take oauth state: %w", err)
	}
	return state.String, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
