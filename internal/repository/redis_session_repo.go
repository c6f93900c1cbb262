package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/sublink/internal/model"
)

const redisSessionKeyPrefix = "sublink:session:"

// takeOAuthStateScript はセッションJSONからoauth_stateを取り出して削除する。TTLは維持する。
var takeOAuthStateScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return ""
end
local data = cjson.decode(raw)
local state = data["oauth_state"]
if type(state) ~= "string" or state == "" then
	return ""
end
data["oauth_state"] = nil
redis.call("SET", KEYS[1], cjson.encode(data), "KEEPTTL")
return state
`)

// ConnectRedis はURL（redis://）またはhost:port形式の指定からRedisクライアントを生成する。
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// セッションの有効期限はキーのTTLとして表現する。
type RedisSessionRepo struct {
	client redis.Cmdable
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
func NewRedisSessionRepo(client redis.Cmdable) *RedisSessionRepo {
	return &RedisSessionRepo{client: client}
}

func redisSessionKey(id string) string {
	return redisSessionKeyPrefix + id
}

// Save はセッションを保存する。有効期限を過ぎたセッションは保存せずに削除する。
func (r *RedisSessionRepo) Save(ctx context.Context, session *model.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return r.DeleteByID(ctx, session.ID)
	}

	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, redisSessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。キーが存在しない場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	raw, err := r.client.Get(ctx, redisSessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return decodeSession(id, raw)
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisSessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// TakeOAuthState はstateを取り出して破棄する。Luaスクリプトで原子的に実行する。
func (r *RedisSessionRepo) TakeOAuthState(ctx context.Context, id string) (string, error) {
	state, err := takeOAuthStateScript.Run(ctx, r.client, []string{redisSessionKey(id)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to take oauth state: %w", err)
	}
	return state, nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
