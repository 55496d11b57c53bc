package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UnreadCache は閲覧者ごとの未読件数をキャッシュする。
// 通知の作成・既読化・削除のたびにInvalidateで全件を無効化する。
type UnreadCache interface {
	// Get はキャッシュ済みの件数と、参照した世代を返す。キャッシュが無い場合はfalseを返す。
	Get(ctx context.Context, viewer Identity) (count int64, gen int64, ok bool, err error)
	// Set はGetが返した世代に件数を保存する。その後に無効化されていれば誰にも読まれない。
	Set(ctx context.Context, viewer Identity, gen int64, count int64) error
	Invalidate(ctx context.Context) error
}

// nopCache は何もキャッシュしないUnreadCache。
type nopCache struct{}

func (nopCache) Get(context.Context, Identity) (int64, int64, bool, error) { return 0, 0, false, nil }
func (nopCache) Set(context.Context, Identity, int64, int64) error         { return nil }
func (nopCache) Invalidate(context.Context) error                          { return nil }

const (
	// unreadGenerationKey は世代番号のキー。無効化のたびに加算する。
	unreadGenerationKey = "notification:unread:generation"
	unreadKeyPrefix     = "notification:unread"
)

// RedisUnreadCache はRedisを使うUnreadCache。
// キーに世代番号を含めるため、無効化は世代番号の加算1回で済み、古いキーはTTLで消える。
type RedisUnreadCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ UnreadCache = (*RedisUnreadCache)(nil)

// NewRedisUnreadCache は新しいRedisUnreadCacheを生成する。ttlが0以下の場合は5分とする。
func NewRedisUnreadCache(client redis.Cmdable, ttl time.Duration) *RedisUnreadCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisUnreadCache{client: client, ttl: ttl}
}

func (c *RedisUnreadCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, unreadGenerationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("世代番号の取得に失敗: %w", err)
	}
	return gen, nil
}

func unreadKey(gen int64, viewer Identity) string {
	return fmt.Sprintf("%s:%d:%s:%s", unreadKeyPrefix, gen, viewer.Role, viewer.ID)
}

// Get は現在の世代でキャッシュ済みの未読件数を返す。
func (c *RedisUnreadCache) Get(ctx context.Context, viewer Identity) (int64, int64, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	n, err := c.client.Get(ctx, unreadKey(gen, viewer)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, gen, false, nil
	}
	if err != nil {
		return 0, gen, false, fmt.Errorf("未読件数キャッシュの取得に失敗: %w", err)
	}
	return n, gen, true, nil
}

// Set は指定した世代の未読件数を保存する。
func (c *RedisUnreadCache) Set(ctx context.Context, viewer Identity, gen int64, count int64) error {
	if err := c.client.Set(ctx, unreadKey(gen, viewer), count, c.ttl).Err(); err != nil {
		return fmt.Errorf("未読件数キャッシュの保存に失敗: %w", err)
	}
	return nil
}

// Invalidate は世代番号を進めて全閲覧者のキャッシュを無効化する。
func (c *RedisUnreadCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, unreadGenerationKey).Err(); err != nil {
		return fmt.Errorf("未読件数キャッシュの無効化に失敗: %w", err)
	}
	return nil
}
