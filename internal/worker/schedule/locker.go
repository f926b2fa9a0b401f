package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker は複数プロセス間でジョブの実行権を1つに絞るためのロック。
type Locker interface {
	// Acquire は key のロック取得を試みる。他のプロセスが保持中なら false を返す。
	// ロックは ttl 経過で自動的に解放される。
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// LocalLocker は常にロックを取得できるLocker。単一プロセス構成で使う。
type LocalLocker struct{}

// Acquire は常に true を返す。
func (LocalLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

// RedisLocker は SET NX PX によるLocker実装。
type RedisLocker struct {
	client redis.UniversalClient
	owner  string
}

// NewRedisLocker はRedisLockerを生成する。owner はロック値として保存されるプロセス識別子。
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, owner: uuid.NewString()}
}

// Acquire は key が未設定の場合だけ ttl 付きで設定する。
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

var (
	_ Locker = LocalLocker{}
	_ Locker = (*RedisLocker)(nil)
)
