// Package lock keeps a single engine instance trading one account.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when another process already holds the lock.
var ErrLockHeld = errors.New("lock is held by another instance")

// unlockLua deletes the key only while it still carries our token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the TTL only while the key still carries our token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// NewClient connects to redis and pings it.
func NewClient(ctx context.Context, cfg models.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// Manager hands out redis locks (SETNX with a TTL, Lua conditional unlock).
type Manager struct {
	rdb       *redis.Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
	logger    *zap.Logger
}

func NewManager(rdb *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		rdb:       rdb,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
		logger:    logger,
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock and keeps extending it every ttl/3 until unlock is called.
// The returned unlock is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := m.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.refresh(refreshCtx, lk, token, ttl)
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			stop()
			wg.Wait()
			// 调用方的 ctx 可能已取消，解锁使用独立的超时
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.unlockSc.Run(unlockCtx, m.rdb, []string{lk}, token).Err(); err != nil {
				m.logger.Warn("释放实例锁失败", zap.String("key", lk), zap.Error(err))
			}
		})
	}
	return unlock, nil
}

func (m *Manager) refresh(ctx context.Context, lk, token string, ttl time.Duration) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.refreshSc.Run(ctx, m.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("续期实例锁失败", zap.String("key", lk), zap.Error(err))
				}
				continue
			}
			if res == 0 {
				m.logger.Error("实例锁已丢失", zap.String("key", lk))
				return
			}
		}
	}
}
