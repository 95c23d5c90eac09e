package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	rediskey "wms_resolver/pkg/redis"

	"github.com/bsm/redislock"
	rd "github.com/redis/go-redis/v9"
)

// ErrLeaseHeld 工单租约被其他 worker 持有。
var ErrLeaseHeld = errors.New("ticket lease is held by another worker")

// Lease 已获取的租约。
type Lease interface {
	Release(ctx context.Context) error
}

// Leaser 为单个工单提供排他租约，一次迁移批次内只有一个持有者。
type Leaser interface {
	Acquire(ctx context.Context, ticketID string, ttl time.Duration) (Lease, error)
}

// LocalLeaser 进程内租约，单实例与测试使用。过期时间不生效，持有者释放即可。
type LocalLeaser struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{held: map[string]struct{}{}}
}

func (l *LocalLeaser) Acquire(_ context.Context, ticketID string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[ticketID]; ok {
		return nil, ErrLeaseHeld
	}
	l.held[ticketID] = struct{}{}
	return &localLease{l: l, ticketID: ticketID}, nil
}

type localLease struct {
	l        *LocalLeaser
	ticketID string
	once     sync.Once
}

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		ll.l.mu.Lock()
		delete(ll.l.held, ll.ticketID)
		ll.l.mu.Unlock()
	})
	return nil
}

// RedisLeaser 基于 redislock 的分布式租约，多实例部署使用。
type RedisLeaser struct {
	locker *redislock.Client
}

func NewRedisLeaser(rdb *rd.Client) *RedisLeaser {
	return &RedisLeaser{locker: redislock.New(rdb)}
}

func (l *RedisLeaser) Acquire(ctx context.Context, ticketID string, ttl time.Duration) (Lease, error) {
	lock, err := l.locker.Obtain(ctx, rediskey.TicketLeaseKey(ticketID), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, err
	}
	return redisLease{lock: lock}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (r redisLease) Release(ctx context.Context) error {
	err := r.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// 已过期，视为释放成功
		return nil
	}
	return err
}
