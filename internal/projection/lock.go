package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker guards a workspace against concurrent replays. TryLock never waits:
// a held lock yields ErrReplayConflict.
type Locker interface {
	TryLock(ctx context.Context, workspaceID string) (release func(), err error)
}

// LocalLocker serialises replays inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) TryLock(_ context.Context, workspaceID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[workspaceID]; ok {
		return nil, ErrReplayConflict
	}
	l.held[workspaceID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, workspaceID)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// extendScript pushes the expiry forward only while the lock carries our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker coordinates replays across processes with SET NX PX. A held lock
// is renewed every ttl/3 until released, so ttl only bounds how long a crashed
// holder blocks other replays.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{rdb: rdb, prefix: "satlog:replay:", ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, workspaceID string) (func(), error) {
	key := l.prefix + workspaceID
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("replay lock %s: %w", workspaceID, err)
	}
	if !ok {
		return nil, ErrReplayConflict
	}
	stop := keepAlive(l.ttl/3, func(ctx context.Context) (bool, error) {
		n, err := extendScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int64()
		return n == 1, err
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}

// keepAlive calls extend every interval until stop is called or extend reports
// the lease lost. Transient errors are retried on the next tick.
func keepAlive(interval time.Duration, extend func(context.Context) (bool, error)) (stop func()) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tctx, tcancel := context.WithTimeout(ctx, interval)
				held, err := extend(tctx)
				tcancel()
				if err == nil && !held {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
