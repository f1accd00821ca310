package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Locker shared by every process pointed at the same server.
// Leases are refreshed in the background until released, so a crashed
// holder frees the key once its TTL runs out.
type Redis struct {
	rdb    *goredis.Client
	prefix string
	log    *slog.Logger
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedis(rdb *goredis.Client, prefix string, log *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "upkeep:lock:"
	}
	return &Redis{rdb: rdb, prefix: prefix, log: log}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := newToken()
	full := r.prefix + key

	ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	l := &redisLease{r: r, key: full, token: token, cancel: cancel, done: make(chan struct{})}
	go l.refresh(refreshCtx, ttl)
	return l, nil
}

type redisLease struct {
	r      *Redis
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *redisLease) refresh(ctx context.Context, ttl time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.r.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() == nil && l.r.log != nil {
					l.r.log.Warn("lease refresh failed", "key", l.key, "error", err)
				}
				continue
			}
			if n == 0 {
				if l.r.log != nil {
					l.r.log.Error("lease lost", "key", l.key)
				}
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		err = releaseScript.Run(ctx, l.r.rdb, []string{l.key}, l.token).Err()
		if err != nil {
			err = fmt.Errorf("release %s: %w", l.key, err)
		}
	})
	return err
}
