/*
Package redislock implements billing.Locker on Redis.

PURPOSE:
  Serializes lifecycle events for one student across several server
  instances that share a database.

PROTOCOL:
  acquire:  SET <prefix><key> <token> NX PX <ttl>
            retried every RetryInterval until ctx is done
  refresh:  Lua script, PEXPIRE <ttl> only if the key still holds our token,
            every RefreshInterval (ttl/3 by default) while the lock is held
  release:  Lua script, deletes the key only if it still holds our token

LEASE:
  The TTL bounds how long a crashed holder blocks the student. A live
  holder keeps extending it, so a unit of work may outlast the TTL. If a
  refresh finds the key gone or taken (Redis restart, a pause longer than
  the TTL) exclusion is already lost: the holder logs an error and stops
  refreshing, the unit of work itself is not interrupted.
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/warp/tutor-ledger/billing"
	"github.com/warp/tutor-ledger/logging"
)

const (
	DefaultPrefix        = "tutor-ledger:lock:"
	DefaultRetryInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only when the caller still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// refreshScript extends the key only when the caller still owns it.
const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

var ErrNotAcquired = errors.New("lock not acquired")

type Locker struct {
	client        redis.Cmdable
	ttl           time.Duration
	prefix        string
	retryInterval time.Duration
	refresh       time.Duration
	newToken      func() string
}

var _ billing.Locker = (*Locker)(nil)

type Option func(*Locker)

func WithPrefix(p string) Option {
	return func(l *Locker) { l.prefix = p }
}

func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) { l.retryInterval = d }
}

// WithRefreshInterval sets how often a held lock is extended. Zero or
// negative disables refreshing.
func WithRefreshInterval(d time.Duration) Option {
	return func(l *Locker) { l.refresh = d }
}

func withTokenSource(fn func() string) Option {
	return func(l *Locker) { l.newToken = fn }
}

func New(client redis.Cmdable, ttl time.Duration, opts ...Option) *Locker {
	l := &Locker{
		client:        client,
		ttl:           ttl,
		prefix:        DefaultPrefix,
		retryInterval: DefaultRetryInterval,
		refresh:       ttl / 3,
		newToken:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock blocks until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := l.newToken()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redislock: acquire %s: %w", key, err)
		}
		if ok {
			return l.releaser(ctx, redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redislock: acquire %s: %w: %w", key, ErrNotAcquired, ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *Locker) releaser(ctx context.Context, redisKey, token string) func() {
	log := logging.FromContext(ctx)

	stop := make(chan struct{})
	done := make(chan struct{})
	if l.refresh > 0 {
		go l.keepAlive(ctx, redisKey, token, stop, done)
	} else {
		close(done)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// The request context may already be cancelled, release regardless.
			n, err := l.client.Eval(context.Background(), releaseScript, []string{redisKey}, token).Int64()
			if err != nil {
				log.Error("redis lock release failed", "key", redisKey, "error", err)
				return
			}
			if n == 0 {
				log.Warn("redis lock expired before release", "key", redisKey)
			}
		})
	}
}

// keepAlive extends the lease until stop is closed or the lease is lost.
func (l *Locker) keepAlive(ctx context.Context, redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := logging.FromContext(ctx)

	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		held, err := l.extend(redisKey, token)
		if err != nil {
			log.Error("redis lock refresh failed", "key", redisKey, "error", err)
			continue
		}
		if !held {
			log.Error("redis lock lost while held", "key", redisKey, "ttl", l.ttl)
			return
		}
	}
}

// extend resets the TTL of redisKey if token still owns it.
func (l *Locker) extend(redisKey, token string) (bool, error) {
	n, err := l.client.Eval(context.Background(), refreshScript, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
