/*
lock.go - Per-student mutual exclusion

PURPOSE:
  Runs every lifecycle event for a given student one at a time. The ledger
  read-modify-write and the resync that follows must not interleave with
  another event for the same student.

DEADLOCK AVOIDANCE:
  An event touching several students (group lesson, payment moved between
  students) acquires their locks in sorted key order. Two events can
  therefore never wait on each other.

IMPLEMENTATIONS:
  - LocalLocker: In-process keyed mutexes (single server)
  - lock/redislock: Redis SET NX, shared by several servers
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned release func must
// be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// StudentLockKey is the lock key for one student.
func StudentLockKey(id StudentID) string {
	return "student:" + string(id)
}

// LockStudents locks every distinct student in sorted order. On failure the
// locks already held are released before returning.
func LockStudents(ctx context.Context, locker Locker, ids []StudentID) (func(), error) {
	keys := make([]string, 0, len(ids))
	seen := make(map[StudentID]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, StudentLockKey(id))
	}
	sort.Strings(keys)

	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, key := range keys {
		release, err := locker.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("LockStudents %s: %w", key, err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// =============================================================================
// LOCAL LOCKER
// =============================================================================

type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()
			l.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}, nil
}
