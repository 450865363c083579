package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
	failOn   string
}

func (r *recordingLocker) Lock(_ context.Context, key string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == r.failOn {
		return nil, errors.New("unavailable")
	}
	r.acquired = append(r.acquired, key)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.released = append(r.released, key)
	}, nil
}

// held reports how many keys currently have holders or waiters.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func TestLockStudents_SortedAndDeduplicated(t *testing.T) {
	rec := &recordingLocker{}

	release, err := LockStudents(context.Background(), rec, []StudentID{"stu-b", "stu-a", "stu-b", ""})
	require.NoError(t, err)
	release()

	assert.Equal(t, []string{"student:stu-a", "student:stu-b"}, rec.acquired)
	assert.Equal(t, []string{"student:stu-b", "student:stu-a"}, rec.released)
}

func TestLockStudents_FailureReleasesHeldLocks(t *testing.T) {
	rec := &recordingLocker{failOn: "student:stu-b"}

	_, err := LockStudents(context.Background(), rec, []StudentID{"stu-a", "stu-b"})

	require.Error(t, err)
	assert.Equal(t, []string{"student:stu-a"}, rec.released)
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Lock(ctx, "student:stu-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locker.held(), "idle keys are dropped")
}

func TestLocalLocker_ReleaseIsIdempotent(t *testing.T) {
	locker := NewLocalLocker()

	release, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	again, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestLocalLocker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocalLocker().Lock(ctx, "k")

	assert.ErrorIs(t, err, context.Canceled)
}
