package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSerializesHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checker.lock")
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := &File{Path: path, RetryDelay: 5 * time.Millisecond}
			err := l.With(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestWithReleasesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checker.lock")
	boom := errors.New("boom")
	err := New(path).With(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	other := flock.New(path)
	ok, err := other.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Unlock())
}

func TestWithReleasesOnPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checker.lock")
	func() {
		defer func() { _ = recover() }()
		_ = New(path).With(context.Background(), func(context.Context) error { panic("boom") })
	}()
	other := flock.New(path)
	ok, err := other.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Unlock())
}

func TestWithWaitsUntilContextEnds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checker.lock")
	holder := flock.New(path)
	ok, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	called := false
	err = (&File{Path: path, RetryDelay: 5 * time.Millisecond}).With(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}
