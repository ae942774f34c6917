package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const defaultRetryDelay = 100 * time.Millisecond

// File is a cross-process advisory lock backed by flock(2) on Path.
type File struct {
	Path       string
	RetryDelay time.Duration
}

func New(path string) *File {
	return &File{Path: path, RetryDelay: defaultRetryDelay}
}

// With runs fn while holding the lock exclusively. It waits for other holders instead of
// skipping, gives up only when ctx ends, and releases the lock on every return path.
func (l *File) With(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	delay := l.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	fl := flock.New(l.Path)
	locked, err := fl.TryLockContext(ctx, delay)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.Path, err)
	}
	if !locked {
		return fmt.Errorf("acquire lock %s: not acquired", l.Path)
	}
	defer func() {
		if uerr := fl.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("release lock %s: %w", l.Path, uerr)
		}
	}()
	return fn(ctx)
}
