package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const lockPollInterval = 100 * time.Millisecond

// dirLock implements an advisory reader/writer lock over a directory using
// lock files, so cooperating processes on the same filesystem serialize
// writes while reads proceed concurrently.
type dirLock struct {
	dir     string
	timeout time.Duration
}

func newDirLock(dir string, timeout time.Duration) *dirLock {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &dirLock{dir: dir, timeout: timeout}
}

func (l *dirLock) writePath() string { return filepath.Join(l.dir, "write.lock") }

// Exclusive acquires the writer lock: claim write.lock, then wait for active
// readers to drain. The returned func releases the lock.
func (l *dirLock) Exclusive(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(l.timeout)
	for {
		f, err := os.OpenFile(l.writePath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire write lock: %w", err)
		}
		if err := l.wait(ctx, deadline); err != nil {
			return nil, err
		}
	}
	// Writer claimed; drain readers.
	for {
		readers, err := l.readerCount()
		if err != nil {
			os.Remove(l.writePath())
			return nil, err
		}
		if readers == 0 {
			return func() { os.Remove(l.writePath()) }, nil
		}
		if err := l.wait(ctx, deadline); err != nil {
			os.Remove(l.writePath())
			return nil, err
		}
	}
}

// Shared acquires a reader lock: wait until no writer holds the lock, then
// register a reader file. A writer that claims write.lock concurrently wins;
// the reader backs off and retries.
func (l *dirLock) Shared(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(l.timeout)
	readerPath := filepath.Join(l.dir, "read-"+uuid.NewString()+".lock")
	for {
		if _, err := os.Stat(l.writePath()); err == nil {
			if err := l.wait(ctx, deadline); err != nil {
				return nil, err
			}
			continue
		}
		f, err := os.OpenFile(readerPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("acquire read lock: %w", err)
		}
		f.Close()
		// Re-check: a writer may have claimed between the stat and our create.
		if _, err := os.Stat(l.writePath()); err == nil {
			os.Remove(readerPath)
			if err := l.wait(ctx, deadline); err != nil {
				return nil, err
			}
			continue
		}
		return func() { os.Remove(readerPath) }, nil
	}
}

func (l *dirLock) readerCount() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "read-") && strings.HasSuffix(e.Name(), ".lock") {
			n++
		}
	}
	return n, nil
}

func (l *dirLock) wait(ctx context.Context, deadline time.Time) error {
	if time.Now().After(deadline) {
		return ErrLockTimeout
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(lockPollInterval):
		return nil
	}
}
