package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	DefaultLockTimeout = 10 * time.Second
	lockRetryDelay     = 25 * time.Millisecond
)

var ErrLockTimeout = errors.New("timed out waiting for the history lock")

// HistoryLock serializes history writes between dockopt processes sharing
// one database. The lock file is a hidden sibling of the database.
type HistoryLock struct {
	file    *flock.Flock
	Timeout time.Duration
}

func NewHistoryLock(dbPath string) (*HistoryLock, error) {
	abs, err := ResolveHistoryPath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("could not resolve history path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("could not create history directory: %w", err)
	}
	return &HistoryLock{file: flock.New(LockPath(abs)), Timeout: DefaultLockTimeout}, nil
}

// LockPath returns <dir>/.<name>.lock for a database at <dir>/<name>.
func LockPath(dbPath string) string {
	dir, name := filepath.Split(dbPath)
	return filepath.Join(dir, "."+name+".lock")
}

// Acquire takes the lock, giving up after Timeout or when ctx ends. The
// returned func releases it and is safe to call more than once.
func (l *HistoryLock) Acquire(ctx context.Context) (func(), error) {
	ok, err := l.file.TryLock()
	if err != nil {
		return nil, fmt.Errorf("could not lock %s: %w", l.file.Path(), err)
	}
	if !ok {
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
	}
	return l.release, nil
}

func (l *HistoryLock) wait(ctx context.Context) error {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	Log.Infof("History is being written by another dockopt process, waiting up to %s", timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	ok, err := l.file.TryLockContext(ctx, lockRetryDelay)
	switch {
	case errors.Is(err, context.DeadlineExceeded), err == nil && !ok:
		return fmt.Errorf("%w after %s (%s)", ErrLockTimeout, timeout, l.file.Path())
	case err != nil:
		return fmt.Errorf("could not lock %s: %w", l.file.Path(), err)
	}
	Log.Debugf("History lock acquired after %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func (l *HistoryLock) release() {
	if err := l.file.Unlock(); err != nil && !os.IsNotExist(err) {
		Log.Warnf("Could not release %s: %v", l.file.Path(), err)
	}
}

// ResolveHistoryPath returns the absolute database path, defaulting to
// ~/.config/dockopt/history.sqlite.
func ResolveHistoryPath(dbPath string) (string, error) {
	if dbPath != "" {
		return filepath.Abs(dbPath)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "dockopt", "history.sqlite"), nil
}
