// Package lock guards a tamizdat data directory across processes.
//
// An import holds the lock exclusively for its whole run. CLI queries hold it
// shared, so they wait for a running import instead of reading a catalog that
// another process is about to replace.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
)

// FileName is the lock file created inside the data directory.
const FileName = "catalog.lock"

// retryDelay is the polling interval while waiting for a shared lock.
const retryDelay = 50 * time.Millisecond

// FileLock is an advisory lock on <dataDir>/catalog.lock.
// A FileLock is not safe for concurrent use; each holder creates its own.
type FileLock struct {
	path  string
	flock *flock.Flock
}

// New returns an unlocked FileLock for dataDir.
func New(dataDir string) *FileLock {
	path := filepath.Join(dataDir, FileName)
	return &FileLock{
		path:  path,
		flock: flock.New(path),
	}
}

// TryLock takes the exclusive lock without waiting. It fails with
// ERR_209_LOCKED when another holder has the lock in either mode.
func (l *FileLock) TryLock() error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return tzerrors.IOError("failed to acquire catalog lock", err)
	}
	if !acquired {
		return tzerrors.New(tzerrors.ErrCodeLocked, "catalog is locked by another tamizdat process", nil).
			WithDetail("lock_file", l.path).
			WithSuggestion("Wait for the running import to finish and try again")
	}
	return nil
}

// RLock takes the shared lock, waiting until no exclusive holder remains or
// ctx is done.
func (l *FileLock) RLock(ctx context.Context) error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	acquired, err := l.flock.TryRLockContext(ctx, retryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tzerrors.IOError("failed to acquire shared catalog lock", err)
	}
	if !acquired {
		return tzerrors.New(tzerrors.ErrCodeLocked, "timed out waiting for catalog lock", nil)
	}
	return nil
}

// Unlock releases whichever lock is held. Unlocking an unlocked FileLock is
// a no-op.
func (l *FileLock) Unlock() error {
	if !l.flock.Locked() && !l.flock.RLocked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release catalog lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Locked reports whether this FileLock holds the lock in either mode.
func (l *FileLock) Locked() bool {
	return l.flock.Locked() || l.flock.RLocked()
}

func (l *FileLock) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return tzerrors.IOError("failed to create data directory", err)
	}
	return nil
}
