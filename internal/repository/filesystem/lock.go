package filesystem

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
)

// errLocked is returned by tryLock when another holder owns the lock
var errLocked = errors.New("file is locked")

// errNoDirectory is returned by lockExisting when the directory holding the
// lock file is gone
var errNoDirectory = errors.New("directory does not exist")

// LockOptions bounds advisory lock acquisition
type LockOptions struct {
	Retries    int
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Factor     float64
}

// DefaultLockOptions returns the lock settings used when none are configured
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Retries:    20,
		MinTimeout: 10 * time.Millisecond,
		MaxTimeout: 5 * time.Second,
		Factor:     1.5,
	}
}

// withLock runs fn while holding an exclusive advisory lock on path + ".lock".
// The lock is released on every exit path.
func (r *Repository) withLock(ctx context.Context, path string, fn func() error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Database("failed to create directory", dir, err)
	}
	return r.lockExisting(ctx, path, fn)
}

// lockExisting is withLock for files that live in a directory owned by
// someone else. It never creates the directory and fails with
// errNoDirectory once the directory has been removed.
func (r *Repository) lockExisting(ctx context.Context, path string, fn func() error) error {
	lockPath := path + ".lock"
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if errors.Is(err, fs.ErrNotExist) {
		return errNoDirectory
	}
	if err != nil {
		return errs.Database("failed to open lock file", lockPath, err)
	}
	defer file.Close() //nolint:errcheck // cleanup

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     r.lock.MinTimeout,
		RandomizationFactor: 0.5,
		Multiplier:          r.lock.Factor,
		MaxInterval:         r.lock.MaxTimeout,
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := tryLock(file)
		if errors.Is(err, errLocked) {
			observability.RecordLockRetry()
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.lock.Retries)+1),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		observability.RecordLockTimeout()
		r.logger.Warn("Unable to acquire lock", zap.String("path", path), zap.Error(err))
		return errs.Lock(path, err)
	}

	defer func() {
		if err := unlock(file); err != nil {
			r.logger.Warn("Failed to release lock", zap.String("path", path), zap.Error(err))
		}
	}()
	return fn()
}
