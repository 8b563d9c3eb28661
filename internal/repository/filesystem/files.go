package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
)

// readFile decodes path into target. A missing file leaves target untouched
// and reports false; unparsable JSON is a corrupted database error.
func (r *Repository) readFile(path string, target interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errs.Database("failed to read file", path, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		r.logger.Error("Corrupted database file", zap.String("path", path), zap.Error(err))
		return false, errs.CorruptedDatabase(path, err)
	}
	return true, nil
}

// writeFile creates the parent directory and then replaces path with value
func (r *Repository) writeFile(ctx context.Context, path string, value interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Database("failed to create directory", dir, err)
	}
	return r.replaceFile(ctx, path, value)
}

// replaceFile writes value to a temp file in the same directory and renames
// it over path, so readers never observe a partial file. The directory must
// already exist.
func (r *Repository) replaceFile(ctx context.Context, path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errs.Database("failed to serialize", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errs.Database("failed to create temp file", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errs.Database("failed to write temp file", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errs.Database("failed to close temp file", tmpName, err)
	}

	if err := r.renameWithRetry(ctx, tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// renameWithRetry retries renames that fail with "file not found", which
// some filesystems and virus scanners report transiently
func (r *Repository) renameWithRetry(ctx context.Context, from, to string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.rename(from, to)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.renameDelay)),
		backoff.WithMaxTries(uint(r.renameAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Retrying rename", zap.String("path", to), zap.Duration("delay", next), zap.Error(err))
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return errs.Database("failed to rename file", to, err)
	}
	return nil
}

// readAndWriteFile applies transform to the decoded content of path under
// its advisory lock and writes the result back
func readAndWriteFile[T any](ctx context.Context, r *Repository, path string, transform func(current *T) error) error {
	return r.withLock(ctx, path, func() error {
		var current T
		if _, err := r.readFile(path, &current); err != nil {
			return err
		}
		if err := transform(&current); err != nil {
			return err
		}
		return r.writeFile(ctx, path, &current)
	})
}

// listNames returns the generated JSON file names in dir, oldest first
func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Database("failed to list directory", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sortNames(names)
	return names, nil
}

// removeAll deletes a directory tree
func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errs.Database("failed to remove", path, err)
	}
	return nil
}
