package state

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	perrors "github.com/perrydev/perry/internal/common/errors"
)

const (
	lockRetries      = 5
	lockInitialDelay = 100 * time.Millisecond
	lockMaxDelay     = time.Second
)

// AcquireLock takes the advisory file lock with bounded exponential
// backoff. The lock guards against other daemon processes; in-process
// serialization is handled by the owning store's mutex.
func AcquireLock(ctx context.Context, path string) (*flock.Flock, error) {
	fl := flock.New(path)
	delay := lockInitialDelay
	for attempt := 0; ; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, perrors.Wrap(perrors.Internal, "acquiring file lock", err)
		}
		if locked {
			return fl, nil
		}
		if attempt >= lockRetries {
			return nil, perrors.Newf(perrors.Timeout, "file lock %s held by another process", path)
		}
		select {
		case <-ctx.Done():
			return nil, perrors.Wrap(perrors.Timeout, "waiting for file lock", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > lockMaxDelay {
			delay = lockMaxDelay
		}
	}
}

// WriteFileAtomic writes data to path via a fsynced temp file in the same
// directory followed by a rename, so a crash mid-save never leaves a
// truncated file behind.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return perrors.Wrap(perrors.Internal, "creating temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return perrors.Wrap(perrors.Internal, "writing temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return perrors.Wrap(perrors.Internal, "syncing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return perrors.Wrap(perrors.Internal, "closing temp file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return perrors.Wrap(perrors.Internal, "replacing file", err)
	}
	return nil
}
