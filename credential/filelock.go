package credential

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	lockAttempts   = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// pathLock is an exclusive lock on a credentials file, held by creating a
// sibling ".lock" file. It coordinates writers across processes sharing the
// same token file.
type pathLock struct {
	f    *os.File
	path string
}

// lockPath blocks until it owns path+".lock" or gives up after
// lockAttempts tries. Lock files older than lockStaleAfter are treated as
// left behind by a crashed process and removed.
func lockPath(path string) (*pathLock, error) {
	lp := path + ".lock"

	for range lockAttempts {
		f, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			return &pathLock{f: f, path: lp}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if info, statErr := os.Stat(lp); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			if rmErr := os.Remove(lp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return nil, fmt.Errorf("remove stale lock file %s: %w", lp, rmErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf("timed out after %v waiting for lock %s", lockAttempts*lockRetryDelay, lp)
}

func (l *pathLock) unlock() error {
	if l.f != nil {
		_ = l.f.Close()
	}
	return os.Remove(l.path)
}
