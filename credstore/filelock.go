package credstore

import (
	"context"
	"fmt"
	"os"
	"time"
)

const (
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
	lockMaxWait    = 5 * time.Second
)

// fileLock is an advisory lock held through an exclusively created sibling file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock takes the lock guarding filePath, waiting up to lockMaxWait
// or until ctx ends. Lock files older than lockStaleAfter are treated as
// abandoned by a crashed process and removed.
func acquireFileLock(ctx context.Context, filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"
	deadline := time.Now().Add(lockMaxWait)

	for {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when inspecting a stuck lock by hand
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for file lock after %v", lockMaxWait)
		}

		timer := time.NewTimer(lockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("waiting for file lock: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// release drops the lock. Releasing twice reports the missing lock file.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}
	return os.Remove(fl.lockPath)
}
