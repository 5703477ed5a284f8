package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning reports that another process holds the run lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// RunLock is an advisory single-writer lock on the state directory. It
// prevents two concurrent runs from racing on the offset file and sink.
type RunLock struct {
	f *os.File
}

// AcquireLock takes the run lock in dir without blocking. It returns
// ErrAlreadyRunning if another process holds it. The lock is released on
// process exit even without Release.
func AcquireLock(dir string) (*RunLock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, "maillogsentinel.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	// Best effort, for operators inspecting the state dir.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &RunLock{f: f}, nil
}

// Release drops the lock.
func (l *RunLock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
