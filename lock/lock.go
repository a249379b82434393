//go:build unix

// Package lock serializes invocations on one host with an advisory flock on
// a well-known file.
package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrNotHeld is returned by helpers that require the lock when another
// process holds it.
var ErrNotHeld = errors.New("run lock is held by another process")

const fileName = "imap-intake.lock"

// Path returns the lock file location inside stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, fileName)
}

// Lock is a non-blocking exclusive lock bound to a file path.
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire tries to take the lock without blocking. Any OS error counts as
// contention: skipping a run is preferred over processing mail twice.
func (l *Lock) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return true
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false
	}

	// A holder that releases between our open and flock unlinks the file we
	// locked; one retry picks up the file now at the path.
	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return false
		}
		held, stale := l.lockOpened(file)
		if !stale {
			return held
		}
	}
	return false
}

// lockOpened flocks file and checks that it is still the file at l.path.
// On failure the file is closed; stale reports a lock on an unlinked file.
func (l *Lock) lockOpened(file *os.File) (held, stale bool) {
	fd := int(file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		return false, false
	}

	var locked, current unix.Stat_t
	if err := unix.Fstat(fd, &locked); err != nil {
		_ = file.Close()
		return false, false
	}
	if err := unix.Stat(l.path, &current); err != nil || locked.Dev != current.Dev || locked.Ino != current.Ino {
		_ = file.Close()
		return false, true
	}

	// The pid is diagnostic only; a failed write does not give up the lock.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
		_ = file.Sync()
	}

	l.file = file
	return true, false
}

// Held reports whether this Lock currently owns the file lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Release unlocks and removes the lock file. Calling it without holding the
// lock is a no-op.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	_ = os.Remove(l.path)
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}

// With runs fn while holding the lock at path. It returns ErrNotHeld without
// calling fn when the lock is taken.
func With(path string, fn func() error) error {
	l := New(path)
	if !l.Acquire() {
		return ErrNotHeld
	}
	defer l.Release()
	return fn()
}
