// Package control guards a store against concurrent writers across
// processes with an advisory lock file next to it.
package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Suffix is appended to the store path to name its lock file.
const Suffix = ".lock"

// ErrLocked means another process holds the writer lock.
var ErrLocked = errors.New("store is locked by another writer")

// LockedError reports who holds the lock, when the lock file says so.
type LockedError struct {
	Path string
	PID  int // 0 when unknown
}

func (e *LockedError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: %s (pid %d)", ErrLocked, e.Path, e.PID)
	}
	return fmt.Sprintf("%s: %s", ErrLocked, e.Path)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// Lock is a held writer lock. The file is left in place on release; only
// the flock matters.
type Lock struct {
	path string
	file *os.File
}

// LockPath returns the lock file guarding dbPath.
func LockPath(dbPath string) string { return dbPath + Suffix }

// Acquire takes the exclusive writer lock for dbPath without blocking.
func Acquire(dbPath string) (*Lock, error) {
	path := LockPath(dbPath)
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &LockedError{Path: path, PID: Holder(dbPath)}
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// Record the owner for diagnostics.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{path: path, file: f}, nil
}

// Holder returns the pid recorded in dbPath's lock file, 0 if none.
func Holder(dbPath string) int {
	b, err := os.ReadFile(LockPath(dbPath))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	_ = f.Truncate(0) // stale pid is only cosmetic
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return f.Close()
}
