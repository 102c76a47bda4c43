// Package lock keeps maintenance runs from interleaving, using a combination
// of flock and process-local mutex-es
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexflint/go-filemutex"
)

// ErrLocked is returned by TryLock if another holder has the lock
var ErrLocked = errors.New("lock is held by another run")

var (
	locksmu = &sync.Mutex{}
	locks   = make(map[string]*sync.Mutex)
)

// InterProcessLock provides a mutex that works within the current process
// and across all other processes. The local mutex is acquired first, as
// closing one of several flocks on the same file within a process releases
// all of them. See: http://0pointer.de/blog/projects/locking.html
type InterProcessLock struct {
	Path     string
	filelock *filemutex.FileMutex
}

// Acquire returns the engaged lock at the given path, creating the parent
// directory if necessary. With wait set to false, ErrLocked is returned
// instead of blocking.
func Acquire(path string, wait bool) (*InterProcessLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create lock directory: %v", err)
	}

	l := &InterProcessLock{Path: path}

	if wait {
		return l, l.Lock()
	}

	return l, l.TryLock()
}

func (l *InterProcessLock) localMutex() *sync.Mutex {
	locksmu.Lock()
	defer locksmu.Unlock()

	if locks[l.Path] == nil {
		locks[l.Path] = &sync.Mutex{}
	}

	return locks[l.Path]
}

func (l *InterProcessLock) open() error {
	if l.filelock != nil {
		return fmt.Errorf("expected filelock to be nil")
	}

	var err error
	if l.filelock, err = filemutex.New(l.Path); err != nil {
		return fmt.Errorf("could not open lock %s: %v", l.Path, err)
	}

	return nil
}

// Lock the lock, blocking until the lock has been acquired
func (l *InterProcessLock) Lock() error {
	local := l.localMutex()
	local.Lock()

	if err := l.open(); err != nil {
		local.Unlock()
		return err
	}

	if err := l.filelock.Lock(); err != nil {
		l.release()
		return fmt.Errorf("could not acquire file lock: %v", err)
	}

	return nil
}

// TryLock engages the lock if it is free and returns ErrLocked otherwise
func (l *InterProcessLock) TryLock() error {
	local := l.localMutex()
	if !local.TryLock() {
		return ErrLocked
	}

	if err := l.open(); err != nil {
		local.Unlock()
		return err
	}

	if err := l.filelock.TryLock(); err != nil {
		l.release()
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}

	return nil
}

// Unlock releases the lock
func (l *InterProcessLock) Unlock() error {
	if l.filelock == nil {
		return fmt.Errorf("%s is not locked", l.Path)
	}

	if err := l.filelock.Unlock(); err != nil {
		return fmt.Errorf("could not unlock file lock: %v", err)
	}

	return l.release()
}

// release closes the lock file and unlocks the local mutex
func (l *InterProcessLock) release() error {
	err := l.filelock.Close()
	l.filelock = nil
	l.localMutex().Unlock()

	if err != nil {
		return fmt.Errorf("could not close %s: %v", l.Path, err)
	}

	return nil
}

// MustLock engages the lock and panics if that fails (it will still block
// if the lock is already locked, since that is not an error)
func (l *InterProcessLock) MustLock() {
	if err := l.Lock(); err != nil {
		panic(err)
	}
}

// MustUnlock removes the lock and panics if that fails
func (l *InterProcessLock) MustUnlock() {
	if err := l.Unlock(); err != nil {
		panic(err)
	}
}
