package main

import (
	"fmt"
	"os"
	"syscall"
)

// singleInstanceLock is the open lock file backing acquireFlock. Meridian
// runs as one long-lived process per state_db; a second process pointed
// at the same database would race PickNextJob and the audit chain
// against itself, so startup refuses to proceed past a held lock.
type singleInstanceLock struct {
	file *os.File
}

// acquireFlock opens (creating if needed) the lock file at path, takes a
// non-blocking exclusive flock on it, and stamps it with this process's
// PID. The returned lock must be held for the life of the process and
// released with release on shutdown.
func acquireFlock(path string) (*singleInstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("flock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another meridian instance is already running against this state_db (lock: %s)", path)
	}

	if err := stampPID(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: stamp pid into %s: %w", path, err)
	}

	return &singleInstanceLock{file: f}, nil
}

func stampPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

// release unlocks and removes the lock file. Safe to call with a nil
// lock (startup failures before acquireFlock succeeded).
func (l *singleInstanceLock) release() {
	if l == nil || l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	name := l.file.Name()
	l.file.Close()
	os.Remove(name)
}
