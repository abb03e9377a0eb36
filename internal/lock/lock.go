// Package lock provides the single-worker process lock.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked matches any failure caused by another process holding the lock.
var ErrLocked = errors.New("worker lock held by another process")

// Owner is written into the lock file by the process holding it.
type Owner struct {
	PID     int       `json:"pid"`
	Purpose string    `json:"purpose"`
	Since   time.Time `json:"since"`
}

// HeldError reports the current owner of a busy lock.
type HeldError struct {
	Owner Owner
	Known bool
}

func (e *HeldError) Error() string {
	if !e.Known {
		return ErrLocked.Error()
	}
	return fmt.Sprintf("%s: pid %d (%s) since %s", ErrLocked, e.Owner.PID, e.Owner.Purpose,
		e.Owner.Since.Format(time.RFC3339))
}

func (e *HeldError) Is(target error) bool { return target == ErrLocked }

// FileLock is an advisory flock on path. One value guards one acquisition;
// TryLock on a held FileLock is a no-op.
type FileLock struct {
	path    string
	purpose string
	file    *os.File
	now     func() time.Time
}

// New returns an unlocked FileLock. purpose names the command taking it
// ("run", "watch", "rollback") and is shown to blocked callers.
func New(path, purpose string) *FileLock {
	return &FileLock{path: path, purpose: purpose, now: time.Now}
}

func (fl *FileLock) Path() string { return fl.path }

func (fl *FileLock) TryLock() error {
	if fl.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("acquire lock: %w", err)
		}
		owner, rerr := ReadOwner(fl.path)
		return &HeldError{Owner: owner, Known: rerr == nil}
	}

	owner := Owner{PID: os.Getpid(), Purpose: fl.purpose, Since: fl.now().UTC()}
	if err := stamp(f, owner); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return err
	}
	fl.file = f
	return nil
}

func stamp(f *os.File, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		return fmt.Errorf("write lock owner: %w", err)
	}
	return f.Sync()
}

// Unlock releases the lock. The file stays on disk; unlinking it would let a
// concurrent opener lock an orphaned inode.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ReadOwner returns the owner recorded in the lock file. The record of a
// released lock is left behind, so callers must not treat it as proof the
// lock is held.
func ReadOwner(path string) (Owner, error) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, err
	}
	defer func() { _ = f.Close() }()

	var o Owner
	if err := json.NewDecoder(io.LimitReader(f, 4096)).Decode(&o); err != nil {
		return Owner{}, fmt.Errorf("decode lock owner: %w", err)
	}
	if o.PID <= 0 {
		return Owner{}, errors.New("lock owner has no pid")
	}
	return o, nil
}
