// Package lock guarantees a single hub daemon per instance directory.
package lock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// Owner is what the holder records in the lock file.
type Owner struct {
	PID   int
	Since time.Time
}

// LockHeldError is returned when another process holds the instance lock.
type LockHeldError struct {
	Owner Owner
	Path  string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("instance lock held by PID %d since %s (%s)",
		e.Owner.PID, e.Owner.Since.Format(time.RFC3339), e.Path)
}

// Lock is an exclusive flock on an instance directory.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on dir without blocking. It fails with
// *LockHeldError while another process holds it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		owner, _ := ReadOwner(dir)
		return nil, &LockHeldError{Owner: owner, Path: path}
	}

	l := &Lock{file: f, path: path}
	if err := l.record(Owner{PID: os.Getpid(), Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return l, nil
}

func (l *Lock) record(o Owner) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(l.file, "pid=%d\ntime=%s\n", o.PID, o.Since.Format(time.RFC3339))
	return err
}

// Path returns the lock file.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Safe on a nil receiver and
// when called twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadOwner parses the lock file under dir. Unknown or missing fields are
// left zero.
func ReadOwner(dir string) (Owner, error) {
	f, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()

	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "time":
			o.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o, sc.Err()
}
