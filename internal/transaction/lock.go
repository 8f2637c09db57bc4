package transaction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/elm-linux/elm/internal/errs"
)

// Lock is an exclusive advisory lock on one target (an engine version or a
// prefix). It is backed by flock(2), so the kernel drops it if the holding
// process dies and no stale-lock detection is needed.
type Lock struct {
	path string
	file *os.File
}

// Holder describes the process holding a lock.
type Holder struct {
	PID       int
	Operation string
	Since     time.Time
}

// LockPath returns the lock file for a target in dir.
func LockPath(dir, kind, name string) string {
	return filepath.Join(dir, kind+"-"+name+".lock")
}

// AcquireLock takes the lock for kind/name without waiting. If another
// process holds it the error wraps errs.ErrLocked and names the holder.
func AcquireLock(ctx context.Context, dir, kind, name, operation string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockPath := LockPath(dir, kind, name)

	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}

		if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			file.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, lockedError(kind, name, lockPath)
			}
			return nil, fmt.Errorf("lock %s: %w", lockPath, err)
		}

		// A releasing holder unlinks the file before unlocking. If that
		// happened between our open and flock we hold a dead inode; retry.
		held, err1 := file.Stat()
		onDisk, err2 := os.Stat(lockPath)
		if err1 != nil || err2 != nil || !os.SameFile(held, onDisk) {
			file.Close()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}

		lock := &Lock{path: lockPath, file: file}
		if err := lock.writeHolder(operation); err != nil {
			lock.Release()
			return nil, err
		}
		return lock, nil
	}
}

func (l *Lock) writeHolder(operation string) error {
	data := fmt.Sprintf("pid=%d\noperation=%s\ntimestamp=%s\n",
		os.Getpid(), operation, time.Now().UTC().Format(time.RFC3339))
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.file.WriteAt([]byte(data), 0); err != nil {
		return fmt.Errorf("write lock data: %w", err)
	}
	return nil
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	// Unlink while still holding the lock so waiters re-open a fresh file
	var removeErr error
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		removeErr = fmt.Errorf("remove lock file: %w", err)
	}

	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil

	return removeErr
}

// ReadHolder parses the metadata of a lock file.
func ReadHolder(lockPath string) (*Holder, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := &Holder{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "operation":
			h.Operation = value
		case "timestamp":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h, scanner.Err()
}

func lockedError(kind, name, lockPath string) error {
	h, err := ReadHolder(lockPath)
	if err != nil || h.PID == 0 {
		return fmt.Errorf("%s %q: %w", kind, name, errs.ErrLocked)
	}
	return fmt.Errorf("%s %q: %w (pid %d, %s since %s)",
		kind, name, errs.ErrLocked, h.PID, h.Operation, h.Since.Format(time.RFC3339))
}
