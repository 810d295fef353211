// Package instancelock keeps two gateway processes off the same data
// directory. Both would open the same per-tenant device stores.
package instancelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FileName is the lock file created inside the data directory.
const FileName = "wagate.lock"

// ErrHeld means another process owns the data directory.
var ErrHeld = errors.New("data directory is in use by another wagate process")

// Acquire takes the lock for dir without blocking.
func Acquire(dir string) (*Lock, error) {
	l := &Lock{path: filepath.Join(dir, FileName)}
	ok, err := l.tryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrHeld, l.path)
	}
	l.writePID()
	return l, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Holder returns the pid recorded in the lock file, or 0.
func Holder(dir string) int {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(string(data))
	return pid
}
