//go:build !windows

package instancelock

import (
	"errors"
	"os"
	"strconv"
	"syscall"
)

// Lock is an exclusive flock(2) on the lock file.
type Lock struct {
	path string
	file *os.File
}

func (l *Lock) tryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	l.file = f
	return true, nil
}

func (l *Lock) writePID() {
	if err := l.file.Truncate(0); err != nil {
		return
	}
	_, _ = l.file.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		l.file = nil
		return err
	}
	l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	return nil
}
