//go:build windows

package instancelock

import (
	"errors"
	"os"
	"strconv"
)

// Lock is an exclusively created lock file. Creation fails while another
// process owns it.
type Lock struct {
	path   string
	locked bool
}

func (l *Lock) tryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	l.locked = true
	return true, nil
}

func (l *Lock) writePID() {
	_ = os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if !l.locked {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.locked = false
	return nil
}
