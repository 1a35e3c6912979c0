package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileLocker holds a lock by creating a file exclusively. The file contains
// the holder's pid and is removed on release. A crashed run leaves the file
// behind and it has to be removed by hand.
type FileLocker struct {
	path string
}

func NewFileLocker(path string) (*FileLocker, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: lock path is required", ErrInvalidInput)
	}
	return &FileLocker{path: path}, nil
}

func (l *FileLocker) Path() string {
	return l.path
}

func (l *FileLocker) Acquire(ctx context.Context) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			holder, _ := os.ReadFile(l.path)
			return nil, fmt.Errorf("%w: %s (pid %s)", ErrLocked, l.path, strings.TrimSpace(string(holder)))
		}
		return nil, err
	}
	_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(l.path)
		return nil, errors.Join(writeErr, closeErr)
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = os.Remove(l.path)
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		})
		return err
	}, nil
}
