package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RuntimeDir returns the per-instance runtime directory under the config
// directory, creating it if needed. Activity logs live here.
func RuntimeDir() (string, error) {
	dir := filepath.Join(ConfigDir(), "runtime")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create runtime dir: %w", err)
	}
	return dir, nil
}

// InstanceLock guards the runtime directory so concurrent parley instances
// do not interleave writes to the same activity log.
type InstanceLock struct {
	fl *flock.Flock
}

// AcquireInstanceLock takes a non-blocking exclusive lock on the runtime
// directory. A held lock means another instance owns the directory.
func AcquireInstanceLock(dir string) (*InstanceLock, error) {
	fl := flock.New(filepath.Join(dir, "instance.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock runtime dir: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another parley instance is using %s", dir)
	}
	return &InstanceLock{fl: fl}, nil
}

// Release drops the lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
