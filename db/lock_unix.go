//go:build darwin || linux

package db

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// lock takes an exclusive flock on path and returns its release. The data
// files are replaced by rename, so they cannot carry the lock themselves.
func lock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file failed")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "flock failed")
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
