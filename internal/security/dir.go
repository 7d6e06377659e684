// Package security hardens the daemon's runtime files and throttles its
// socket.
package security

import (
	"errors"
	"fmt"
	"os"
	"runtime"
)

const (
	// PermPrivateDir is the mode for directories holding the socket and pidfile.
	PermPrivateDir os.FileMode = 0700
	// PermPrivateFile is the mode for the pidfile and the socket itself.
	PermPrivateFile os.FileMode = 0600
)

var ErrInsecurePermissions = errors.New("security: insecure permissions")

// EnsurePrivateDir creates path with PermPrivateDir if it is missing. An
// existing directory that other users may write to is refused unless it has
// the sticky bit, as /tmp does.
func EnsurePrivateDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, PermPrivateDir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("security: %s is not a directory", path)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if info.Mode().Perm()&0022 != 0 && info.Mode()&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s is writable by others (mode %04o)",
			ErrInsecurePermissions, path, info.Mode().Perm())
	}
	return nil
}

// VerifyMode reports whether path carries exactly the permission bits want.
// It does not follow a trailing symlink.
func VerifyMode(path string, want os.FileMode) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if got := info.Mode().Perm(); got != want.Perm() {
		return fmt.Errorf("%w: %s has mode %04o, want %04o", ErrInsecurePermissions, path, got, want.Perm())
	}
	return nil
}
