//go:build unix

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"keyrelay/internal/security"
)

// ErrAlreadyRunning is returned when another daemon holds the pidfile.
var ErrAlreadyRunning = errors.New("keyrelayd is already running")

// PIDFile is an flock-held pidfile. The lock, not the file's existence,
// marks a running daemon, so a stale file from a crash does not block.
type PIDFile struct {
	path string
	file *os.File
}

// AcquirePIDFile locks path and writes the current pid into it.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := security.EnsurePrivateDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open pidfile: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid, perr := ReadPID(path); perr == nil {
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock pidfile: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pidfile: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	return &PIDFile{path: path, file: f}, nil
}

// ReadPID returns the pid recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Path returns the pidfile location.
func (p *PIDFile) Path() string {
	return p.path
}

// Release removes the file and drops the lock.
func (p *PIDFile) Release() error {
	if p.file == nil {
		return nil
	}
	os.Remove(p.path)
	err := p.file.Close()
	p.file = nil
	return err
}
