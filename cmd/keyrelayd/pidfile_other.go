//go:build !unix

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"keyrelay/internal/security"
)

// ErrAlreadyRunning is returned when another daemon holds the pidfile.
var ErrAlreadyRunning = errors.New("keyrelayd is already running")

// PIDFile is an exclusively created pidfile.
type PIDFile struct {
	path string
}

// AcquirePIDFile creates path and writes the current pid into it.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := security.EnsurePrivateDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("create pidfile: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, os.Getpid()); err != nil {
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	return &PIDFile{path: path}, nil
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

// Release removes the file.
func (p *PIDFile) Release() error {
	return os.Remove(p.path)
}
