//go:build linux

package keystroke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// evioCGrab is EVIOCGRAB, _IOW('E', 0x90, int).
const evioCGrab = 0x40044590

// grab sets or releases exclusive access. It goes through SyscallConn
// rather than Fd so the file stays in non-blocking mode and Close can
// interrupt a pending read.
func grab(f *os.File, on bool) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	arg := 0
	if on {
		arg = 1
	}
	var ioctlErr error
	if err := rc.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetInt(int(fd), evioCGrab, arg)
	}); err != nil {
		return err
	}
	return ioctlErr
}

// ListKeyboards returns the keyboards in the kernel input device table.
func ListKeyboards() ([]KeyboardDevice, error) {
	f, err := os.Open(ProcInputDevices)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseInputDevices(f)
}

// LinuxSource reads key events from evdev character devices.
type LinuxSource struct {
	BaseSource
	opts   Options
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	filesMu sync.Mutex
	files   []*os.File
}

func newPlatformSource(sink Sink, opts Options) Source {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &LinuxSource{opts: opts, logger: logger.With(slog.String("subsystem", "source"))}
	s.SetSink(sink)
	return s
}

func (l *LinuxSource) devicePaths() ([]string, error) {
	if len(l.opts.Devices) > 0 {
		return l.opts.Devices, nil
	}
	keyboards, err := ListKeyboards()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(keyboards))
	for _, kb := range keyboards {
		paths = append(paths, kb.EventPath)
	}
	return paths, nil
}

// Available checks that at least one keyboard device can be opened.
func (l *LinuxSource) Available() (bool, string) {
	devices, err := l.devicePaths()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}
	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("found keyboard device: %s", dev)
		}
	}
	return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
}

// Start opens every keyboard device and reads each on its own goroutine.
func (l *LinuxSource) Start(ctx context.Context) error {
	if l.IsRunning() {
		return ErrAlreadyRunning
	}
	if !l.hasSink() {
		return ErrNoSink
	}

	devices, err := l.devicePaths()
	if err != nil || len(devices) == 0 {
		return ErrNotAvailable
	}

	var files []*os.File
	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err != nil {
			l.logger.Warn("open device", slog.String("device", dev), slog.String("error", err.Error()))
			continue
		}
		if l.opts.Grab {
			if err := grab(f, true); err != nil {
				l.logger.Warn("grab device", slog.String("device", dev), slog.String("error", err.Error()))
			}
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return ErrNotAvailable
	}
	l.filesMu.Lock()
	l.files = files
	l.filesMu.Unlock()

	ctx, l.cancel = context.WithCancel(ctx)
	l.SetRunning(true)
	for _, f := range files {
		l.wg.Add(1)
		go l.readLoop(ctx, f)
	}

	// Closing the files is what unblocks the readers.
	go func() {
		<-ctx.Done()
		l.closeFiles()
	}()

	l.logger.Info("source started", slog.Int("devices", len(files)), slog.Bool("grab", l.opts.Grab))
	return nil
}

func (l *LinuxSource) readLoop(ctx context.Context, f *os.File) {
	defer l.wg.Done()

	buf := make([]byte, inputEventSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("device read failed", slog.String("device", f.Name()), slog.String("error", err.Error()))
			}
			return
		}
		code, ok := toScanCode(parseInputEvent(buf))
		if !ok {
			continue
		}
		if err := l.Forward(code); err != nil {
			if errors.Is(err, ErrNoSink) || ctx.Err() != nil {
				return
			}
			l.logger.Debug("sink refused scancode", slog.String("error", err.Error()))
		}
	}
}

func (l *LinuxSource) closeFiles() {
	l.filesMu.Lock()
	files := l.files
	l.files = nil
	l.filesMu.Unlock()

	for _, f := range files {
		if l.opts.Grab {
			_ = grab(f, false)
		}
		f.Close()
	}
}

// Stop releases every device and waits for the readers to exit.
func (l *LinuxSource) Stop() error {
	if !l.IsRunning() {
		return nil
	}
	l.cancel()
	l.closeFiles()
	l.wg.Wait()
	l.SetRunning(false)
	l.logger.Info("source stopped", slog.Uint64("forwarded", l.Count()))
	return nil
}
