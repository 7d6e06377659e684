package keystroke

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DeviceEventType indicates what happened to a device.
type DeviceEventType int

const (
	DeviceConnected DeviceEventType = iota
	DeviceDisconnected
)

func (t DeviceEventType) String() string {
	if t == DeviceConnected {
		return "connected"
	}
	return "disconnected"
}

// EnumerateFunc lists the keyboards currently present.
type EnumerateFunc func() ([]KeyboardDevice, error)

// DeviceWatcher reports keyboards appearing and disappearing by watching the
// evdev directory and re-enumerating on every event node change.
type DeviceWatcher struct {
	mu        sync.Mutex
	dir       string
	enumerate EnumerateFunc
	settle    time.Duration
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	known   map[string]KeyboardDevice
}

// NewDeviceWatcher watches dir (normally DevInputDir) and uses enumerate to
// list keyboards after each change.
func NewDeviceWatcher(dir string, enumerate EnumerateFunc, logger *slog.Logger) *DeviceWatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DeviceWatcher{
		dir:       dir,
		enumerate: enumerate,
		settle:    100 * time.Millisecond,
		logger:    logger,
	}
}

// Start begins watching. callback runs on the watcher goroutine.
func (d *DeviceWatcher) Start(callback func(KeyboardDevice, DeviceEventType)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher != nil {
		return errors.New("already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(d.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}

	initial, _ := d.enumerate()
	d.known = make(map[string]KeyboardDevice, len(initial))
	for _, dev := range initial {
		d.known[dev.EventPath] = dev
	}

	d.watcher = watcher
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	go d.watchLoop(watcher, d.stopCh, d.done, callback)
	return nil
}

func (d *DeviceWatcher) watchLoop(w *fsnotify.Watcher, stopCh, done chan struct{}, callback func(KeyboardDevice, DeviceEventType)) {
	defer close(done)

	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.Contains(event.Name, "event") {
				continue
			}
			// Give udev a moment to finish creating the node.
			select {
			case <-stopCh:
				return
			case <-time.After(d.settle):
			}
			d.rescan(callback)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Warn("device watcher error", slog.String("error", err.Error()))
		}
	}
}

// rescan diffs the current keyboard list against the last one.
func (d *DeviceWatcher) rescan(callback func(KeyboardDevice, DeviceEventType)) {
	devices, err := d.enumerate()
	if err != nil {
		d.logger.Warn("enumerate keyboards", slog.String("error", err.Error()))
		return
	}

	now := make(map[string]KeyboardDevice, len(devices))
	for _, dev := range devices {
		now[dev.EventPath] = dev
		if _, seen := d.known[dev.EventPath]; !seen {
			d.logger.Info("keyboard connected", slog.String("device", dev.EventPath), slog.String("name", dev.Name))
			callback(dev, DeviceConnected)
		}
	}
	for p, dev := range d.known {
		if _, still := now[p]; !still {
			d.logger.Info("keyboard disconnected", slog.String("device", p))
			callback(dev, DeviceDisconnected)
		}
	}
	d.known = now
}

// Stop stops watching and waits for the watch goroutine.
func (d *DeviceWatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher == nil {
		return nil
	}
	close(d.stopCh)
	<-d.done
	err := d.watcher.Close()
	d.watcher = nil
	return err
}
