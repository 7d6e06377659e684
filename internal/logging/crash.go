package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	Component    string    `json:"component,omitempty"`
	Goroutine    string    `json:"goroutine,omitempty"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandler writes a JSON report for every panic it recovers and logs
// where the report went.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	version   string
	component string
	logger    *slog.Logger
	onCrash   func(CrashReport)
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	Dir       string
	Version   string
	Component string
	Logger    *slog.Logger

	// OnCrash runs after the report is written, typically to start shutdown.
	OnCrash func(CrashReport)
}

// DefaultCrashDir returns $XDG_STATE_HOME/keyrelay/crashes or its fallback.
func DefaultCrashDir() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, _ := os.UserHomeDir()
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "keyrelay", "crashes")
}

// NewCrashHandler creates a new CrashHandler.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	if cfg.Dir == "" {
		cfg.Dir = DefaultCrashDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = Discard()
	}
	return &CrashHandler{
		dir:       cfg.Dir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    cfg.Logger,
		onCrash:   cfg.OnCrash,
	}
}

// Go runs fn on a new goroutine that reports instead of crashing the
// process when fn panics.
func (h *CrashHandler) Go(name string, fn func()) {
	go func() {
		defer h.recover(name)
		fn()
	}()
}

// Recover runs fn and reports a panic from it.
func (h *CrashHandler) Recover(name string, fn func()) {
	defer h.recover(name)
	fn()
}

func (h *CrashHandler) recover(name string) {
	if r := recover(); r != nil {
		h.HandlePanic(name, r)
	}
}

// HandlePanic writes a report for panicValue.
func (h *CrashHandler) HandlePanic(goroutine string, panicValue any) CrashReport {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Component:    h.component,
		Goroutine:    goroutine,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(panicValue),
		StackTrace:   string(debug.Stack()),
	}

	h.mu.Lock()
	path, err := h.write(report)
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("panic recovered, report not written",
			slog.String("goroutine", goroutine),
			slog.String("panic", report.PanicValue),
			slog.String("error", err.Error()))
	} else {
		h.logger.Error("panic recovered",
			slog.String("goroutine", goroutine),
			slog.String("panic", report.PanicValue),
			slog.String("report", path))
	}

	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	f, err := os.CreateTemp(h.dir, "crash-"+report.Timestamp.Format("20060102-150405")+"-*.json")
	if err != nil {
		return "", fmt.Errorf("create crash report: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return f.Name(), nil
}

// Reports reads every crash report in the directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
