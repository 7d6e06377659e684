package logging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, level)
			assert.Equal(t, strings.ToLower(LevelString(level)), LevelString(level))
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.Writer = &buf
	cfg.Component = "test"
	l, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, &buf
}

func TestJSONFormat(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)
	l.Info("engine started", "queue_capacity", 16)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "engine started", rec["msg"])
	assert.Equal(t, "test", rec["component"])
	assert.EqualValues(t, 16, rec["queue_capacity"])
}

func TestWithComponent(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	l.WithComponent("ipc").Info("listening")
	assert.Contains(t, buf.String(), "component=ipc")
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	child := l.WithComponent("engine")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, l.Level())
	child.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	l.Info("script loaded", "script", "hunter2", "char", "x", "device", "/dev/input/event3")

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "script=[REDACTED]")
	assert.Contains(t, out, "char=[REDACTED]")
	assert.Contains(t, out, "device=/dev/input/event3")
}

func TestShouldRedact(t *testing.T) {
	for key, want := range map[string]bool{
		"password":   true,
		"api_secret": true,
		"char":       true,
		"keystrokes": true,
		"text":       true,
		"device":     false,
		"client":     false,
		"delivered":  false,
	} {
		assert.Equal(t, want, shouldRedact(key), key)
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "keyrelayd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")
}

func TestBothOutput(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "keyrelayd.log")
	cfg := DefaultConfig()
	cfg.Output = "both"
	cfg.FilePath = path
	cfg.Writer = &console

	l, err := New(cfg)
	require.NoError(t, err)
	l.Warn("twice")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "twice")
	assert.Contains(t, console.String(), "twice")
}

func TestFileRotatorRotatesOnSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 2})
	require.NoError(t, err)
	defer r.Close()

	line := bytes.Repeat([]byte("x"), 400*1024)
	for i := 0; i < 3; i++ {
		_, err := r.Write(line)
		require.NoError(t, err)
	}

	files, err := r.Files()
	require.NoError(t, err)
	assert.Len(t, files, 2, "current file plus one rotation")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(line)), info.Size())
}

func TestFileRotatorRotatesOnDayChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 5})
	require.NoError(t, err)
	defer r.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	r.mu.Lock()
	r.now = func() time.Time { return day }
	r.opened = day
	r.mu.Unlock()

	_, err = r.Write([]byte("before midnight\n"))
	require.NoError(t, err)

	r.mu.Lock()
	r.now = func() time.Time { return day.Add(2 * time.Minute) }
	r.mu.Unlock()
	_, err = r.Write([]byte("after midnight\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after midnight\n", string(data))
}

func TestFileRotatorCompressesAndPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 2, Compress: true})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := r.Write([]byte("generation\n"))
		require.NoError(t, err)
		require.NoError(t, r.Rotate())
		r.pending.Wait()
	}
	require.NoError(t, r.Close())

	rotated, err := filepath.Glob(filepath.Join(filepath.Dir(path), "test-*.log.gz"))
	require.NoError(t, err)
	assert.Len(t, rotated, 2)

	f, err := os.Open(rotated[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "generation\n", string(data))
}

func TestCrashHandlerRecovers(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Writer: &buf})
	require.NoError(t, err)

	crashed := make(chan CrashReport, 1)
	h := NewCrashHandler(CrashHandlerConfig{
		Dir:       t.TempDir(),
		Version:   "1.0.0",
		Component: "keyrelayd",
		Logger:    l.Logger,
		OnCrash:   func(r CrashReport) { crashed <- r },
	})

	h.Go("processor", func() { panic("boom") })

	select {
	case r := <-crashed:
		assert.Equal(t, "boom", r.PanicValue)
		assert.Equal(t, "processor", r.Goroutine)
		assert.Contains(t, r.StackTrace, "panic")
	case <-time.After(5 * time.Second):
		t.Fatal("panic not reported")
	}

	reports, err := h.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "1.0.0", reports[0].Version)
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestCrashHandlerRecoverInline(t *testing.T) {
	h := NewCrashHandler(CrashHandlerConfig{Dir: t.TempDir()})

	ran := false
	h.Recover("inline", func() {
		ran = true
		panic("again")
	})
	assert.True(t, ran)

	h.Recover("inline", func() {})
	reports, err := h.Reports()
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}
