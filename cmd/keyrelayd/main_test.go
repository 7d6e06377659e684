package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/internal/config"
	"keyrelay/internal/ipc"
	"keyrelay/internal/keystroke"
	"keyrelay/internal/logging"
	"keyrelay/internal/scancode"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))
	for _, key := range []string{"CONFIG", "SOURCE", "SCRIPT", "DEVICES", "GRAB", "SOCKET_PATH",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_PATH", "METRICS_LISTEN", "QUEUE_CAPACITY", "RECORD_CAPACITY"} {
		t.Setenv(config.EnvPrefix+key, "")
	}
	return dir
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	lc := logging.DefaultConfig()
	lc.Writer = io.Discard
	logger, err := logging.New(lc)
	require.NoError(t, err)
	return logger
}

func startDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{Dir: t.TempDir()})
	d, err := NewDaemon(cfg, testLogger(t), crash)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop() })
	return d
}

func connect(t *testing.T, socket, name string) *ipc.IPCClient {
	t.Helper()
	c := ipc.NewClient(ipc.ClientConfig{
		SocketPath:     socket,
		ClientName:     name,
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDaemonRelaysScript(t *testing.T) {
	dir := isolate(t)

	cfg := config.DefaultConfig()
	cfg.Source.Kind = config.SourceScript
	cfg.Source.Script = "ab{record}cd{reverse}{playback}"
	cfg.Source.IntervalMs = 1
	cfg.IPC.SocketPath = filepath.Join(dir, "k.sock")
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"

	d := startDaemon(t, cfg)
	client := connect(t, d.SocketPath(), "listener")

	want := []byte{'a', 'b', scancode.ByteRecordStart, scancode.ByteReverse, scancode.BytePlayback, 'd', 'c'}
	var got []byte
	for range want {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		u, err := client.NextUnit(ctx)
		cancel()
		require.NoError(t, err)
		got = append(got, u.Value)
	}
	assert.Equal(t, want, got)

	codes, err := scancode.ForScript(cfg.Source.Script)
	require.NoError(t, err)
	var status *ipc.StatusResponse
	require.Eventually(t, func() bool {
		status, err = client.Status(context.Background())
		return err == nil && status.SourceCount == uint64(len(codes)) &&
			status.Engine.Delivered == uint64(len(want))
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, config.SourceScript, status.Source)
	assert.True(t, status.ConsumerAttached)
	assert.Equal(t, uint64(len(codes)), status.Engine.Fed)

	t.Run("second consumer refused", func(t *testing.T) {
		other := connect(t, d.SocketPath(), "intruder")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := other.NextUnit(ctx)
		assert.ErrorIs(t, err, ipc.ErrConsumerBusy)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get("http://" + d.MetricsAddr() + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "keyrelay_units_delivered_total 7")
		assert.Contains(t, string(body), "keyrelay_consumer_attached 1")
	})

	t.Run("ready", func(t *testing.T) {
		resp, err := http.Get("http://" + d.MetricsAddr() + "/readyz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestDaemonStopWakesConsumer(t *testing.T) {
	dir := isolate(t)

	cfg := config.DefaultConfig()
	cfg.Source.Kind = config.SourceSimulated
	cfg.IPC.SocketPath = filepath.Join(dir, "k.sock")

	d := startDaemon(t, cfg)
	client := connect(t, d.SocketPath(), "listener")

	errCh := make(chan error, 1)
	go func() {
		_, err := client.NextUnit(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		st, err := client.Status(context.Background())
		return err == nil && st.ConsumerAttached
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop())
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer still blocked after stop")
	}
	assert.NoError(t, d.Stop(), "second stop is a no-op")
}

func TestDaemonSimulatedInjection(t *testing.T) {
	dir := isolate(t)

	cfg := config.DefaultConfig()
	cfg.Source.Kind = config.SourceSimulated
	cfg.IPC.Enabled = false
	cfg.IPC.SocketPath = filepath.Join(dir, "k.sock")

	d := startDaemon(t, cfg)
	assert.Empty(t, d.SocketPath())

	sim, ok := d.Source().(*keystroke.SimulatedSource)
	require.True(t, ok)
	require.NoError(t, sim.Type("hi"))

	for _, want := range []byte("hi") {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		tok, err := d.Engine().Take(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, want, tok.Byte())
	}
}

func TestApplyConfigChangesLevel(t *testing.T) {
	dir := isolate(t)

	cfg := config.DefaultConfig()
	cfg.Source.Kind = config.SourceSimulated
	cfg.IPC.SocketPath = filepath.Join(dir, "k.sock")
	d := startDaemon(t, cfg)

	next := cfg.Clone()
	next.Logging.Level = "debug"
	d.ApplyConfig(cfg, next)
	assert.Equal(t, logging.LevelDebug, d.logger.Level())

	bad := next.Clone()
	bad.Logging.Level = "loud"
	d.ApplyConfig(next, bad)
	assert.Equal(t, logging.LevelDebug, d.logger.Level(), "invalid level is ignored")
}

func TestNewDaemonRejectsBadScript(t *testing.T) {
	isolate(t)

	cfg := config.DefaultConfig()
	cfg.Source.Kind = config.SourceScript
	cfg.Source.Script = "{nope}"

	_, err := NewDaemon(cfg, testLogger(t), logging.NewCrashHandler(logging.CrashHandlerConfig{Dir: t.TempDir()}))
	assert.Error(t, err)
}

func TestLoadRunConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[source]\nkind = \"evdev\"\ngrab = true\n\n[logging]\nlevel = \"warn\"\n"), 0600))

	loader := config.NewLoader(path)
	cfg, err := loadRunConfig(loader, &rootOptions{Verbose: true}, &runOptions{Script: "hello", NoGrab: true})
	require.NoError(t, err)

	assert.Equal(t, config.SourceScript, cfg.Source.Kind)
	assert.Equal(t, "hello", cfg.Source.Script)
	assert.False(t, cfg.Source.Grab)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "warn", loader.Config().Logging.Level, "flags do not leak into the loaded file config")

	_, err = loadRunConfig(loader, &rootOptions{}, &runOptions{Devices: []string{"relative/event0"}})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoggingConfig(t *testing.T) {
	isolate(t)
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 3

	lc, err := loggingConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, int64(3), lc.MaxSize)
	assert.Equal(t, "keyrelayd", lc.Component)
}

func TestPIDFileIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "keyrelayd.pid")

	first, err := AcquirePIDFile(path)
	require.NoError(t, err)

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = AcquirePIDFile(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, first.Release())
	again, err := AcquirePIDFile(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestKeymapCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keymap"})
	require.NoError(t, cmd.Execute())

	lines := bytes.Split(out.Bytes(), []byte("\n"))
	assert.Regexp(t, `^CODE\s+UNSHIFTED\s+SHIFTED`, string(lines[0]))
	assert.Regexp(t, `(?m)^0x01\s+ESC\s+ESC\s*$`, out.String())
	assert.Regexp(t, `(?m)^0x1E\s+a\s+A\s*$`, out.String())
	assert.Regexp(t, `(?m)^0x0E\s+BS\s+BS\s*$`, out.String())
}

func TestWriteDevices(t *testing.T) {
	keyboards := []keystroke.KeyboardDevice{{
		VendorID:  0x046d,
		ProductID: 0xc31c,
		Name:      "Logitech USB Keyboard",
		EventPath: "/dev/input/event3",
	}}

	var text bytes.Buffer
	require.NoError(t, writeDevices(&text, keyboards, false))
	assert.Contains(t, text.String(), "/dev/input/event3")
	assert.Contains(t, text.String(), "046d:c31c")

	var js bytes.Buffer
	require.NoError(t, writeDevices(&js, keyboards, true))
	var decoded []keystroke.KeyboardDevice
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, keyboards, decoded)

	var empty bytes.Buffer
	require.NoError(t, writeDevices(&empty, nil, false))
	assert.Equal(t, "No keyboards found.\n", empty.String())
}
