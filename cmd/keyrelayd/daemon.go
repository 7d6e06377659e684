package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"keyrelay/internal/config"
	"keyrelay/internal/engine"
	"keyrelay/internal/health"
	"keyrelay/internal/ipc"
	"keyrelay/internal/keystroke"
	"keyrelay/internal/logging"
	"keyrelay/internal/metrics"
	"keyrelay/internal/security"
)

// Daemon hosts the engine, its scancode source, the consumer socket and
// the optional metrics endpoint.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger
	crash  *logging.CrashHandler

	engine  *engine.Engine
	source  keystroke.Source
	watcher *keystroke.DeviceWatcher
	handler *ipc.EngineHandler
	server  *ipc.Server

	metrics    *metrics.KeyrelayMetrics
	metricsSrv *metrics.Server
	checker    *health.Checker

	ctx       context.Context
	cancel    context.CancelFunc
	sourceMu  sync.Mutex
	startedAt time.Time
	stopOnce  sync.Once
}

// NewDaemon wires the parts described by cfg. Nothing runs until Start.
func NewDaemon(cfg *config.Config, logger *logging.Logger, crash *logging.CrashHandler) (*Daemon, error) {
	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		crash:     crash,
		checker:   health.NewChecker(),
		startedAt: time.Now(),
	}
	d.metrics = metrics.NewKeyrelayMetrics(nil)

	d.engine = engine.New(engine.Options{
		QueueCapacity:  cfg.Engine.QueueCapacity,
		RecordCapacity: cfg.Engine.RecordCapacity,
		Logger:         logger.Logger,
		OnHandoff:      d.metrics.ObserveHandoff,
	})

	src, err := newSource(cfg, d.engine, logger.Logger)
	if err != nil {
		d.engine.Close()
		return nil, err
	}
	d.source = src

	d.handler = ipc.NewEngineHandler(ipc.EngineHandlerConfig{
		Engine:      d.engine,
		Version:     Version,
		Source:      cfg.Source.Kind,
		SourceCount: d.sourceCount,
		Logger:      logger.Logger,
	})

	d.metrics.Bind(metrics.Sources{
		Engine:           d.engine.Stats,
		SourceCount:      d.sourceCount,
		ConsumerAttached: d.handler.ConsumerAttached,
		StartedAt:        d.startedAt,
	})
	return d, nil
}

// newSource builds the scancode source cfg asks for, feeding eng.
func newSource(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) (keystroke.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceEvdev:
		return keystroke.New(eng, keystroke.Options{
			Devices: cfg.Source.Devices,
			Grab:    cfg.Source.Grab,
			Logger:  logger,
		}), nil
	case config.SourceScript:
		return keystroke.NewScript(eng, cfg.Source.Script, cfg.ScriptInterval())
	case config.SourceSimulated:
		return keystroke.NewSimulated(eng), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func (d *Daemon) sourceCount() uint64 {
	d.sourceMu.Lock()
	defer d.sourceMu.Unlock()
	return d.source.Count()
}

// Start brings up the socket, the source and, when enabled, the metrics
// endpoint. On error everything started so far is stopped again.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	if ok, reason := d.source.Available(); !ok {
		return fmt.Errorf("%w: %s", keystroke.ErrNotAvailable, reason)
	}

	if d.cfg.IPC.Enabled {
		d.server, err = ipc.NewServer(ipc.ServerConfig{
			SocketPath:      d.cfg.IPC.SocketPath,
			Version:         Version,
			ReadTimeout:     d.cfg.IPCTimeout(),
			WriteTimeout:    10 * time.Second,
			MaxConnections:  d.cfg.IPC.MaxConnections,
			RequireSameUser: d.cfg.IPC.RequireSameUser,
			SocketMode:      d.cfg.SocketMode(),
			AcceptRate:      20,
			AcceptBurst:     8,
			RejectBackoff:   time.Second,
			Logger:          d.logger.Logger,
		}, d.handler)
		if err != nil {
			return fmt.Errorf("create ipc server: %w", err)
		}
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("start ipc server: %w", err)
		}
	}

	if err := d.source.Start(d.ctx); err != nil {
		return fmt.Errorf("start source: %w", err)
	}
	if script, ok := d.source.(*keystroke.ScriptSource); ok {
		d.crash.Go("script-done", func() { d.awaitScript(script) })
	}

	if d.cfg.Source.Kind == config.SourceEvdev && d.cfg.Source.WatchDevices {
		d.watcher = keystroke.NewDeviceWatcher(keystroke.DevInputDir, keystroke.ListKeyboards, d.logger.Logger)
		if err := d.watcher.Start(d.onDeviceEvent); err != nil {
			d.logger.Warn("device watcher unavailable", slog.String("error", err.Error()))
			d.watcher = nil
		}
	}

	d.registerChecks()

	if d.cfg.Metrics.Enabled {
		d.metricsSrv, err = metrics.NewServer(d.cfg.Metrics.Listen, d.metrics.Registry(), d.checker, d.logger.Logger)
		if err != nil {
			return err
		}
		d.metricsSrv.Start()
	}

	d.checker.SetReady(true)
	d.logger.Info("keyrelayd started",
		slog.String("version", Version),
		slog.String("source", d.cfg.Source.Kind),
		slog.String("socket", d.SocketPath()),
		slog.Int("queue_capacity", d.cfg.Engine.QueueCapacity),
	)
	return nil
}

func (d *Daemon) registerChecks() {
	d.checker.RegisterFunc("source", true, health.CustomCheck(func() error {
		if ok, reason := d.source.Available(); !ok {
			return errors.New(reason)
		}
		return nil
	}))
	d.checker.RegisterFunc("queue", false, health.GrowthCheck("dropped", func() uint64 {
		return d.engine.Stats().QueueDropped
	}))
	d.checker.RegisterFunc("record", false, health.GrowthCheck("dropped", func() uint64 {
		return d.engine.Stats().RecordDropped
	}))
	if d.server != nil {
		d.checker.RegisterFunc("ipc", true, health.CustomCheck(func() error {
			if !ipc.IsSocketListening(d.server.SocketPath()) {
				return fmt.Errorf("socket %s not accepting", d.server.SocketPath())
			}
			return security.VerifyMode(d.server.SocketPath(), d.cfg.SocketMode())
		}))
	}
}

func (d *Daemon) awaitScript(script *keystroke.ScriptSource) {
	select {
	case <-script.Done():
	case <-d.ctx.Done():
		return
	}
	if err := script.Err(); err != nil {
		d.logger.Warn("script stopped early", slog.String("error", err.Error()))
		return
	}
	d.logger.Info("script finished", slog.Int("scancodes", script.Len()))
}

// onDeviceEvent restarts the evdev source so a new keyboard is read and
// grabbed. An explicit device list is left alone.
func (d *Daemon) onDeviceEvent(dev keystroke.KeyboardDevice, ev keystroke.DeviceEventType) {
	if len(d.cfg.Source.Devices) > 0 || d.ctx.Err() != nil {
		return
	}
	d.crash.Recover("device-restart", func() {
		d.sourceMu.Lock()
		defer d.sourceMu.Unlock()

		if err := d.source.Stop(); err != nil {
			d.logger.Warn("stop source", slog.String("error", err.Error()))
		}
		if err := d.source.Start(d.ctx); err != nil {
			d.logger.Error("restart source", slog.String("device", dev.EventPath),
				slog.String("event", ev.String()), slog.String("error", err.Error()))
			return
		}
		d.logger.Info("source restarted", slog.String("device", dev.EventPath), slog.String("event", ev.String()))
	})
}

// ApplyConfig takes the parts of a reloaded configuration that can change
// at runtime. Everything else needs a restart.
func (d *Daemon) ApplyConfig(prev, next *config.Config) {
	if next.Logging.Level != prev.Logging.Level {
		level, err := logging.ParseLevel(next.Logging.Level)
		if err != nil {
			d.logger.Warn("ignoring log level", slog.String("level", next.Logging.Level))
		} else {
			d.logger.SetLevel(level)
			d.logger.Info("log level changed", slog.String("level", next.Logging.Level))
		}
	}

	var restart []string
	if next.Engine != prev.Engine {
		restart = append(restart, "engine")
	}
	if next.Source.Kind != prev.Source.Kind || next.Source.Script != prev.Source.Script ||
		next.Source.Grab != prev.Source.Grab || !slices.Equal(next.Source.Devices, prev.Source.Devices) {
		restart = append(restart, "source")
	}
	if next.IPC != prev.IPC {
		restart = append(restart, "ipc")
	}
	if next.Metrics != prev.Metrics {
		restart = append(restart, "metrics")
	}
	if len(restart) > 0 {
		d.logger.Warn("configuration change needs a restart", slog.Any("sections", restart))
	}
}

// SocketPath returns the consumer socket, or "" with IPC disabled.
func (d *Daemon) SocketPath() string {
	if d.server != nil {
		return d.server.SocketPath()
	}
	return ""
}

// MetricsAddr returns the bound metrics address, or "".
func (d *Daemon) MetricsAddr() string {
	if d.metricsSrv != nil {
		return d.metricsSrv.Addr()
	}
	return ""
}

// Engine exposes the engine for in-process consumers.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Source exposes the scancode source.
func (d *Daemon) Source() keystroke.Source {
	return d.source
}

// Stop shuts everything down in reverse order. It is safe to call twice.
func (d *Daemon) Stop() error {
	var errs []error
	d.stopOnce.Do(func() {
		d.checker.SetReady(false)
		if d.cancel != nil {
			d.cancel()
		}
		if d.watcher != nil {
			errs = append(errs, d.watcher.Stop())
		}
		d.sourceMu.Lock()
		errs = append(errs, d.source.Stop())
		d.sourceMu.Unlock()

		if d.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			errs = append(errs, d.metricsSrv.Shutdown(ctx))
			cancel()
		}
		// Closing the engine first wakes consumers blocked in NextUnit.
		errs = append(errs, d.engine.Close())
		if d.server != nil {
			errs = append(errs, d.server.Stop())
		}

		stats := d.engine.Stats()
		d.logger.Info("keyrelayd stopped",
			slog.Uint64("fed", stats.Fed),
			slog.Uint64("delivered", stats.Delivered),
			slog.Uint64("queue_dropped", stats.QueueDropped),
		)
	})
	return errors.Join(errs...)
}
