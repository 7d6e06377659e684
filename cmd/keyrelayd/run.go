package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"keyrelay/internal/cli"
	"keyrelay/internal/config"
	"keyrelay/internal/logging"
)

type runOptions struct {
	Script  string
	Devices []string
	NoGrab  bool
	PIDFile string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		Long: `Start the engine, the scancode source and the consumer socket.

With --script the daemon types TEXT instead of reading a keyboard. Chords
are written in braces: {record} {reverse} {flatten} {playback} {bs} {esc}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Script, "script", "", "type TEXT instead of reading a keyboard")
	cmd.Flags().StringSliceVar(&opts.Devices, "device", nil, "evdev device to read (repeatable)")
	cmd.Flags().BoolVar(&opts.NoGrab, "no-grab", false, "do not take the keyboards exclusively")
	cmd.Flags().StringVar(&opts.PIDFile, "pidfile", config.GetDefaultPaths().PIDFile, "single-instance lock file")
	return cmd
}

// loadRunConfig reads the config file and applies the command line on top.
func loadRunConfig(loader *config.Loader, root *rootOptions, opts *runOptions) (*config.Config, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	if opts.Script != "" {
		cfg.Source.Kind = config.SourceScript
		cfg.Source.Script = opts.Script
	}
	if len(opts.Devices) > 0 {
		cfg.Source.Kind = config.SourceEvdev
		cfg.Source.Devices = opts.Devices
	}
	if opts.NoGrab {
		cfg.Source.Grab = false
	}
	if root.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loggingConfig maps the logging section onto the logger's options.
func loggingConfig(cfg *config.Config) (*logging.Config, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.Compress = cfg.Logging.Compress
	return lc, nil
}

func runDaemon(ctx context.Context, root *rootOptions, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loader := config.NewLoader(root.ConfigPath)
	defer loader.Close()

	cfg, err := loadRunConfig(loader, root, opts)
	if err != nil {
		return cli.WrapExitError(cli.ExitUsage, "load config", err)
	}

	lc, err := loggingConfig(cfg)
	if err != nil {
		return cli.WrapExitError(cli.ExitUsage, "logging config", err)
	}
	logger, err := logging.New(lc)
	if err != nil {
		return cli.WrapExitError(cli.ExitUsage, "start logging", err)
	}
	defer logger.Close()

	pid, err := AcquirePIDFile(opts.PIDFile)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return cli.WrapExitError(cli.ExitAlreadyRunning, "pidfile "+opts.PIDFile, err)
		}
		return err
	}
	defer pid.Release()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{
		Version:   Version,
		Component: "keyrelayd",
		Logger:    logger.Logger,
		OnCrash:   func(logging.CrashReport) { stop() },
	})

	daemon, err := NewDaemon(cfg, logger, crash)
	if err != nil {
		return cli.WrapExitError(cli.ExitUsage, "build daemon", err)
	}
	if err := daemon.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	defer daemon.Stop()

	loader.OnChange(daemon.ApplyConfig)
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("ready", slog.Int("pid", os.Getpid()), slog.String("config", loader.Path()))
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-hup:
			if err := logger.Rotate(); err != nil {
				logger.Warn("log rotation failed", slog.String("error", err.Error()))
			} else {
				logger.Info("log rotated")
			}
		case err := <-loader.Errors():
			logger.Warn("config reload rejected", slog.String("error", err.Error()))
		}
	}
}
