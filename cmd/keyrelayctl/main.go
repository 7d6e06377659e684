// keyrelayctl talks to a running keyrelayd.
//
//	keyrelayctl listen   Consume the engine output and print it
//	keyrelayctl status   Show daemon state and counters
//	keyrelayctl ping     Check that the daemon answers
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"keyrelay/internal/cli"
	"keyrelay/internal/config"
	"keyrelay/internal/ipc"
	"keyrelay/internal/logging"
)

// Version is set at build time.
var Version = "dev"

type rootOptions struct {
	ConfigPath string
	SocketPath string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "keyrelayctl",
		Short:         "Control client for keyrelayd",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.SocketPath, "socket", "", "daemon socket (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newListenCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newPingCommand(opts))
	return cmd
}

// socketPath resolves the daemon socket from the flag or the config file.
func (o *rootOptions) socketPath() (string, error) {
	if o.SocketPath != "" {
		return o.SocketPath, nil
	}
	path := o.ConfigPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", cli.WrapExitError(cli.ExitUsage, "load config", err)
	}
	return cfg.IPC.SocketPath, nil
}

func (o *rootOptions) logger() *slog.Logger {
	if !o.Verbose {
		return logging.Discard()
	}
	lc := logging.DefaultConfig()
	lc.Level = logging.LevelDebug
	lc.Component = "keyrelayctl"
	l, err := logging.New(lc)
	if err != nil {
		return logging.Discard()
	}
	return l.Logger
}

// dial connects to the daemon.
func (o *rootOptions) dial() (*ipc.IPCClient, error) {
	socket, err := o.socketPath()
	if err != nil {
		return nil, err
	}
	cfg := ipc.DefaultClientConfig("")
	cfg.SocketPath = socket
	cfg.ClientVersion = Version
	cfg.Logger = o.logger()

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, cli.WrapExitError(cli.ExitNotRunning, "no daemon at "+socket, err)
		}
		return nil, cli.WrapExitError(cli.ExitNotRunning, "connect", err)
	}
	return client, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keyrelayctl: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
