// keyrelayd hosts the keyrelay engine: it reads keyboard scancodes, decodes
// them into characters and command tokens, and hands the output to a
// single consumer over a unix socket.
//
//	keyrelayd run       Start the daemon
//	keyrelayd devices   List detected keyboards
//	keyrelayd keymap    Print the layout tables
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"keyrelay/internal/cli"
)

// Version is set at build time.
var Version = "dev"

// rootOptions holds the persistent flags.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "keyrelayd",
		Short:         "Keyboard scancode relay daemon",
		Long:          "keyrelayd decodes keyboard scancodes and relays them, with record and playback, to one consumer.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newDevicesCommand())
	cmd.AddCommand(newKeymapCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keyrelayd: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
