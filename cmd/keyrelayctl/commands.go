package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"keyrelay/internal/cli"
	"keyrelay/internal/console"
	"keyrelay/internal/ipc"
)

func newListenCommand(root *rootOptions) *cobra.Command {
	var notify bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Consume the engine output and print it",
		Long: `Become the daemon's consumer and print every unit as it arrives.

Characters go to stdout, backspace erases, command markers such as
[record start] go to stderr. ESC ends the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := root.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			opts := []console.Option{console.WithLogger(root.logger())}
			if notify {
				n, err := console.NewDBusNotifier("keyrelay")
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "notifications disabled: %v\n", err)
				} else {
					defer n.Close()
					opts = append(opts, console.WithNotifier(n))
				}
			}

			r := console.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts...)
			return listen(ctx, r, client)
		},
	}
	cmd.Flags().BoolVar(&notify, "notify", false, "show command markers as desktop notifications")
	return cmd
}

// listen runs the console loop and maps its failures to exit codes. An
// interrupt is a normal end.
func listen(ctx context.Context, r *console.Renderer, src console.UnitSource) error {
	err := r.Run(ctx, src)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, ipc.ErrConsumerBusy):
		return cli.WrapExitError(cli.ExitConsumerBusy, "listen", err)
	case errors.Is(err, ipc.ErrConnectionLost), errors.Is(err, ipc.ErrNotConnected):
		return cli.WrapExitError(cli.ExitNotRunning, "listen", err)
	default:
		return cli.WrapExitError(cli.ExitFailure, "listen", err)
	}
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return writeStatus(cmd.OutOrStdout(), status, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeStatus(w io.Writer, s *ipc.StatusResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	e := s.Engine
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Version:\t%s\n", s.Version)
	fmt.Fprintf(tw, "Uptime:\t%s\n", s.Uptime.Truncate(time.Second))
	fmt.Fprintf(tw, "Source:\t%s (%d scancodes)\n", s.Source, s.SourceCount)
	fmt.Fprintf(tw, "Consumer:\t%s\n", attachedLabel(s.ConsumerAttached))
	fmt.Fprintf(tw, "Queue:\t%d/%d (%d dropped)\n", e.QueueLen, e.QueueCap, e.QueueDropped)
	fmt.Fprintf(tw, "Recording:\t%t (flatten %t, reverse %t, %d/%d bytes, %d dropped)\n",
		e.State.Recording, e.State.Flatten, e.State.Reverse, e.RecordLen, e.RecordCap, e.RecordDropped)
	fmt.Fprintf(tw, "Units:\t%d emitted, %d delivered, %d playbacks\n", e.Emitted, e.Delivered, e.Playbacks)
	return tw.Flush()
}

func attachedLabel(attached bool) string {
	if attached {
		return "attached"
	}
	return "none"
}

func newPingCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			rtt, err := client.Ping(cmd.Context())
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from keyrelayd %s in %s\n", client.ServerVersion(), rtt.Round(time.Microsecond))
			return nil
		},
	}
}
