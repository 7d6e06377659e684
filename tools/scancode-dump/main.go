// Command scancode-dump prints the set-1 scancodes a keyboard produces and
// what the engine's decoder makes of each one.
//
// Usage:
//
//	scancode-dump                       read every keyboard (needs access to /dev/input)
//	scancode-dump --device /dev/input/event3 --grab
//	scancode-dump --script 'Hi{record}x{playback}'
//
// Live mode runs until interrupted with Ctrl+C.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"keyrelay/internal/keystroke"
	"keyrelay/internal/scancode"
)

type options struct {
	Devices []string
	Grab    bool
	Script  string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scancode-dump: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "scancode-dump",
		Short:         "Print raw scancodes and their decoded tokens",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Script != "" {
				codes, err := scancode.ForScript(opts.Script)
				if err != nil {
					return err
				}
				d := newDumper(cmd.OutOrStdout())
				for _, c := range codes {
					d.Feed(c)
				}
				return nil
			}
			return live(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Devices, "device", nil, "event device to read (repeatable)")
	cmd.Flags().BoolVar(&opts.Grab, "grab", false, "take exclusive ownership of the devices")
	cmd.Flags().StringVar(&opts.Script, "script", "", "decode the scancodes of a script instead of reading devices")
	return cmd
}

func live(ctx context.Context, out, diag io.Writer, opts *options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := newDumper(out)
	src := keystroke.New(keystroke.SinkFunc(func(c scancode.ScanCode) error {
		d.Feed(c)
		return nil
	}), keystroke.Options{Devices: opts.Devices, Grab: opts.Grab})

	if ok, reason := src.Available(); !ok {
		return fmt.Errorf("%w: %s", keystroke.ErrNotAvailable, reason)
	}
	if err := src.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(diag, "reading scancodes, Ctrl+C to stop")
	<-ctx.Done()
	if err := src.Stop(); err != nil {
		return err
	}
	fmt.Fprintf(diag, "%d scancodes\n", src.Count())
	return nil
}

// dumper runs scancodes through a private decoder and prints one line per
// code. Sources may feed from several device goroutines.
type dumper struct {
	mu       sync.Mutex
	out      io.Writer
	pipeline scancode.Pipeline
}

func newDumper(out io.Writer) *dumper {
	return &dumper{out: out}
}

func (d *dumper) Feed(c scancode.ScanCode) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tok, ok := d.pipeline.Translate(c)
	result := "-"
	if ok {
		result = tok.String()
	}
	fmt.Fprintf(d.out, "0x%02x  %-16s %-6s %s\n", byte(c), c, modString(d.pipeline.Modifiers()), result)
}

func modString(m scancode.ModifierState) string {
	s := []byte("---")
	if m.LeftShift {
		s[0] = 'S'
	}
	if m.RightShift {
		s[1] = 'S'
	}
	if m.LeftControl {
		s[2] = 'C'
	}
	return string(s)
}
