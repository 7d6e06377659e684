package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"keyrelay/internal/keystroke"
	"keyrelay/internal/scancode"
)

func newDevicesCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List detected keyboards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyboards, err := keystroke.ListKeyboards()
			if err != nil {
				return fmt.Errorf("list keyboards: %w", err)
			}
			return writeDevices(cmd.OutOrStdout(), keyboards, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeDevices(w io.Writer, keyboards []keystroke.KeyboardDevice, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(keyboards)
	}
	if len(keyboards) == 0 {
		_, err := fmt.Fprintln(w, "No keyboards found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tID\tCONNECTION\tNAME")
	for _, kb := range keyboards {
		fmt.Fprintf(tw, "%s\t%04x:%04x\t%s\t%s\n",
			kb.EventPath, kb.VendorID, kb.ProductID, kb.ConnectionType, kb.Name)
	}
	return tw.Flush()
}

func newKeymapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keymap",
		Short: "Print the unshifted and shifted layout tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeKeymap(cmd.OutOrStdout())
		},
	}
}

func writeKeymap(w io.Writer) error {
	unshifted, shifted := scancode.Unshifted(), scancode.Shifted()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tUNSHIFTED\tSHIFTED")
	for i := range unshifted {
		code := byte(i)
		u, uok := unshifted.Lookup(code)
		s, sok := shifted.Lookup(code)
		if !uok && !sok {
			continue
		}
		fmt.Fprintf(tw, "0x%02X\t%s\t%s\n", code, keyLabel(u, uok), keyLabel(s, sok))
	}
	return tw.Flush()
}

// keyLabel names a layout entry for display.
func keyLabel(b byte, ok bool) string {
	if !ok {
		return "-"
	}
	switch b {
	case scancode.Escape:
		return "ESC"
	case scancode.Backspace:
		return "BS"
	case '\t':
		return "TAB"
	case '\n':
		return "ENTER"
	case ' ':
		return "SPACE"
	}
	if b < 0x20 || b == 0x7f {
		return fmt.Sprintf("0x%02X", b)
	}
	return string(rune(b))
}
