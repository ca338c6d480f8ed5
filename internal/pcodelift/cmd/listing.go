package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pcodelift/internal/disasm"
	"pcodelift/internal/engine"
	"pcodelift/internal/pcodelift/styles"
	"pcodelift/internal/ui/colorize"
)

const maxShownBytes = 8

var disasmCmd = &cobra.Command{
	Use:   "disasm FILE",
	Short: "Linear-sweep disassembly listing",
	Example: `
pcodelift disasm ./a.out --addr main -n 20
pcodelift disasm --arch x86 --set addrsize=0 --set opsize=0 boot.bin
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListing(cmd, args[0], false)
	},
}

var pcodeCmd = &cobra.Command{
	Use:   "pcode FILE",
	Short: "Listing with the micro-operations of every instruction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListing(cmd, args[0], true)
	},
}

func init() {
	addTargetFlags(disasmCmd)
	addTargetFlags(pcodeCmd)
}

func runListing(cmd *cobra.Command, path string, pcode bool) error {
	t, err := openTarget(cmd, path)
	if err != nil {
		return err
	}
	defer t.Close()

	stream, err := t.sweeper(pcode).Run(cmd.Context(), t.start, t.count)
	writeListing(cmd.OutOrStdout(), t, stream, pcode, useColor(cmd))
	return err
}

// writeListing prints one line per instruction, preceded by its label and
// followed, when pcode is set, by its micro-operations.
func writeListing(w io.Writer, t *target, stream disasm.Stream, pcode, color bool) {
	paint := func(s string, style func(...string) string) string {
		if !color {
			return s
		}
		return style(s)
	}
	for i, inst := range stream {
		if inst.Label != "" {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintln(w, paint(inst.Label+":", styles.Label.Render))
		}
		text := inst.Text
		if color {
			text = colorize.Line(t.processor(), text)
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			paint(fmt.Sprintf("%08x", inst.VA), styles.Address.Render),
			paint(fmt.Sprintf("%-*s", 3*maxShownBytes-1, hexBytes(inst.Raw)), styles.Bytes.Render),
			text)
		if !pcode || inst.Bad {
			continue
		}
		if inst.Err != nil {
			fmt.Fprintf(w, "    %s\n", paint(describeFailure(inst.Err), styles.Problem.Render))
			continue
		}
		for _, op := range inst.Ops {
			fmt.Fprintf(w, "    %s\n", paint(disasm.FormatOp(t.session, op), styles.Pcode.Render))
		}
	}
}

func hexBytes(raw []byte) string {
	var b strings.Builder
	for i, c := range raw {
		if i == maxShownBytes {
			b.WriteString("..")
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}

func describeFailure(err error) string {
	if errors.Is(err, engine.ErrUnimplemented) {
		return "; no p-code for this instruction"
	}
	return "; " + err.Error()
}
