// Package cmd is the pcodelift command line: a thin harness that drives an
// engine session over a file and prints what comes back.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	charmlog "github.com/charmbracelet/log"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	_ "pcodelift/internal/engine/a64lift"
	_ "pcodelift/internal/engine/x86lift"
	plog "pcodelift/internal/pcodelift/log"
)

// logger is set up before any subcommand runs. Sessions log through it.
var logger *charmlog.Logger

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")

	rootCmd.AddCommand(disasmCmd, pcodeCmd, infoCmd, viewCmd, logsCmd, schemaCmd)
}

var rootCmd = &cobra.Command{
	Use:   "pcodelift",
	Short: "Disassemble and lift machine code to p-code",
	Long: `pcodelift drives an instruction decoding engine over a binary or a raw code
blob. Each instruction is printed as assembly text and, on request, as the
micro-operations it lowers to.`,
	Example: `
# List the first instructions at an ELF entry point
pcodelift disasm ./a.out

# Lift raw AArch64 code loaded at 0x10000
pcodelift pcode --arch aarch64 --base 0x10000 code.bin

# Show the address spaces of the 32-bit x86 description
pcodelift info --arch x86
  `,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := ResolveCwd(cmd); err != nil {
			return err
		}
		debug, _ := cmd.Flags().GetBool("debug")
		logger = plog.Setup(debug).Logger
		return nil
	},
}

func Execute() {
	// fang renders help and errors as styled markdown, which only makes
	// sense on a terminal.
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		err := os.Chdir(cwd)
		if err != nil {
			return "", fmt.Errorf("failed to change directory: %v", err)
		}
		return cwd, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %v", err)
	}
	return cwd, nil
}
