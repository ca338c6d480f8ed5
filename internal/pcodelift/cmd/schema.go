package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pcodelift/internal/archspec"
)

var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Generate JSON schema for architecture documents",
	Long:   "Generate the JSON schema accepted by --spec",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bts, err := archspec.Schema()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(bts))
		return nil
	},
}
