package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if err := a.ShowConfig(cmd.OutOrStdout()); err != nil {
			return err
		}
		if err := a.Config.Validate(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "configuration is not valid: %v\n", err)
		}
		return nil
	},
}
