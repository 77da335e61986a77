package cli

import (
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check the bot's permissions and role position in the guild",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Audit(cmd.Context(), cmd.OutOrStdout())
	},
}
