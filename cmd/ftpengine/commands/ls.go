package commands

import (
	"github.com/spf13/cobra"
)

var lsRefresh bool

var lsCmd = &cobra.Command{
	Use:   "ls URL",
	Short: "List a remote directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(c *client, dir string) error {
			return c.run(cmd.Context(), c.engine.List(dir, "", lsRefresh))
		})
	},
}

func init() {
	lsCmd.Flags().BoolVar(&lsRefresh, "refresh", false, "always fetch from the server")
}
