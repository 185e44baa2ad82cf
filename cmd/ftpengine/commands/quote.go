package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

var quoteCmd = &cobra.Command{
	Use:   "quote URL COMMAND...",
	Short: "Send a raw command to the server",
	Example: `  ftpengine quote ftp://ftp.example.com SITE CHMOD 644 file.txt
  FTPENGINE_LOGGING_LEVEL=INFO ftpengine quote ftp://ftp.example.com NOOP`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(c *client, _ string) error {
			return c.run(cmd.Context(), c.engine.RawCommand(strings.Join(args[1:], " ")))
		})
	},
}
