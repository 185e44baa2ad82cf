package commands

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"
)

var onExists string

var getCmd = &cobra.Command{
	Use:   "get URL [LOCAL]",
	Short: "Download a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := parseAction(onExists)
		if err != nil {
			return err
		}

		return withSession(cmd, args[0], func(c *client, remote string) error {
			dir, name := splitRemote(remote)
			if name == "" {
				return fmt.Errorf("no file name in %q", args[0])
			}
			local := name
			if len(args) == 2 {
				local = args[1]
			}

			c.onExists = action
			return c.run(cmd.Context(), c.engine.Transfer(local, dir, name, true))
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put LOCAL URL",
	Short: "Upload a file",
	Long: `Upload LOCAL to URL. A URL ending in "/" names the target directory and
keeps the local file name.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := parseAction(onExists)
		if err != nil {
			return err
		}

		local := args[0]
		return withSession(cmd, args[1], func(c *client, remote string) error {
			dir, name := splitRemote(remote)
			if name == "" {
				name = filepath.Base(local)
			}

			c.onExists = action
			return c.run(cmd.Context(), c.engine.Transfer(local, dir, name, false))
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{getCmd, putCmd} {
		cmd.Flags().StringVar(&onExists, "on-exists", "overwrite", "when the target exists: overwrite, resume or skip")
	}
}

// splitRemote splits a URL path into a clean directory and a file name.
func splitRemote(remote string) (dir, name string) {
	dir, name = path.Split(remote)
	if dir != "" {
		dir = path.Clean(dir)
	}
	return dir, name
}
