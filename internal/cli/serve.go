package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/tools"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the block tools over MCP on stdio",
		Run:   runServe,
	}

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	srv := tools.New(tools.Deps{
		Store:         a.store,
		Bulk:          a.bulk,
		Branches:      a.branches,
		Logger:        a.log,
		DefaultBranch: a.branch(),
		Author:        a.cfg.Author,
		Version:       Version,
	})
	defer srv.Close()

	if err := srv.ServeStdio(); err != nil {
		exitErr("serve", err)
	}
}
