package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/bulk"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm [id...]",
		Short: "Delete blocks in one commit",
		Long:  "Delete blocks with their tags, chunks, outgoing links and the links pointing at them.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRm,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (default: default_namespace from config)")
	cmd.Flags().StringP("message", "m", "", "Commit message")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	msg, _ := cmd.Flags().GetString("message")

	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	res, err := a.bulk.DeleteBlocks(cmd.Context(), conn, bulk.DeleteRequest{IDs: args, Namespace: ns, Message: msg})
	printBulk(cmd, bulk.OpDelete, res, err)
}
