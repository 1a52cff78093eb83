package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the branch state and staged rows",
		Run:   runStatus,
	}
	statusCmd.Flags().String("request-id", "", "Reconcile a bulk request whose outcome was unknown")

	commitCmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit the blocks staged with add",
		Run:   runCommit,
	}
	commitCmd.Flags().StringP("message", "m", "", "Commit message (required)")
	commitCmd.MarkFlagRequired("message")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the blocks staged with add",
		Run:   runReset,
	}

	RootCmd.AddCommand(statusCmd, commitCmd, resetCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	requestID, _ := cmd.Flags().GetString("request-id")

	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	snap, err := a.branches.Status(cmd.Context(), conn, requestID)
	if err != nil {
		exitErr("status", err)
	}
	printJSON(cmd.OutOrStdout(), snap)
}

func runCommit(cmd *cobra.Command, args []string) {
	msg, _ := cmd.Flags().GetString("message")

	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	out, err := a.branches.CommitIndex(cmd.Context(), conn, msg, a.cfg.Author)
	if err != nil {
		exitErr("commit", err)
	}
	printJSON(cmd.OutOrStdout(), out)
}

func runReset(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	n, err := a.branches.ResetIndex(cmd.Context(), conn)
	if err != nil {
		exitErr("reset", err)
	}
	printJSON(cmd.OutOrStdout(), map[string]any{"active_branch": a.branch(), "discarded": n})
}
