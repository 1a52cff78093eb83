package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/bulk"
)

func init() {
	nsCmd := &cobra.Command{
		Use:   "ns",
		Short: "Namespace management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the branch's namespaces",
		Run:   runNSList,
	}

	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a namespace",
		Args:  cobra.ExactArgs(1),
		Run:   runNSCreate,
	}
	createCmd.Flags().String("desc", "", "Description")

	moveCmd := &cobra.Command{
		Use:   "move [id...]",
		Short: "Move blocks to another namespace in one commit",
		Args:  cobra.MinimumNArgs(1),
		Run:   runNSMove,
	}
	moveCmd.Flags().String("to", "", "Target namespace (required)")
	moveCmd.Flags().String("from", "", "Only move blocks found in this namespace")
	moveCmd.Flags().StringP("message", "m", "", "Commit message")
	moveCmd.MarkFlagRequired("to")

	nsCmd.AddCommand(listCmd, createCmd, moveCmd)
	RootCmd.AddCommand(nsCmd)
}

func runNSList(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	rows, err := a.reader().ListNamespaces(cmd.Context())
	if err != nil {
		exitErr("list namespaces", err)
	}
	printJSON(cmd.OutOrStdout(), rows)
}

func runNSCreate(cmd *cobra.Command, args []string) {
	desc, _ := cmd.Flags().GetString("desc")

	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	out, err := a.bulk.CreateNamespace(cmd.Context(), conn, args[0], desc)
	if err != nil {
		exitErr("create namespace", err)
	}
	printJSON(cmd.OutOrStdout(), out)
}

func runNSMove(cmd *cobra.Command, args []string) {
	to, _ := cmd.Flags().GetString("to")
	from, _ := cmd.Flags().GetString("from")
	msg, _ := cmd.Flags().GetString("message")

	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	res, err := a.bulk.UpdateNamespace(cmd.Context(), conn, bulk.NamespaceRequest{
		IDs:             args,
		TargetNamespace: to,
		SourceNamespace: from,
		Message:         msg,
	})
	printBulk(cmd, bulk.OpUpdateNamespace, res, err)
}
