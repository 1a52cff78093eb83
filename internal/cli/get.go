package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Retrieve a block",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (default: default_namespace from config)")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")

	a := mustOpenApp()
	defer a.Close()
	if ns == "" {
		ns = a.cfg.DefaultNamespace
	}

	block, err := a.reader().GetBlock(cmd.Context(), ns, args[0])
	if err != nil {
		exitErr("get", err)
	}
	printJSON(cmd.OutOrStdout(), block)
}
