package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export blocks as JSON",
		Long:  "Export the branch's blocks as a JSON array that create accepts on stdin. Filter by namespace with -n.",
		Run:   runExport,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")

	a := mustOpenApp()
	defer a.Close()

	blocks, err := a.reader().Export(cmd.Context(), ns)
	if err != nil {
		exitErr("export", err)
	}

	out := make([]model.BlockInput, 0, len(blocks))
	for _, b := range blocks {
		in, err := store.ToInput(b)
		if err != nil {
			exitErr("export", err)
		}
		out = append(out, in)
	}
	printJSON(cmd.OutOrStdout(), out)
}
