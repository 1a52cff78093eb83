package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List blocks",
		Run:   runList,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")
	cmd.Flags().String("type", "", "Filter by block type")
	cmd.Flags().StringP("tags", "t", "", "Filter by tags (comma-separated)")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("ids-only", false, "Only output namespace/id pairs")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	typ, _ := cmd.Flags().GetString("type")
	tags, _ := cmd.Flags().GetString("tags")
	limit, _ := cmd.Flags().GetInt("limit")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	a := mustOpenApp()
	defer a.Close()

	blocks, err := a.reader().ListBlocks(cmd.Context(), store.ListParams{
		Namespace: ns,
		BlockType: model.BlockType(typ),
		Tags:      splitTags(tags),
		Limit:     limit,
		IDsOnly:   idsOnly,
	})
	if err != nil {
		exitErr("list", err)
	}

	if idsOnly {
		for _, b := range blocks {
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\n", b.NamespaceID, b.ID)
		}
		return
	}
	printJSON(cmd.OutOrStdout(), blocks)
}
