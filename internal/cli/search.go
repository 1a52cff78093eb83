package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search blocks by keyword",
		Long:  "Search block ids, text and chunks for matching text on the branch.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")
	cmd.Flags().String("type", "", "Filter by block type")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	typ, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")

	a := mustOpenApp()
	defer a.Close()

	results, err := a.reader().Search(cmd.Context(), store.SearchParams{
		Namespace: ns,
		Query:     strings.Join(args, " "),
		BlockType: model.BlockType(typ),
		Limit:     limit,
	})
	if err != nil {
		exitErr("search", err)
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	printJSON(cmd.OutOrStdout(), results)
}
