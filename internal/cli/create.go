package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/bulk"
	"github.com/rcliao/memblocks/internal/model"
)

func init() {
	createCmd := &cobra.Command{
		Use:     "create [text]",
		Aliases: []string{"import"},
		Short:   "Create memory blocks in one commit",
		Long: "Create one block from the positional text, or many from a JSON array on stdin.\n" +
			"The array may be the output of export.",
		Run: runCreate,
	}
	addCmd := &cobra.Command{
		Use:   "add [text]",
		Short: "Stage memory blocks without committing",
		Long:  "Like create, but the blocks wait in the branch index until commit.",
		Run:   runAdd,
	}

	for _, cmd := range []*cobra.Command{createCmd, addCmd} {
		cmd.Flags().StringP("ns", "n", "", "Namespace (default: default_namespace from config)")
		cmd.Flags().String("id", "", "Block id for positional text (default: generated)")
		cmd.Flags().String("type", string(model.BlockKnowledge), "Block type: knowledge, task, log, doc")
		cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
		cmd.Flags().String("meta", "", "JSON metadata")
		RootCmd.AddCommand(cmd)
	}
	createCmd.Flags().StringP("message", "m", "", "Commit message")
}

func runCreate(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	msg, _ := cmd.Flags().GetString("message")
	items := readItems(cmd, args)

	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	res, err := a.bulk.CreateBlocks(cmd.Context(), conn, bulk.CreateRequest{Items: items, Namespace: ns, Message: msg})
	printBulk(cmd, bulk.OpCreate, res, err)
}

func runAdd(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	items := readItems(cmd, args)

	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	res, err := a.bulk.StageBlocks(cmd.Context(), conn, bulk.CreateRequest{Items: items, Namespace: ns})
	printBulk(cmd, bulk.OpStage, res, err)
}

// readItems builds the input blocks: one from positional text and flags, or
// a JSON array from stdin.
func readItems(cmd *cobra.Command, args []string) []model.BlockInput {
	if len(args) > 0 {
		id, _ := cmd.Flags().GetString("id")
		typ, _ := cmd.Flags().GetString("type")
		tags, _ := cmd.Flags().GetString("tags")
		meta, _ := cmd.Flags().GetString("meta")
		in := model.BlockInput{
			ID:        id,
			Text:      strings.TrimSpace(strings.Join(args, " ")),
			BlockType: model.BlockType(typ),
			Tags:      splitTags(tags),
		}
		if meta != "" {
			in.Metadata = json.RawMessage(meta)
		}
		return []model.BlockInput{in}
	}

	stat, _ := os.Stdin.Stat()
	if stat == nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		exitErr("create", fmt.Errorf("text is required (positional arg or JSON array on stdin)"))
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		exitErr("read stdin", err)
	}
	items, err := parseItems(data)
	if err != nil {
		exitErr("parse json", err)
	}
	return items
}

func parseItems(data []byte) ([]model.BlockInput, error) {
	var items []model.BlockInput
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no blocks in input")
	}
	return items, nil
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
