package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/store"
)

func init() {
	branchCmd := &cobra.Command{
		Use:   "branch",
		Short: "Branch management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List branches",
		Run:   runBranchList,
	}

	checkoutCmd := &cobra.Command{
		Use:   "checkout [name]",
		Short: "Create a branch, or verify an existing one can be checked out",
		Args:  cobra.ExactArgs(1),
		Run:   runBranchCheckout,
	}
	checkoutCmd.Flags().String("from", "", "Parent of a new branch (default: --branch)")

	diffCmd := &cobra.Command{
		Use:   "diff [from] [to]",
		Short: "Count row changes per table between two branches",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runBranchDiff,
	}

	compareCmd := &cobra.Command{
		Use:   "compare [from] [to]",
		Short: "List block changes and ahead/behind counts between two branches",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runBranchCompare,
	}

	mergeCmd := &cobra.Command{
		Use:   "merge [source]",
		Short: "Merge a branch into --branch",
		Long: "Merge source into the --branch branch. Conflicts are printed and nothing is committed\n" +
			"unless --prefer or --resolve settles them.",
		Args: cobra.ExactArgs(1),
		Run:  runBranchMerge,
	}
	mergeCmd.Flags().String("prefer", "", "Resolve every conflict from this side: source or target")
	mergeCmd.Flags().String("resolve", "", `Per-block resolutions as JSON, e.g. {"default/x":"source"}`)
	mergeCmd.Flags().StringP("message", "m", "", "Merge commit message")

	approveCmd := &cobra.Command{
		Use:   "approve [name]",
		Short: "Approve merging a branch's current head",
		Args:  cobra.ExactArgs(1),
		Run:   runBranchApprove,
	}
	approveCmd.Flags().String("approver", "", "Who approves (required)")
	approveCmd.Flags().String("target", "", "Branch it will merge into (default: --branch)")
	approveCmd.Flags().String("comment", "", "Review comment")
	approveCmd.MarkFlagRequired("approver")

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show the branch's commits, newest first",
		Run:   runBranchLog,
	}
	logCmd.Flags().IntP("limit", "l", 20, "Max commits")

	abandonCmd := &cobra.Command{
		Use:   "abandon [name]",
		Short: "Abandon a branch and drop its staged rows",
		Args:  cobra.ExactArgs(1),
		Run:   runBranchAbandon,
	}

	branchCmd.AddCommand(listCmd, checkoutCmd, diffCmd, compareCmd, mergeCmd, approveCmd, logCmd, abandonCmd)
	RootCmd.AddCommand(branchCmd)
}

func runBranchList(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	list, err := a.branches.List(cmd.Context())
	if err != nil {
		exitErr("list branches", err)
	}
	printJSON(cmd.OutOrStdout(), list)
}

func runBranchCheckout(cmd *cobra.Command, args []string) {
	from, _ := cmd.Flags().GetString("from")

	a := mustOpenApp()
	defer a.Close()
	conn := a.acquire(cmd.Context())
	defer a.store.Pool().Release(conn)

	out, err := a.branches.Checkout(cmd.Context(), conn, args[0], from)
	if err != nil {
		exitErr("checkout", err)
	}
	printJSON(cmd.OutOrStdout(), out)
}

// pair reads [from] [to]; to defaults to --branch.
func (a *app) pair(args []string) (string, string) {
	if len(args) == 2 {
		return args[0], args[1]
	}
	return args[0], a.branch()
}

func runBranchDiff(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	from, to := a.pair(args)
	d, err := a.branches.Diff(cmd.Context(), from, to)
	if err != nil {
		exitErr("diff", err)
	}
	printJSON(cmd.OutOrStdout(), d)
}

func runBranchCompare(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	from, to := a.pair(args)
	c, err := a.branches.Compare(cmd.Context(), from, to)
	if err != nil {
		exitErr("compare", err)
	}
	printJSON(cmd.OutOrStdout(), c)
}

func runBranchMerge(cmd *cobra.Command, args []string) {
	prefer, _ := cmd.Flags().GetString("prefer")
	resolve, _ := cmd.Flags().GetString("resolve")
	msg, _ := cmd.Flags().GetString("message")

	strategy := store.ConflictStrategy{Prefer: prefer}
	if resolve != "" {
		if err := json.Unmarshal([]byte(resolve), &strategy.Resolutions); err != nil {
			exitErr("parse --resolve", err)
		}
	}

	a := mustOpenApp()
	defer a.Close()

	out, err := a.branches.Merge(cmd.Context(), args[0], a.branch(), store.MergeOptions{
		Strategy: strategy,
		Message:  msg,
		Author:   a.cfg.Author,
	})
	if err != nil {
		exitErr("merge", err)
	}
	printJSON(cmd.OutOrStdout(), out)
}

func runBranchApprove(cmd *cobra.Command, args []string) {
	approver, _ := cmd.Flags().GetString("approver")
	target, _ := cmd.Flags().GetString("target")
	comment, _ := cmd.Flags().GetString("comment")

	a := mustOpenApp()
	defer a.Close()
	if target == "" {
		target = a.branch()
	}

	rec, err := a.branches.Approve(cmd.Context(), args[0], target, approver, comment)
	if err != nil {
		exitErr("approve", err)
	}
	printJSON(cmd.OutOrStdout(), rec)
}

func runBranchLog(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	a := mustOpenApp()
	defer a.Close()

	commits, err := a.branches.Log(cmd.Context(), a.branch(), limit)
	if err != nil {
		exitErr("log", err)
	}
	printJSON(cmd.OutOrStdout(), commits)
}

func runBranchAbandon(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	ref, err := a.branches.Abandon(cmd.Context(), args[0])
	if err != nil {
		exitErr("abandon", err)
	}
	printJSON(cmd.OutOrStdout(), ref)
}
