package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rcliao/memblocks/internal/bulk"
	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

// Tool names.
const (
	ToolBulkCreate    = "bulk_create_blocks"
	ToolBulkDelete    = "bulk_delete_blocks"
	ToolBulkNamespace = "bulk_update_namespace"
	ToolAdd           = "dolt_add"
	ToolCommit        = "dolt_commit"
	ToolReset         = "dolt_reset"
	ToolCheckout      = "dolt_checkout"
	ToolDiff          = "dolt_diff"
	ToolCompare       = "dolt_compare_branches"
	ToolMerge         = "dolt_merge"
	ToolApprove       = "dolt_approve_pull_request"
	ToolStatus        = "dolt_status"
	ToolListBranches  = "dolt_list_branches"
)

const branchParamDescribe = "Branch to run on (default: the session branch)"

// Outcome is the response of the dolt_* tools.
type Outcome struct {
	ActiveBranch string                  `json:"active_branch"`
	Staged       *model.BulkResult       `json:"staged,omitempty"`
	Commit       *store.CommitOutcome    `json:"commit,omitempty"`
	Discarded    *int                    `json:"discarded,omitempty"`
	Checkout     *store.CheckoutOutcome  `json:"checkout,omitempty"`
	Diff         *model.DiffSummary      `json:"diff,omitempty"`
	Comparison   *model.BranchComparison `json:"comparison,omitempty"`
	Merge        *model.MergeOutcome     `json:"merge,omitempty"`
	Approval     *model.ApprovalRecord   `json:"approval,omitempty"`
}

var blockItems = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"id":           map[string]any{"type": "string"},
		"text":         map[string]any{"type": "string"},
		"block_type":   map[string]any{"type": "string", "enum": []string{"knowledge", "task", "log", "doc"}},
		"metadata":     map[string]any{"type": "object"},
		"tags":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"namespace_id": map[string]any{"type": "string"},
		"links": map[string]any{"type": "array", "items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"rel":              map[string]any{"type": "string"},
				"target_id":        map[string]any{"type": "string"},
				"target_namespace": map[string]any{"type": "string"},
			},
		}},
	},
	"required": []string{"text"},
}

func (s *Server) add(tool mcp.Tool, h server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, h)
	s.tools = append(s.tools, tool.Name)
}

func (s *Server) register() {
	s.add(mcp.NewTool(ToolBulkCreate,
		mcp.WithDescription("Create memory blocks in one commit. Invalid items are skipped with a reason; the rest commit together."),
		mcp.WithArray("items", mcp.Required(), mcp.Description("Blocks to create"), mcp.Items(blockItems)),
		mcp.WithString("namespace", mcp.Description("Namespace for the blocks (default: default)")),
		mcp.WithString("branch", mcp.Description(branchParamDescribe)),
		mcp.WithString("message", mcp.Description("Commit message")),
	), s.handleBulkCreate)

	s.add(mcp.NewTool(ToolBulkDelete,
		mcp.WithDescription("Delete memory blocks with their tags, chunks and links in one commit."),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("Block ids"), mcp.WithStringItems()),
		mcp.WithString("namespace", mcp.Description("Namespace of the blocks (default: default)")),
		mcp.WithString("branch", mcp.Description(branchParamDescribe)),
		mcp.WithString("message", mcp.Description("Commit message")),
	), s.handleBulkDelete)

	s.add(mcp.NewTool(ToolBulkNamespace,
		mcp.WithDescription("Move memory blocks to another namespace in one commit. Links pointing at moved blocks follow them."),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("Block ids"), mcp.WithStringItems()),
		mcp.WithString("target_namespace", mcp.Required(), mcp.Description("Existing namespace to move into")),
		mcp.WithString("source_namespace", mcp.Description("Only move blocks found in this namespace")),
		mcp.WithString("branch", mcp.Description(branchParamDescribe)),
		mcp.WithString("message", mcp.Description("Commit message")),
	), s.handleBulkNamespace)

	s.add(mcp.NewTool(ToolAdd,
		mcp.WithDescription("Stage memory blocks on a branch without committing. dolt_commit makes them durable."),
		mcp.WithArray("items", mcp.Required(), mcp.Description("Blocks to stage"), mcp.Items(blockItems)),
		mcp.WithString("namespace", mcp.Description("Namespace for the blocks (default: default)")),
		mcp.WithString("branch", mcp.Description(branchParamDescribe)),
	), s.handleAdd)

	s.add(mcp.NewTool(ToolCommit,
		mcp.WithDescription("Commit the blocks staged with dolt_add."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Commit message")),
		mcp.WithString("branch", mcp.Description(branchParamDescribe)),
	), s.handleCommit)

	s.add(mcp.NewTool(ToolReset,
		mcp.WithDescription("Discard the blocks staged with dolt_add."),
		mcp.WithString("branch", mcp.Description(branchParamDescribe)),
	), s.handleReset)

	s.add(mcp.NewTool(ToolCheckout,
		mcp.WithDescription("Switch the session to a branch, creating it from another branch when it does not exist."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch to switch to")),
		mcp.WithString("from", mcp.Description("Parent for a new branch (default: the session branch)")),
	), s.handleCheckout)

	s.add(mcp.NewTool(ToolDiff,
		mcp.WithDescription("Count row changes per table between two branches."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Base branch")),
		mcp.WithString("to", mcp.Description("Compared branch (default: the session branch)")),
	), s.handleDiff)

	s.add(mcp.NewTool(ToolCompare,
		mcp.WithDescription("List block-level changes and ahead/behind commit counts between two branches."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Base branch")),
		mcp.WithString("to", mcp.Description("Compared branch (default: the session branch)")),
	), s.handleCompare)

	s.add(mcp.NewTool(ToolMerge,
		mcp.WithDescription("Merge a branch into another. Conflicts are reported without committing unless a resolution is given."),
		mcp.WithString("source", mcp.Required(), mcp.Description("Branch to merge from")),
		mcp.WithString("target", mcp.Description("Branch to merge into (default: the session branch)")),
		mcp.WithString("prefer", mcp.Description("Resolve every conflict from this side"), mcp.Enum(store.ResolveSource, store.ResolveTarget)),
		mcp.WithObject("resolutions", mcp.Description(`Per-block resolutions keyed by "namespace/id", valued "source" or "target"`)),
		mcp.WithString("message", mcp.Description("Merge commit message")),
	), s.handleMerge)

	s.add(mcp.NewTool(ToolApprove,
		mcp.WithDescription("Approve merging a branch's current head into a target branch."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch to approve")),
		mcp.WithString("approver", mcp.Required(), mcp.Description("Who approves")),
		mcp.WithString("target", mcp.Description("Branch it will merge into (default: main)")),
		mcp.WithString("comment", mcp.Description("Review comment")),
	), s.handleApprove)

	s.add(mcp.NewTool(ToolStatus,
		mcp.WithDescription("Show a branch's state and staged rows, and reconcile a request id."),
		mcp.WithString("branch", mcp.Description(branchParamDescribe)),
		mcp.WithString("request_id", mcp.Description("Request id from a bulk result")),
	), s.handleStatus)

	s.add(mcp.NewTool(ToolListBranches,
		mcp.WithDescription("List branches with their state and head."),
	), s.handleListBranches)
}

func (s *Server) handleBulkCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	var items []model.BlockInput
	if err := decodeArg(req, "items", &items); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(items) == 0 {
		return missing("items"), nil
	}
	var res *model.BulkResult
	err := s.onBranch(ctx, branch, func(ctx context.Context, conn *store.Conn) error {
		var err error
		res, err = s.bulk.CreateBlocks(ctx, conn, bulk.CreateRequest{
			Items:     items,
			Namespace: stringArg(req, "namespace"),
			Message:   stringArg(req, "message"),
		})
		return err
	})
	s.log.Info("tool call", "tool", ToolBulkCreate, "items", len(items), "status", statusOf(res), "err", err)
	return bulkResult(res, err, s.activeBranch(branch))
}

func (s *Server) handleBulkDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	ids := stringsArg(req, "ids")
	if len(ids) == 0 {
		return missing("ids"), nil
	}
	var res *model.BulkResult
	err := s.onBranch(ctx, branch, func(ctx context.Context, conn *store.Conn) error {
		var err error
		res, err = s.bulk.DeleteBlocks(ctx, conn, bulk.DeleteRequest{
			IDs:       ids,
			Namespace: stringArg(req, "namespace"),
			Message:   stringArg(req, "message"),
		})
		return err
	})
	s.log.Info("tool call", "tool", ToolBulkDelete, "ids", len(ids), "status", statusOf(res), "err", err)
	return bulkResult(res, err, s.activeBranch(branch))
}

func (s *Server) handleBulkNamespace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	ids := stringsArg(req, "ids")
	if len(ids) == 0 {
		return missing("ids"), nil
	}
	target := stringArg(req, "target_namespace")
	if target == "" {
		return missing("target_namespace"), nil
	}
	var res *model.BulkResult
	err := s.onBranch(ctx, branch, func(ctx context.Context, conn *store.Conn) error {
		var err error
		res, err = s.bulk.UpdateNamespace(ctx, conn, bulk.NamespaceRequest{
			IDs:             ids,
			TargetNamespace: target,
			SourceNamespace: stringArg(req, "source_namespace"),
			Message:         stringArg(req, "message"),
		})
		return err
	})
	s.log.Info("tool call", "tool", ToolBulkNamespace, "ids", len(ids), "target", target, "status", statusOf(res), "err", err)
	return bulkResult(res, err, s.activeBranch(branch))
}

func (s *Server) handleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	var items []model.BlockInput
	if err := decodeArg(req, "items", &items); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(items) == 0 {
		return missing("items"), nil
	}
	var res *model.BulkResult
	err := s.onBranch(ctx, branch, func(ctx context.Context, conn *store.Conn) error {
		var err error
		res, err = s.bulk.StageBlocks(ctx, conn, bulk.CreateRequest{
			Items:     items,
			Namespace: stringArg(req, "namespace"),
		})
		return err
	})
	if res == nil {
		return fail(err, s.activeBranch(branch)), nil
	}
	out, encErr := jsonResult(Outcome{ActiveBranch: res.ActiveBranch, Staged: res})
	if encErr != nil {
		return nil, encErr
	}
	out.IsError = err != nil
	return out, nil
}

func (s *Server) handleCommit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	message := stringArg(req, "message")
	if message == "" {
		return missing("message"), nil
	}
	out := Outcome{}
	err := s.onBranch(ctx, branch, func(ctx context.Context, conn *store.Conn) error {
		c, err := s.branches.CommitIndex(ctx, conn, message, s.author)
		out.ActiveBranch, out.Commit = store.ActiveBranch(conn), c
		return err
	})
	if err != nil {
		return fail(err, s.activeBranch(branch)), nil
	}
	s.log.Info("tool call", "tool", ToolCommit, "branch", out.ActiveBranch, "commit", out.Commit.CommitID, "rows", out.Commit.Rows)
	return jsonResult(out)
}

func (s *Server) handleReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	out := Outcome{}
	err := s.onBranch(ctx, branch, func(ctx context.Context, conn *store.Conn) error {
		n, err := s.branches.ResetIndex(ctx, conn)
		out.ActiveBranch, out.Discarded = store.ActiveBranch(conn), &n
		return err
	})
	if err != nil {
		return fail(err, s.activeBranch(branch)), nil
	}
	return jsonResult(out)
}

func (s *Server) handleCheckout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	if branch == "" {
		return missing("branch"), nil
	}
	out := Outcome{}
	err := s.onBranch(ctx, "", func(ctx context.Context, conn *store.Conn) error {
		co, err := s.branches.Checkout(ctx, conn, branch, stringArg(req, "from"))
		out.ActiveBranch, out.Checkout = store.ActiveBranch(conn), co
		return err
	})
	if err != nil {
		return fail(err, s.session.Branch()), nil
	}
	s.log.Info("tool call", "tool", ToolCheckout, "branch", out.ActiveBranch, "created", out.Checkout.Created)
	return jsonResult(out)
}

func (s *Server) handleDiff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from := stringArg(req, "from")
	if from == "" {
		return missing("from"), nil
	}
	to := s.activeBranch(stringArg(req, "to"))
	d, err := s.branches.Diff(ctx, from, to)
	if err != nil {
		return fail(err, s.session.Branch()), nil
	}
	return jsonResult(Outcome{ActiveBranch: s.session.Branch(), Diff: d})
}

func (s *Server) handleCompare(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from := stringArg(req, "from")
	if from == "" {
		return missing("from"), nil
	}
	to := s.activeBranch(stringArg(req, "to"))
	c, err := s.branches.Compare(ctx, from, to)
	if err != nil {
		return fail(err, s.session.Branch()), nil
	}
	return jsonResult(Outcome{ActiveBranch: s.session.Branch(), Comparison: c})
}

func (s *Server) handleMerge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := stringArg(req, "source")
	if source == "" {
		return missing("source"), nil
	}
	target := s.activeBranch(stringArg(req, "target"))
	strategy := store.ConflictStrategy{Prefer: stringArg(req, "prefer")}
	if err := decodeArg(req, "resolutions", &strategy.Resolutions); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.branches.Merge(ctx, source, target, store.MergeOptions{
		Strategy: strategy,
		Message:  stringArg(req, "message"),
		Author:   s.author,
	})
	// A merge runs on the target's connection, whatever the session is on.
	if err != nil {
		return fail(err, target), nil
	}
	s.log.Info("tool call", "tool", ToolMerge, "source", source, "target", target,
		"conflicts", len(m.Conflicts), "committed", m.Committed)
	return jsonResult(Outcome{ActiveBranch: m.ActiveBranch, Merge: m})
}

func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	if branch == "" {
		return missing("branch"), nil
	}
	approver := stringArg(req, "approver")
	if approver == "" {
		return missing("approver"), nil
	}
	target := req.GetString("target", model.DefaultBranch)
	a, err := s.branches.Approve(ctx, branch, target, approver, stringArg(req, "comment"))
	if err != nil {
		return fail(err, s.session.Branch()), nil
	}
	return jsonResult(Outcome{ActiveBranch: s.session.Branch(), Approval: a})
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branch := stringArg(req, "branch")
	var snap *model.StatusSnapshot
	err := s.onBranch(ctx, branch, func(ctx context.Context, conn *store.Conn) error {
		var err error
		snap, err = s.branches.Status(ctx, conn, stringArg(req, "request_id"))
		return err
	})
	if err != nil {
		return fail(err, s.activeBranch(branch)), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleListBranches(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.branches.List(ctx)
	if err != nil {
		return fail(err, s.session.Branch()), nil
	}
	return jsonResult(model.StatusSnapshot{ActiveBranch: s.session.Branch(), Branches: list})
}

func statusOf(res *model.BulkResult) model.BulkStatus {
	if res == nil {
		return ""
	}
	return res.Status
}
