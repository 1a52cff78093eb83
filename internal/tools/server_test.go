package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memblocks/internal/bulk"
	"github.com/rcliao/memblocks/internal/logging"
	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	quiet := logging.Discard()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := New(Deps{
		Store:         s,
		Bulk:          bulk.New(s, bulk.Options{Logger: quiet}),
		Branches:      store.NewBranchManager(s, store.BranchOptions{}),
		Logger:        quiet,
		Author:        "tester",
		RetryInterval: time.Millisecond,
	})
	t.Cleanup(srv.Close)
	return srv
}

type handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func call(t *testing.T, h handler, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func decode(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text.Text), v), text.Text)
}

func blockItem(id, text string) map[string]any {
	return map[string]any{"id": id, "text": text}
}

func exists(t *testing.T, srv *Server, branch, id string) bool {
	t.Helper()
	ok, err := srv.store.Reader(branch).BlockExists(context.Background(), model.DefaultNamespace, id)
	require.NoError(t, err)
	return ok
}

func TestBulkTools_RunOnSessionBranch(t *testing.T) {
	srv := newTestServer(t)

	res := call(t, srv.handleBulkCreate, ToolBulkCreate, map[string]any{
		"items": []any{blockItem("a", "alpha"), blockItem("b", "beta"), blockItem("bad id!", "x")},
	})
	assert.False(t, res.IsError)
	var created model.BulkResult
	decode(t, res, &created)
	assert.Equal(t, model.StatusCommitted, created.Status)
	assert.Equal(t, model.DefaultBranch, created.ActiveBranch)
	assert.ElementsMatch(t, []string{"a", "b"}, created.SucceededIDs)
	require.Len(t, created.SkippedIDs, 1)
	assert.Equal(t, bulk.ReasonInvalidID, created.SkippedIDs[0].Reason)

	res = call(t, srv.handleBulkDelete, ToolBulkDelete, map[string]any{"ids": []any{"a", "missing"}})
	var deleted model.BulkResult
	decode(t, res, &deleted)
	assert.Equal(t, []string{"a"}, deleted.SucceededIDs)
	assert.Equal(t, []string{"1 item skipped: block not found in branch main"}, deleted.ErrorSummary)

	assert.False(t, exists(t, srv, model.DefaultBranch, "a"))
	assert.True(t, exists(t, srv, model.DefaultBranch, "b"))
}

func TestBulkTools_MissingParameters(t *testing.T) {
	srv := newTestServer(t)
	assert.True(t, call(t, srv.handleBulkCreate, ToolBulkCreate, map[string]any{}).IsError)
	assert.True(t, call(t, srv.handleBulkDelete, ToolBulkDelete, map[string]any{"ids": []any{}}).IsError)
	assert.True(t, call(t, srv.handleBulkNamespace, ToolBulkNamespace, map[string]any{"ids": []any{"a"}}).IsError)
	assert.True(t, call(t, srv.handleCheckout, ToolCheckout, map[string]any{}).IsError)
	assert.True(t, call(t, srv.handleMerge, ToolMerge, map[string]any{}).IsError)
}

func TestCheckout_MovesSession(t *testing.T) {
	srv := newTestServer(t)

	res := call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": "feature"})
	require.False(t, res.IsError)
	var out Outcome
	decode(t, res, &out)
	assert.Equal(t, "feature", out.ActiveBranch)
	require.NotNil(t, out.Checkout)
	assert.True(t, out.Checkout.Created)
	assert.Equal(t, "feature", srv.Session().Branch())

	res = call(t, srv.handleBulkCreate, ToolBulkCreate, map[string]any{"items": []any{blockItem("f", "on feature")}})
	var created model.BulkResult
	decode(t, res, &created)
	assert.Equal(t, "feature", created.ActiveBranch)
	assert.True(t, exists(t, srv, "feature", "f"))
	assert.False(t, exists(t, srv, model.DefaultBranch, "f"))
}

func TestExplicitBranch_LeavesSessionAlone(t *testing.T) {
	srv := newTestServer(t)
	call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": "feature"})
	call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": model.DefaultBranch})

	res := call(t, srv.handleBulkCreate, ToolBulkCreate, map[string]any{
		"items":  []any{blockItem("e", "explicit")},
		"branch": "feature",
	})
	var created model.BulkResult
	decode(t, res, &created)
	assert.Equal(t, "feature", created.ActiveBranch)
	assert.Equal(t, model.DefaultBranch, srv.Session().Branch())
	assert.True(t, exists(t, srv, "feature", "e"))
	assert.False(t, exists(t, srv, model.DefaultBranch, "e"))
}

func TestAddCommitReset(t *testing.T) {
	srv := newTestServer(t)

	res := call(t, srv.handleAdd, ToolAdd, map[string]any{"items": []any{blockItem("s", "staged")}})
	var added Outcome
	decode(t, res, &added)
	require.NotNil(t, added.Staged)
	assert.Equal(t, model.StatusStaged, added.Staged.Status)
	assert.False(t, exists(t, srv, model.DefaultBranch, "s"))

	var snap model.StatusSnapshot
	decode(t, call(t, srv.handleStatus, ToolStatus, nil), &snap)
	assert.Equal(t, model.DefaultBranch, snap.ActiveBranch)
	assert.NotEmpty(t, snap.Staged)
	require.NotNil(t, snap.Branch)
	assert.Equal(t, model.BranchStaged, snap.Branch.State)

	var committed Outcome
	decode(t, call(t, srv.handleCommit, ToolCommit, map[string]any{"message": "add s"}), &committed)
	require.NotNil(t, committed.Commit)
	assert.NotEmpty(t, committed.Commit.CommitID)
	assert.True(t, exists(t, srv, model.DefaultBranch, "s"))

	var reset Outcome
	decode(t, call(t, srv.handleReset, ToolReset, nil), &reset)
	require.NotNil(t, reset.Discarded)
	assert.Equal(t, 0, *reset.Discarded)
}

func TestMergeAndCompareTools(t *testing.T) {
	srv := newTestServer(t)
	call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": "feature"})
	call(t, srv.handleBulkCreate, ToolBulkCreate, map[string]any{"items": []any{blockItem("y", "from feature")}})
	call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": model.DefaultBranch})

	var cmp Outcome
	decode(t, call(t, srv.handleCompare, ToolCompare, map[string]any{"from": model.DefaultBranch, "to": "feature"}), &cmp)
	require.NotNil(t, cmp.Comparison)
	require.Len(t, cmp.Comparison.Changes, 1)
	assert.Equal(t, model.ChangeAdded, cmp.Comparison.Changes[0].Kind)

	var diff Outcome
	decode(t, call(t, srv.handleDiff, ToolDiff, map[string]any{"from": model.DefaultBranch, "to": "feature"}), &diff)
	require.NotNil(t, diff.Diff)
	assert.Equal(t, 1, diff.Diff.BlocksChanged)

	res := call(t, srv.handleMerge, ToolMerge, map[string]any{"source": "feature"})
	require.False(t, res.IsError)
	var merged Outcome
	decode(t, res, &merged)
	require.NotNil(t, merged.Merge)
	assert.True(t, merged.Merge.Committed)
	assert.Equal(t, model.DefaultBranch, merged.Merge.Target)
	assert.True(t, exists(t, srv, model.DefaultBranch, "y"))

	res = call(t, srv.handleMerge, ToolMerge, map[string]any{"source": "feature", "prefer": "theirs"})
	assert.True(t, res.IsError)
}

func TestMerge_ReportsTargetBranch(t *testing.T) {
	srv := newTestServer(t)
	call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": "feature"})
	call(t, srv.handleBulkCreate, ToolBulkCreate, map[string]any{"items": []any{blockItem("y", "from feature")}})
	call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": model.DefaultBranch})
	call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": "release"})

	res := call(t, srv.handleMerge, ToolMerge, map[string]any{"source": "feature", "target": model.DefaultBranch})
	require.False(t, res.IsError)
	var out Outcome
	decode(t, res, &out)
	require.NotNil(t, out.Merge)
	assert.Equal(t, model.DefaultBranch, out.ActiveBranch)
	assert.Equal(t, model.DefaultBranch, out.Merge.ActiveBranch)
	assert.True(t, exists(t, srv, model.DefaultBranch, "y"))
	assert.False(t, exists(t, srv, "release", "y"))
	assert.Equal(t, "release", srv.session.Branch())

	res = call(t, srv.handleMerge, ToolMerge, map[string]any{"source": "nope", "target": model.DefaultBranch})
	require.True(t, res.IsError)
	var te toolError
	decode(t, res, &te)
	assert.Equal(t, model.DefaultBranch, te.ActiveBranch)
	assert.Equal(t, store.KindNotFound.String(), te.Kind)
	assert.Contains(t, te.Error, "nope")
}

func TestToolErrors_NameActiveBranch(t *testing.T) {
	srv := newTestServer(t)

	res := call(t, srv.handleDiff, ToolDiff, map[string]any{"from": "nope"})
	require.True(t, res.IsError)
	var te toolError
	decode(t, res, &te)
	assert.Equal(t, model.DefaultBranch, te.ActiveBranch)
	assert.Equal(t, store.KindNotFound.String(), te.Kind)
	assert.False(t, te.Retryable)

	res = call(t, srv.handleApprove, ToolApprove, map[string]any{"branch": "feature"})
	assert.True(t, res.IsError)
}

func TestListBranches(t *testing.T) {
	srv := newTestServer(t)
	call(t, srv.handleCheckout, ToolCheckout, map[string]any{"branch": "feature"})

	var snap model.StatusSnapshot
	decode(t, call(t, srv.handleListBranches, ToolListBranches, nil), &snap)
	assert.Equal(t, "feature", snap.ActiveBranch)
	var names []string
	for _, b := range snap.Branches {
		names = append(names, b.Name)
	}
	assert.ElementsMatch(t, []string{model.DefaultBranch, "feature"}, names)
}

func TestOnBranch_RetriesConnectionFailuresOnce(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	broken := &store.Error{Kind: store.KindConnection, Op: "test", Err: errors.New("link down")}

	calls := 0
	err := srv.onBranch(ctx, "", func(context.Context, *store.Conn) error {
		calls++
		return broken
	})
	assert.ErrorIs(t, err, store.ErrConnection)
	assert.Equal(t, 2, calls)

	calls = 0
	err = srv.onBranch(ctx, "", func(context.Context, *store.Conn) error {
		calls++
		if calls == 1 {
			return broken
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = srv.onBranch(ctx, "", func(context.Context, *store.Conn) error {
		calls++
		return &store.Error{Kind: store.KindValidation, Err: errors.New("bad")}
	})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestNew_RegistersTools(t *testing.T) {
	srv := newTestServer(t)
	tools := srv.Tools()
	require.NotNil(t, srv.MCP())
	for _, name := range []string{
		ToolBulkCreate, ToolBulkDelete, ToolBulkNamespace, ToolAdd, ToolCommit, ToolReset,
		ToolCheckout, ToolDiff, ToolCompare, ToolMerge, ToolApprove, ToolStatus, ToolListBranches,
	} {
		assert.Contains(t, tools, name)
	}
	assert.NotEmpty(t, srv.Session().ID)
}
