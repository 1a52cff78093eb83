package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memblocks/internal/model"
)

// divergedStore returns a store where block x exists on main and on feature,
// edited differently on each side.
func divergedStore(t *testing.T, opts BranchOptions) (*SQLiteStore, *BranchManager) {
	t.Helper()
	s := newTestStore(t)
	bm := NewBranchManager(s, opts)
	mainConn := acquire(t, s, model.DefaultBranch)
	createBlocks(t, s, mainConn, testBlock(model.DefaultNamespace, "x", "original"))

	feature := checkout(t, bm, "feature")
	replaceText(t, s, feature, model.DefaultNamespace, "x", "feature edit")
	replaceText(t, s, mainConn, model.DefaultNamespace, "x", "main edit")
	return s, bm
}

func TestMerge_CleanThenUpToDate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bm := NewBranchManager(s, BranchOptions{})
	mainConn := acquire(t, s, model.DefaultBranch)
	createBlocks(t, s, mainConn, testBlock(model.DefaultNamespace, "x", "base"))

	feature := checkout(t, bm, "feature")
	y := testBlock(model.DefaultNamespace, "y", "added on feature")
	y.Links = []model.Link{{Rel: "refines", TargetID: "x"}}
	createBlocks(t, s, feature, y)
	featureHead := branchHead(t, s, "feature")

	out, err := bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{})
	require.NoError(t, err)
	assert.True(t, out.Committed)
	assert.True(t, out.FastForward)
	assert.Empty(t, out.Conflicts)
	assert.Equal(t, 3, out.Applied)
	assert.Equal(t, model.DefaultBranch, out.ActiveBranch)
	assert.Equal(t, out.CommitID, branchHead(t, s, model.DefaultBranch))

	c, err := getCommit(ctx, s.db, out.CommitID)
	require.NoError(t, err)
	assert.Equal(t, featureHead, c.MergeParent)
	assert.Equal(t, "merge feature into main", c.Message)

	got, err := mainConn.Reader().GetBlock(ctx, model.DefaultNamespace, "y")
	require.NoError(t, err)
	assert.Equal(t, "added on feature", got.Text)
	require.Len(t, got.Links, 1)
	assert.False(t, got.Links[0].Dangling)

	ref, err := bm.Get(ctx, "feature")
	require.NoError(t, err)
	assert.Equal(t, model.BranchMerged, ref.State)

	again, err := bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{})
	require.NoError(t, err)
	assert.True(t, again.UpToDate)
	assert.False(t, again.Committed)
	assert.Equal(t, out.CommitID, branchHead(t, s, model.DefaultBranch))
}

func TestMerge_BothSidesChangedConflict(t *testing.T) {
	ctx := context.Background()
	s, bm := divergedStore(t, BranchOptions{})
	mainHead := branchHead(t, s, model.DefaultBranch)
	featureHead := branchHead(t, s, "feature")

	out, err := bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{})
	require.NoError(t, err)
	assert.False(t, out.Committed)
	assert.Empty(t, out.CommitID)
	require.Len(t, out.Conflicts, 1)

	c := out.Conflicts[0]
	assert.Equal(t, "default/x", c.Key())
	assert.Contains(t, c.Tables, string(TableBlocks))
	require.NotNil(t, c.Base)
	require.NotNil(t, c.Source)
	require.NotNil(t, c.Target)
	assert.Equal(t, "original", c.Base.Text)
	assert.Equal(t, "feature edit", c.Source.Text)
	assert.Equal(t, "main edit", c.Target.Text)

	assert.Equal(t, mainHead, branchHead(t, s, model.DefaultBranch))
	assert.Equal(t, featureHead, branchHead(t, s, "feature"))
	var staged int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM staged_rows`).Scan(&staged))
	assert.Zero(t, staged)

	got, err := s.Reader(model.DefaultBranch).GetBlock(ctx, model.DefaultNamespace, "x")
	require.NoError(t, err)
	assert.Equal(t, "main edit", got.Text)
}

func TestMerge_ResolveConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("prefer source", func(t *testing.T) {
		s, bm := divergedStore(t, BranchOptions{})
		out, err := bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{Strategy: ConflictStrategy{Prefer: ResolveSource}})
		require.NoError(t, err)
		assert.True(t, out.Committed)
		assert.Empty(t, out.Conflicts)

		got, err := s.Reader(model.DefaultBranch).GetBlock(ctx, model.DefaultNamespace, "x")
		require.NoError(t, err)
		assert.Equal(t, "feature edit", got.Text)
	})

	t.Run("per block target", func(t *testing.T) {
		s, bm := divergedStore(t, BranchOptions{})
		out, err := bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{
			Strategy: ConflictStrategy{Prefer: ResolveSource, Resolutions: map[string]string{"default/x": ResolveTarget}},
		})
		require.NoError(t, err)
		assert.True(t, out.Committed)
		assert.Zero(t, out.Applied)

		got, err := s.Reader(model.DefaultBranch).GetBlock(ctx, model.DefaultNamespace, "x")
		require.NoError(t, err)
		assert.Equal(t, "main edit", got.Text)
	})

	t.Run("invalid resolution", func(t *testing.T) {
		_, bm := divergedStore(t, BranchOptions{})
		_, err := bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{Strategy: ConflictStrategy{Prefer: "theirs"}})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestMerge_Rejects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bm := NewBranchManager(s, BranchOptions{})
	checkout(t, bm, "feature")

	_, err := bm.Merge(ctx, "feature", "feature", MergeOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = bm.Merge(ctx, "ghost", model.DefaultBranch, MergeOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.DefaultBranch, se.Branch, "the merge ran on the target's connection")
	assert.Contains(t, err.Error(), "ghost")

	_, err = bm.Abandon(ctx, "feature")
	require.NoError(t, err)
	_, err = bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMerge_ApprovalGate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bm := NewBranchManager(s, BranchOptions{RequireApproval: true, Protected: []string{model.DefaultBranch}})
	feature := checkout(t, bm, "feature")
	createBlocks(t, s, feature, testBlock(model.DefaultNamespace, "y", "needs review"))

	_, err := bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = bm.Approve(ctx, "feature", "", "  ", "")
	assert.ErrorIs(t, err, ErrValidation)

	rec, err := bm.Approve(ctx, "feature", "", "alice", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultBranch, rec.Target)
	assert.Equal(t, branchHead(t, s, "feature"), rec.Head)

	// A later commit invalidates the approval.
	createBlocks(t, s, feature, testBlock(model.DefaultNamespace, "z", "late change"))
	_, err = bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = bm.Approve(ctx, "feature", "", "alice", "")
	require.NoError(t, err)
	out, err := bm.Merge(ctx, "feature", model.DefaultBranch, MergeOptions{})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	approvals, err := bm.Approvals(ctx, "feature")
	require.NoError(t, err)
	assert.Len(t, approvals, 2)
}

func TestDiffAndCompare(t *testing.T) {
	ctx := context.Background()
	s, bm := divergedStore(t, BranchOptions{})
	feature := acquire(t, s, "feature")
	createBlocks(t, s, feature, testBlock(model.DefaultNamespace, "y", "new on feature"))
	mainHead := branchHead(t, s, model.DefaultBranch)
	featureHead := branchHead(t, s, "feature")

	sum, err := bm.Diff(ctx, model.DefaultBranch, "feature")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.BlocksChanged)
	byTable := map[string]model.TableDiff{}
	for _, td := range sum.Tables {
		byTable[td.Table] = td
	}
	assert.Len(t, sum.Tables, len(PersistedTables))
	assert.Equal(t, model.TableDiff{Table: "blocks", Added: 1, Modified: 1}, byTable["blocks"])
	assert.Equal(t, model.TableDiff{Table: "block_chunks", Added: 1, Modified: 1}, byTable["block_chunks"])
	assert.Equal(t, model.TableDiff{Table: "namespaces"}, byTable["namespaces"])

	cmp, err := bm.Compare(ctx, model.DefaultBranch, "feature")
	require.NoError(t, err)
	assert.Equal(t, 2, cmp.Ahead)
	assert.Equal(t, 1, cmp.Behind)
	assert.NotEmpty(t, cmp.MergeBase)
	require.Len(t, cmp.Changes, 2)
	assert.Equal(t, "x", cmp.Changes[0].BlockID)
	assert.Equal(t, model.ChangeModified, cmp.Changes[0].Kind)
	assert.Equal(t, "main edit", cmp.Changes[0].Before.Text)
	assert.Equal(t, "feature edit", cmp.Changes[0].After.Text)
	assert.Equal(t, "y", cmp.Changes[1].BlockID)
	assert.Equal(t, model.ChangeAdded, cmp.Changes[1].Kind)
	assert.Nil(t, cmp.Changes[1].Before)

	// Reads never move either head.
	assert.Equal(t, mainHead, branchHead(t, s, model.DefaultBranch))
	assert.Equal(t, featureHead, branchHead(t, s, "feature"))

	same, err := bm.Diff(ctx, model.DefaultBranch, model.DefaultBranch)
	require.NoError(t, err)
	assert.Zero(t, same.BlocksChanged)
}
