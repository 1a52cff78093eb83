package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memblocks/internal/model"
)

func branchHead(t *testing.T, s *SQLiteStore, branch string) string {
	t.Helper()
	ref, err := getBranch(context.Background(), s.db, branch)
	require.NoError(t, err)
	return ref.Head
}

func TestCommit_AdvancesHead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	before := branchHead(t, s, model.DefaultBranch)

	x := testBlock(model.DefaultNamespace, "x", "hello")
	x.Tags = []string{"t"}
	out := createBlocks(t, s, conn, x)

	assert.False(t, out.Noop)
	assert.Equal(t, before, out.Parent)
	assert.Equal(t, model.DefaultBranch, out.Branch)
	assert.Equal(t, 3, out.Rows)
	assert.Equal(t, map[Table]int{TableBlocks: 1, TableTags: 1, TableChunks: 1}, out.Tables)
	assert.Equal(t, out.CommitID, branchHead(t, s, model.DefaultBranch))

	c, err := getCommit(ctx, s.db, out.CommitID)
	require.NoError(t, err)
	assert.Equal(t, before, c.Parent)
	assert.Equal(t, "create", c.Message)
	assert.Equal(t, "memblocks", c.Author)

	// Nothing stays staged once the commit lands.
	var staged int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM staged_rows`).Scan(&staged))
	assert.Zero(t, staged)
}

func TestCommit_EmptyStageIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	before := branchHead(t, s, model.DefaultBranch)

	out, err := s.Coordinator().Commit(ctx, NewStage(conn, s.NewRequestID()), CommitMessage{})
	require.NoError(t, err)
	assert.True(t, out.Noop)
	assert.Empty(t, out.CommitID)
	assert.Equal(t, before, branchHead(t, s, model.DefaultBranch))
}

func TestCommit_FailedApplyLeavesBranchUntouched(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	createBlocks(t, s, conn, testBlock(model.DefaultNamespace, "keep", "already here"))
	head := branchHead(t, s, model.DefaultBranch)

	counts := map[Table]int{}
	for _, tbl := range PersistedTables {
		counts[tbl] = countRows(t, s, tbl, model.DefaultBranch)
	}

	boom := errors.New("chunk write failed")
	s.Coordinator().beforeApply = func(tbl Table, _ RowKey) error {
		if tbl == TableChunks {
			return boom
		}
		return nil
	}
	t.Cleanup(func() { s.Coordinator().beforeApply = nil })

	x := testBlock(model.DefaultNamespace, "x", "never lands")
	x.Tags = []string{"a", "b"}
	x.Links = []model.Link{{Rel: "relates_to", TargetID: "keep"}}
	st := NewStage(conn, s.NewRequestID())
	require.NoError(t, st.StageBlockCreate(ctx, x))

	_, err := s.Coordinator().Commit(ctx, st, CommitMessage{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommit)
	assert.ErrorIs(t, err, boom)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, st.ID, se.ID)
	assert.Equal(t, model.DefaultBranch, se.Branch)

	assert.Equal(t, head, branchHead(t, s, model.DefaultBranch))
	for _, tbl := range PersistedTables {
		assert.Equal(t, counts[tbl], countRows(t, s, tbl, model.DefaultBranch), tbl)
	}

	// The stage survives a rolled back commit so the caller can discard it.
	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCommit_DuplicateInsertFailsWholeBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	createBlocks(t, s, conn, testBlock(model.DefaultNamespace, "x", "original"))
	head := branchHead(t, s, model.DefaultBranch)

	st := NewStage(conn, s.NewRequestID())
	require.NoError(t, st.StageBlockCreate(ctx, testBlock(model.DefaultNamespace, "a", "new")))
	require.NoError(t, st.StageBlockCreate(ctx, testBlock(model.DefaultNamespace, "x", "clobber")))

	_, err := s.Coordinator().Commit(ctx, st, CommitMessage{})
	assert.ErrorIs(t, err, ErrCommit)
	assert.Equal(t, head, branchHead(t, s, model.DefaultBranch))

	ok, err := conn.Reader().BlockExists(ctx, model.DefaultNamespace, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := conn.Reader().GetBlock(ctx, model.DefaultNamespace, "x")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Text)
}

func TestCommit_CancelledBeforeLock(t *testing.T) {
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	st := NewStage(conn, s.NewRequestID())
	require.NoError(t, st.StageBlockCreate(context.Background(), testBlock(model.DefaultNamespace, "x", "x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Coordinator().Commit(ctx, st, CommitMessage{})
	assert.ErrorIs(t, err, ErrConnection)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, countRows(t, s, TableBlocks, model.DefaultBranch))
}

func TestCommit_RunsToCompletionOnceStarted(t *testing.T) {
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	st := NewStage(conn, s.NewRequestID())
	require.NoError(t, st.StageBlockCreate(context.Background(), testBlock(model.DefaultNamespace, "x", "x")))

	unlock, err := s.Coordinator().Lock(context.Background(), model.DefaultBranch)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.Coordinator().CommitLocked(ctx, st, CommitMessage{})
	require.NoError(t, err)
	assert.Equal(t, out.CommitID, branchHead(t, s, model.DefaultBranch))
}

func TestLock_WaitHonorsContext(t *testing.T) {
	s := newTestStore(t)
	unlock, err := s.Coordinator().Lock(context.Background(), model.DefaultBranch)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Coordinator().Lock(ctx, model.DefaultBranch)
	assert.ErrorIs(t, err, ErrConnection)

	// Other branches are not blocked.
	other, err := s.Coordinator().Lock(context.Background(), "feature")
	require.NoError(t, err)
	other()
}

func TestCommit_ConcurrentCommitsSerialize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := branchHead(t, s, model.DefaultBranch)

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := s.Pool().Acquire(ctx, model.DefaultBranch)
			if err != nil {
				errs <- err
				return
			}
			defer s.Pool().Release(conn)
			st := NewStage(conn, s.NewRequestID())
			if err := st.StageBlockCreate(ctx, testBlock(model.DefaultNamespace, fmt.Sprintf("b%d", i), "text")); err != nil {
				errs <- err
				return
			}
			_, err = s.Coordinator().Commit(ctx, st, CommitMessage{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, writers, countRows(t, s, TableBlocks, model.DefaultBranch))

	// History is a single chain: every commit's parent is the previous head.
	log, err := NewBranchManager(s, BranchOptions{}).Log(ctx, model.DefaultBranch, 0)
	require.NoError(t, err)
	require.Len(t, log, writers+1)
	assert.Equal(t, start, log[len(log)-1].ID)
	for i := 0; i < writers; i++ {
		assert.Equal(t, log[i+1].ID, log[i].Parent)
	}
}

func TestCommit_SnapshotTracksRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	createBlocks(t, s, conn, testBlock(model.DefaultNamespace, "x", "one"))
	out := replaceText(t, s, conn, model.DefaultNamespace, "x", "two")

	snap, err := loadSnapshot(ctx, s.db, out.CommitID)
	require.NoError(t, err)
	assert.Len(t, snap[TableBlocks], 1)
	assert.Len(t, snap[TableNamespaces], 1)

	b, err := materialize(ctx, s.db, snap, model.DefaultBranch, model.DefaultNamespace, "x")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "two", b.Text)
	assert.Equal(t, 1, b.ChunkCount)
}

func createNamespaces(t *testing.T, s *SQLiteStore, conn *Conn, names ...string) {
	t.Helper()
	ctx := context.Background()
	st := NewStage(conn, s.NewRequestID())
	for _, name := range names {
		require.NoError(t, st.StageNamespaceCreate(ctx, name, ""))
	}
	_, err := s.Coordinator().Commit(ctx, st, CommitMessage{Message: "namespaces"})
	require.NoError(t, err)
}

func TestCommit_StaleMoveIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	createNamespaces(t, s, conn, "a", "b")
	x := testBlock(model.DefaultNamespace, "x", "moving")
	x.Tags = []string{"t"}
	createBlocks(t, s, conn, x)

	toA := NewStage(conn, s.NewRequestID())
	require.NoError(t, toA.StageBlockMove(ctx, model.DefaultNamespace, "a", "x"))
	toB := NewStage(conn, s.NewRequestID())
	require.NoError(t, toB.StageBlockMove(ctx, model.DefaultNamespace, "b", "x"))

	_, err := s.Coordinator().Commit(ctx, toA, CommitMessage{})
	require.NoError(t, err)
	head := branchHead(t, s, model.DefaultBranch)

	_, err = s.Coordinator().Commit(ctx, toB, CommitMessage{})
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, KindStale, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, head, branchHead(t, s, model.DefaultBranch))

	found, err := conn.Reader().BlockNamespaces(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, found)
	assert.Equal(t, 1, countRows(t, s, TableTags, model.DefaultBranch))
}

func TestCommit_MoveOfDeletedBlockIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	createNamespaces(t, s, conn, "a")
	createBlocks(t, s, conn, testBlock(model.DefaultNamespace, "y", "doomed"))

	move := NewStage(conn, s.NewRequestID())
	require.NoError(t, move.StageBlockMove(ctx, model.DefaultNamespace, "a", "y"))

	del := NewStage(conn, s.NewRequestID())
	require.NoError(t, del.StageBlockRemoval(ctx, model.DefaultNamespace, "y"))
	_, err := s.Coordinator().Commit(ctx, del, CommitMessage{})
	require.NoError(t, err)

	_, err = s.Coordinator().Commit(ctx, move, CommitMessage{})
	assert.ErrorIs(t, err, ErrStale)
	for _, tbl := range []Table{TableBlocks, TableTags, TableLinks, TableChunks} {
		assert.Zero(t, countRows(t, s, tbl, model.DefaultBranch), tbl)
	}
}

func TestStagePut_RecordsBase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := acquire(t, s, model.DefaultBranch)
	createBlocks(t, s, conn, testBlock(model.DefaultNamespace, "x", "one"))

	st := NewStage(conn, s.NewRequestID())
	require.NoError(t, st.StageBlockCreate(ctx, testBlock(model.DefaultNamespace, "fresh", "new")))
	require.NoError(t, st.StageBlockRemoval(ctx, model.DefaultNamespace, "x"))

	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotNil(t, e.Base, "%s %s", e.Table, e.Key.Display())
		ns, id := tableSpecs[e.Table].entity(e.Key)
		if id == "fresh" {
			assert.Empty(t, *e.Base, "new rows have no base")
		} else if ns == model.DefaultNamespace && id == "x" {
			assert.NotEmpty(t, *e.Base)
		}
	}
}
