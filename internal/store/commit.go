package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/memblocks/internal/model"
)

var tracer = otel.Tracer("github.com/rcliao/memblocks/store")

var commitMetrics struct {
	commits   metric.Int64Counter
	rollbacks metric.Int64Counter
	rows      metric.Int64Counter
	duration  metric.Float64Histogram
	lockWait  metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/rcliao/memblocks/store")
	commitMetrics.commits, _ = m.Int64Counter("memblocks.commit.count",
		metric.WithDescription("Commits applied to a branch"),
		metric.WithUnit("{commit}"),
	)
	commitMetrics.rollbacks, _ = m.Int64Counter("memblocks.commit.rollbacks",
		metric.WithDescription("Commits rolled back after a failed apply"),
		metric.WithUnit("{commit}"),
	)
	commitMetrics.rows, _ = m.Int64Counter("memblocks.commit.rows",
		metric.WithDescription("Staged rows applied by commits"),
		metric.WithUnit("{row}"),
	)
	commitMetrics.duration, _ = m.Float64Histogram("memblocks.commit.duration",
		metric.WithDescription("Time spent inside the commit transaction"),
		metric.WithUnit("ms"),
	)
	commitMetrics.lockWait, _ = m.Float64Histogram("memblocks.commit.lock_wait",
		metric.WithDescription("Time spent waiting for the branch commit lock"),
		metric.WithUnit("ms"),
	)
}

// endSpan records an error (if any) and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CommitMessage describes the commit record to write.
type CommitMessage struct {
	Message     string
	Author      string
	MergeParent string
	// Merged, when set, names a source branch to mark merged in the same
	// transaction.
	Merged string
}

// CommitOutcome reports a finished commit.
type CommitOutcome struct {
	CommitID string        `json:"commit_id,omitempty"`
	Branch   string        `json:"branch"`
	Parent   string        `json:"parent,omitempty"`
	Rows     int           `json:"rows"`
	Tables   map[Table]int `json:"tables,omitempty"`
	Noop     bool          `json:"noop,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Coordinator applies stages to branches. It is the only writer of branch
// heads and holds a per-branch lock while doing so.
type Coordinator struct {
	s       *SQLiteStore
	lockDir string

	mu    sync.Mutex
	locks map[string]chan struct{}

	// beforeApply, when set, runs before each staged row is applied.
	beforeApply func(Table, RowKey) error
}

func newCoordinator(s *SQLiteStore, lockDir string) *Coordinator {
	return &Coordinator{s: s, lockDir: lockDir, locks: map[string]chan struct{}{}}
}

func (c *Coordinator) sem(branch string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.locks[branch]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[branch] = ch
	}
	return ch
}

// Lock takes the commit lock for branch: an in-process semaphore, then a file
// lock so other processes sharing the database serialize too. Waiting honors
// ctx.
func (c *Coordinator) Lock(ctx context.Context, branch string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindConnection, "commit lock", branch, err)
	}
	start := time.Now()
	ch := c.sem(branch)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, newError(KindConnection, "commit lock", branch, ctx.Err())
	}

	if err := os.MkdirAll(c.lockDir, 0o755); err != nil {
		<-ch
		return nil, newError(KindCommit, "commit lock", branch, fmt.Errorf("create lock dir: %w", err))
	}
	fl := flock.New(filepath.Join(c.lockDir, hex.EncodeToString([]byte(branch))+".lock"))
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil || !locked {
		<-ch
		if err == nil {
			err = ctx.Err()
		}
		return nil, newError(KindConnection, "commit lock", branch, err)
	}

	commitMetrics.lockWait.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("memblocks.branch", branch)))
	return func() {
		_ = fl.Unlock()
		<-ch
	}, nil
}

// Commit applies every row of stage to its branch in one transaction. Once
// the transaction starts it runs to completion regardless of ctx
// cancellation; only waiting for the lock can be cancelled.
func (c *Coordinator) Commit(ctx context.Context, st *Stage, msg CommitMessage) (*CommitOutcome, error) {
	unlock, err := c.Lock(ctx, st.branch)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.CommitLocked(ctx, st, msg)
}

// CommitLocked is Commit for a caller that already holds the branch lock
// from Lock. A stage holding rows that changed after they were staged is
// rolled back with a KindStale error.
func (c *Coordinator) CommitLocked(ctx context.Context, st *Stage, msg CommitMessage) (out *CommitOutcome, retErr error) {
	conn := st.conn
	branch := ActiveBranch(conn)
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	ctx, span := tracer.Start(ctx, "memblocks.commit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("memblocks.branch", branch),
			attribute.String("memblocks.stage", st.ID),
		),
	)
	defer func() { endSpan(span, retErr) }()

	fail := func(op string, err error) error {
		kind := KindCommit
		switch {
		case errors.Is(err, ErrStale):
			kind = KindStale
		case isConnectionError(err):
			kind = KindConnection
			conn.broken = true
		}
		commitMetrics.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("memblocks.branch", branch)))
		c.s.log.Warn("commit rolled back", "branch", branch, "stage", st.ID, "op", op, "err", err)
		e := newError(kind, op, branch, err)
		e.ID = st.ID
		return e
	}

	tx, err := conn.raw.BeginTx(ctx, nil)
	if err != nil {
		return nil, fail("begin commit", err)
	}
	defer tx.Rollback()

	ref, err := getBranch(ctx, tx, branch)
	if err != nil {
		return nil, fail("load branch", err)
	}
	if !ref.Writable() {
		return nil, fail("commit", fmt.Errorf("branch %s is %s", branch, ref.State))
	}

	entries, err := loadEntries(ctx, tx, branch, st.ID)
	if err != nil {
		return nil, fail("load stage", err)
	}
	if len(entries) == 0 && msg.MergeParent == "" {
		return &CommitOutcome{Branch: branch, Parent: ref.Head, Noop: true}, nil
	}

	stale, err := staleRows(ctx, tx, branch, entries)
	if err != nil {
		return nil, fail("verify stage", err)
	}
	if len(stale) > 0 {
		e := stale[0]
		return nil, fail("verify stage", fmt.Errorf("%d staged rows changed since staging, first %s %s: %w",
			len(stale), e.Table, e.Key.Display(), ErrStale))
	}

	tables := map[Table]int{}
	for _, e := range entries {
		spec, ok := specFor(e.Table)
		if !ok {
			return nil, fail("apply", fmt.Errorf("unknown table %q", e.Table))
		}
		if c.beforeApply != nil {
			if err := c.beforeApply(e.Table, e.Key); err != nil {
				return nil, fail("apply "+string(e.Table), err)
			}
		}
		if err := spec.apply(ctx, tx, branch, e.Op, e.Key, e.Payload); err != nil {
			return nil, fail("apply "+string(e.Table), fmt.Errorf("%s %s: %w", e.Op, e.Key.Display(), err))
		}
		tables[e.Table]++
	}

	commitID := c.s.newID()
	now := formatTime(time.Now())
	author := msg.Author
	if author == "" {
		author = c.s.author
	}
	message := msg.Message
	if message == "" {
		message = fmt.Sprintf("apply stage %s", st.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commits (id, branch, parent, merge_parent, message, author, stage_id, row_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		commitID, branch, ref.Head, nullString(msg.MergeParent), message, author, st.ID, len(entries), now); err != nil {
		return nil, fail("record commit", err)
	}

	if err := writeSnapshot(ctx, tx, ref.Head, commitID, entries); err != nil {
		return nil, fail("write snapshot", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM staged_rows WHERE branch = ? AND stage_id = ?`, branch, st.ID); err != nil {
		return nil, fail("clear stage", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE branches SET head = ?, state = ?, updated_at = ?,
		   dirty = EXISTS (SELECT 1 FROM staged_rows WHERE branch = ? AND stage_id = ?)
		 WHERE name = ?`,
		commitID, string(model.BranchCommitted), now, branch, IndexStage, branch); err != nil {
		return nil, fail("advance head", err)
	}

	if msg.Merged != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE branches SET state = ?, updated_at = ? WHERE name = ? AND state != ?`,
			string(model.BranchMerged), now, msg.Merged, string(model.BranchAbandoned)); err != nil {
			return nil, fail("mark merged", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fail("commit", err)
	}

	out = &CommitOutcome{
		CommitID: commitID,
		Branch:   branch,
		Parent:   ref.Head,
		Rows:     len(entries),
		Tables:   tables,
		Duration: time.Since(start),
	}
	attrs := metric.WithAttributes(attribute.String("memblocks.branch", branch))
	commitMetrics.commits.Add(ctx, 1, attrs)
	commitMetrics.rows.Add(ctx, int64(len(entries)), attrs)
	commitMetrics.duration.Record(ctx, float64(out.Duration.Milliseconds()), attrs)
	span.SetAttributes(attribute.String("memblocks.commit", commitID), attribute.Int("memblocks.rows", len(entries)))
	c.s.log.Debug("commit applied", "branch", branch, "commit", commitID, "rows", len(entries))
	return out, nil
}

// writeSnapshot records the row hashes of commit: the parent's snapshot with
// the applied entries layered on top.
func writeSnapshot(ctx context.Context, tx *sql.Tx, parent, commit string, entries []StagingEntry) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commit_rows (commit_id, table_name, row_key, row_hash)
		 SELECT ?, table_name, row_key, row_hash FROM commit_rows WHERE commit_id = ?`,
		commit, parent); err != nil {
		return err
	}
	for _, e := range entries {
		var err error
		if e.Op == OpDelete {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM commit_rows WHERE commit_id = ? AND table_name = ? AND row_key = ?`,
				commit, string(e.Table), e.Key.String())
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO commit_rows (commit_id, table_name, row_key, row_hash) VALUES (?, ?, ?, ?)
				 ON CONFLICT(commit_id, table_name, row_key) DO UPDATE SET row_hash = excluded.row_hash`,
				commit, string(e.Table), e.Key.String(), e.Hash)
			if err == nil {
				_, err = tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO row_payloads (row_hash, payload) VALUES (?, ?)`, e.Hash, string(e.Payload))
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
