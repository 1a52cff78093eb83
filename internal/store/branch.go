package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rcliao/memblocks/internal/model"
)

// BranchOptions configures merge gating.
type BranchOptions struct {
	RequireApproval bool
	Protected       []string
}

// BranchManager runs branch lifecycle operations: checkout, diff, compare,
// merge and approve. Branches are always named explicitly.
type BranchManager struct {
	s               *SQLiteStore
	log             *log.Logger
	requireApproval bool
	protected       map[string]bool
}

// NewBranchManager returns a manager over s.
func NewBranchManager(s *SQLiteStore, opts BranchOptions) *BranchManager {
	protected := map[string]bool{}
	for _, b := range opts.Protected {
		protected[b] = true
	}
	return &BranchManager{
		s:               s,
		log:             s.log.WithPrefix("branch"),
		requireApproval: opts.RequireApproval,
		protected:       protected,
	}
}

// Store returns the underlying store.
func (m *BranchManager) Store() *SQLiteStore { return m.s }

const branchCols = `name, parent, head, base, dirty, state, created_at, updated_at`

func scanBranch(row scanner) (model.BranchRef, error) {
	var b model.BranchRef
	var parent, base sql.NullString
	var dirty int
	var state, created, updated string
	if err := row.Scan(&b.Name, &parent, &b.Head, &base, &dirty, &state, &created, &updated); err != nil {
		return b, err
	}
	b.Parent = parent.String
	b.Base = base.String
	b.Dirty = dirty != 0
	b.State = model.BranchState(state)
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

func getBranch(ctx context.Context, q querier, name string) (*model.BranchRef, error) {
	b, err := scanBranch(q.QueryRowContext(ctx, `SELECT `+branchCols+` FROM branches WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, newError(KindNotFound, "branch", "", fmt.Errorf("branch not found: %s", name))
	}
	if err != nil {
		return nil, classify(KindCommit, "branch", "", fmt.Errorf("load branch %s: %w", name, err))
	}
	return &b, nil
}

// Branch returns one branch, or a KindNotFound error.
func (s *SQLiteStore) Branch(ctx context.Context, name string) (*model.BranchRef, error) {
	return getBranch(ctx, s.db, name)
}

// Get returns one branch.
func (m *BranchManager) Get(ctx context.Context, name string) (*model.BranchRef, error) {
	return getBranch(ctx, m.s.db, name)
}

// List returns every branch ordered by name.
func (m *BranchManager) List(ctx context.Context) ([]model.BranchRef, error) {
	rows, err := m.s.db.QueryContext(ctx, `SELECT `+branchCols+` FROM branches ORDER BY name`)
	if err != nil {
		return nil, classify(KindCommit, "list branches", "", err)
	}
	defer rows.Close()

	var out []model.BranchRef
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CheckoutOutcome reports a checkout.
type CheckoutOutcome struct {
	Branch       model.BranchRef `json:"branch"`
	Created      bool            `json:"created"`
	ActiveBranch string          `json:"active_branch"`
}

// Checkout switches conn to branch name, creating it from from (or the
// connection's current branch) when it does not exist yet. A new branch
// starts with a copy of the parent's committed rows.
func (m *BranchManager) Checkout(ctx context.Context, conn *Conn, name, from string) (*CheckoutOutcome, error) {
	if err := ValidateBranchName(name); err != nil {
		return nil, err
	}

	existing, err := getBranch(ctx, conn, name)
	if err != nil && KindOf(err) != KindNotFound {
		return nil, err
	}
	if existing != nil {
		if existing.State == model.BranchAbandoned {
			return nil, newError(KindValidation, "checkout", ActiveBranch(conn), fmt.Errorf("branch %s is abandoned", name))
		}
		if err := conn.Switch(ctx, name); err != nil {
			return nil, conn.fail("checkout", err)
		}
		return &CheckoutOutcome{Branch: *existing, ActiveBranch: ActiveBranch(conn)}, nil
	}

	if from == "" {
		from = ActiveBranch(conn)
	}
	ref, err := m.create(ctx, name, from)
	if err != nil {
		return nil, err
	}
	if err := conn.Switch(ctx, name); err != nil {
		return nil, conn.fail("checkout", err)
	}
	m.log.Info("branch created", "branch", name, "from", from, "head", ref.Head)
	return &CheckoutOutcome{Branch: *ref, Created: true, ActiveBranch: ActiveBranch(conn)}, nil
}

// create forks name from parent under the parent's commit lock so the copied
// rows match the parent's head.
func (m *BranchManager) create(ctx context.Context, name, parent string) (*model.BranchRef, error) {
	unlock, err := m.s.coord.Lock(ctx, parent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := m.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(KindCommit, "checkout", parent, err)
	}
	defer tx.Rollback()

	p, err := getBranch(ctx, tx, parent)
	if err != nil {
		return nil, err
	}
	if p.State == model.BranchAbandoned {
		return nil, newError(KindValidation, "checkout", parent, fmt.Errorf("parent branch %s is abandoned", parent))
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO branches (`+branchCols+`) VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		name, parent, p.Head, p.Head, string(model.BranchOpen), now, now); err != nil {
		return nil, classify(KindCommit, "checkout", parent, fmt.Errorf("create branch %s: %w", name, err))
	}
	for _, t := range PersistedTables {
		if err := tableSpecs[t].copyBranch(ctx, tx, parent, name); err != nil {
			return nil, classify(KindCommit, "checkout", parent, fmt.Errorf("copy %s: %w", t, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(KindCommit, "checkout", parent, err)
	}
	return getBranch(ctx, m.s.db, name)
}

// Abandon marks a branch abandoned and drops its pending stages. The default
// branch cannot be abandoned.
func (m *BranchManager) Abandon(ctx context.Context, name string) (*model.BranchRef, error) {
	if name == model.DefaultBranch {
		return nil, newError(KindValidation, "abandon", name, fmt.Errorf("cannot abandon %s", name))
	}
	unlock, err := m.s.coord.Lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := getBranch(ctx, m.s.db, name); err != nil {
		return nil, err
	}
	tx, err := m.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(KindCommit, "abandon", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_rows WHERE branch = ?`, name); err != nil {
		return nil, classify(KindCommit, "abandon", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE branches SET state = ?, dirty = 0, updated_at = ? WHERE name = ?`,
		string(model.BranchAbandoned), formatTime(time.Now()), name); err != nil {
		return nil, classify(KindCommit, "abandon", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(KindCommit, "abandon", name, err)
	}
	return getBranch(ctx, m.s.db, name)
}

// AddToIndex moves every row of st into the branch's index stage and marks
// the branch staged, in one transaction. Rows already in the index keep the
// base they were first staged against. st is empty afterwards.
func (m *BranchManager) AddToIndex(ctx context.Context, st *Stage) error {
	conn, branch := st.conn, st.branch
	if st.ID == IndexStage {
		return newError(KindStaging, "add to index", branch, fmt.Errorf("stage is already the index"))
	}
	unlock, err := m.s.coord.Lock(ctx, branch)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := conn.raw.BeginTx(ctx, nil)
	if err != nil {
		return conn.fail("add to index", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO staged_rows (branch, stage_id, table_name, row_key, op, payload, row_hash, base_hash, staged_at)
		 SELECT branch, ?, table_name, row_key, op, payload, row_hash, base_hash, staged_at
		 FROM staged_rows WHERE branch = ? AND stage_id = ?
		 ON CONFLICT(branch, stage_id, table_name, row_key) DO UPDATE SET
		   op = excluded.op, payload = excluded.payload, row_hash = excluded.row_hash, staged_at = excluded.staged_at`,
		IndexStage, branch, st.ID); err != nil {
		return conn.fail("add to index", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM staged_rows WHERE branch = ? AND stage_id = ?`, branch, st.ID); err != nil {
		return conn.fail("add to index", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE branches SET dirty = 1, state = ?, updated_at = ? WHERE name = ? AND state != ?`,
		string(model.BranchStaged), formatTime(time.Now()), branch, string(model.BranchAbandoned)); err != nil {
		return conn.fail("mark staged", err)
	}
	if err := tx.Commit(); err != nil {
		return conn.fail("add to index", err)
	}
	st.rows = map[string]Table{}
	return nil
}

// CommitIndex commits the rows accumulated in the branch's index stage.
func (m *BranchManager) CommitIndex(ctx context.Context, conn *Conn, message, author string) (*CommitOutcome, error) {
	return m.s.coord.Commit(ctx, NewStage(conn, IndexStage), CommitMessage{Message: message, Author: author})
}

// ResetIndex discards the branch's index stage and reports how many rows it held.
func (m *BranchManager) ResetIndex(ctx context.Context, conn *Conn) (int, error) {
	branch := ActiveBranch(conn)
	unlock, err := m.s.coord.Lock(ctx, branch)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := stagedCount(ctx, conn, branch, IndexStage)
	if err != nil {
		return 0, conn.fail("reset", err)
	}
	if err := NewStage(conn, IndexStage).Discard(ctx); err != nil {
		return 0, err
	}
	if _, err := conn.ExecContext(ctx,
		`UPDATE branches SET dirty = 0,
		   state = CASE WHEN state = ? THEN (CASE WHEN head = base THEN ? ELSE ? END) ELSE state END,
		   updated_at = ?
		 WHERE name = ?`,
		string(model.BranchStaged), string(model.BranchOpen), string(model.BranchCommitted),
		formatTime(time.Now()), branch); err != nil {
		return 0, conn.fail("reset", err)
	}
	return n, nil
}

// Log walks first parents back from the branch head, newest first.
func (m *BranchManager) Log(ctx context.Context, branch string, limit int) ([]model.Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	ref, err := getBranch(ctx, m.s.db, branch)
	if err != nil {
		return nil, err
	}
	var out []model.Commit
	id := ref.Head
	for id != "" && len(out) < limit {
		c, err := getCommit(ctx, m.s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
		id = c.Parent
	}
	return out, nil
}

func getCommit(ctx context.Context, q querier, id string) (*model.Commit, error) {
	var c model.Commit
	var parent, mergeParent, stage sql.NullString
	var created string
	err := q.QueryRowContext(ctx,
		`SELECT id, branch, parent, merge_parent, message, author, stage_id, row_count, created_at
		 FROM commits WHERE id = ?`, id).
		Scan(&c.ID, &c.Branch, &parent, &mergeParent, &c.Message, &c.Author, &stage, &c.Rows, &created)
	if err == sql.ErrNoRows {
		return nil, newError(KindNotFound, "commit", "", fmt.Errorf("commit not found: %s", id))
	}
	if err != nil {
		return nil, err
	}
	c.Parent = parent.String
	c.MergeParent = mergeParent.String
	c.StageID = stage.String
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// Request statuses reported by RequestStatus.
const (
	RequestCommitted = "committed"
	RequestPending   = "pending"
	RequestAbsent    = "absent"
)

// RequestStatus reconciles a request whose outcome is unknown: committed
// (with its commit id), still pending in staging, or absent.
func (m *BranchManager) RequestStatus(ctx context.Context, requestID string) (string, string, error) {
	var commitID string
	err := m.s.db.QueryRowContext(ctx, `SELECT id FROM commits WHERE stage_id = ?`, requestID).Scan(&commitID)
	if err == nil {
		return RequestCommitted, commitID, nil
	}
	if err != sql.ErrNoRows {
		return "", "", classify(KindCommit, "request status", "", err)
	}
	var n int
	if err := m.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staged_rows WHERE stage_id = ?`, requestID).Scan(&n); err != nil {
		return "", "", classify(KindCommit, "request status", "", err)
	}
	if n > 0 {
		return RequestPending, "", nil
	}
	return RequestAbsent, "", nil
}

// Status reports the connection's branch, its pending staged rows and,
// when requestID is set, that request's reconciliation status.
func (m *BranchManager) Status(ctx context.Context, conn *Conn, requestID string) (*model.StatusSnapshot, error) {
	branch := ActiveBranch(conn)
	ref, err := getBranch(ctx, conn, branch)
	if err != nil {
		return nil, err
	}
	snap := &model.StatusSnapshot{ActiveBranch: branch, Branch: ref}

	rows, err := conn.QueryContext(ctx,
		`SELECT stage_id, table_name, row_key, op FROM staged_rows WHERE branch = ?
		 ORDER BY stage_id, table_name, row_key`, branch)
	if err != nil {
		return nil, conn.fail("status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s model.StagedSummary
		var key string
		if err := rows.Scan(&s.StageID, &s.Table, &key, &s.Op); err != nil {
			return nil, err
		}
		s.Key = ParseRowKey(key).Display()
		snap.Staged = append(snap.Staged, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if requestID != "" {
		status, commitID, err := m.RequestStatus(ctx, requestID)
		if err != nil {
			return nil, err
		}
		snap.RequestID, snap.RequestStatus, snap.CommitID = requestID, status, commitID
	}
	return snap, nil
}
