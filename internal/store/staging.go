package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// IndexStage is the stage that accumulates explicitly added rows on a branch
// until they are committed or reset.
const IndexStage = "index"

// StagingEntry is one uncommitted row mutation.
type StagingEntry struct {
	Branch  string          `json:"branch"`
	StageID string          `json:"stage_id"`
	Table   Table           `json:"table"`
	Key     RowKey          `json:"key"`
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Hash    string          `json:"hash,omitempty"`
	// Base is the hash of the live row when it was first staged, "" when the
	// row did not exist. Nil for rows staged without a recorded base.
	Base     *string   `json:"base,omitempty"`
	StagedAt time.Time `json:"staged_at"`
}

// Stage records row-level mutations for one request on one branch. Each row
// is its own staged record; staging the same table and key again replaces it.
type Stage struct {
	ID     string
	conn   *Conn
	branch string
	rows   map[string]Table
}

// NewStage starts (or resumes) stage id on the connection's branch.
func NewStage(conn *Conn, id string) *Stage {
	return &Stage{ID: id, conn: conn, branch: ActiveBranch(conn), rows: map[string]Table{}}
}

// Branch is the branch the stage writes to.
func (st *Stage) Branch() string { return st.branch }

// Len is the number of distinct rows staged through this Stage value.
func (st *Stage) Len() int { return len(st.rows) }

// Tables lists the tables staged through this Stage value, in apply order.
func (st *Stage) Tables() []Table {
	seen := map[Table]bool{}
	for _, t := range st.rows {
		seen[t] = true
	}
	var out []Table
	for _, t := range PersistedTables {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out
}

// Put stages one row. For inserts and updates the payload must decode to a
// row whose key equals key. The live row's hash is recorded as the row's
// base; restaging keeps the first base so a commit can tell whether the row
// changed underneath the stage.
func (st *Stage) Put(ctx context.Context, table Table, op Op, key RowKey, payload []byte) (*StagingEntry, error) {
	spec, ok := specFor(table)
	if !ok {
		return nil, newError(KindStaging, "stage", st.branch, fmt.Errorf("unknown table %q", table))
	}
	if !op.valid() {
		return nil, newError(KindStaging, "stage", st.branch, fmt.Errorf("unknown op %q", op))
	}
	if len(key) != len(spec.keyCols) {
		return nil, newError(KindStaging, "stage", st.branch,
			fmt.Errorf("%s: key %q has %d parts, want %d", table, key.Display(), len(key), len(spec.keyCols)))
	}

	e := &StagingEntry{
		Branch:   st.branch,
		StageID:  st.ID,
		Table:    table,
		Key:      key,
		Op:       op,
		StagedAt: time.Now().UTC(),
	}
	var payloadArg, hashArg interface{}
	if op != OpDelete {
		got, err := spec.keyOf(payload)
		if err != nil {
			return nil, newError(KindStaging, "stage", st.branch, err)
		}
		if got.String() != key.String() {
			return nil, newError(KindStaging, "stage", st.branch,
				fmt.Errorf("%s: payload key %q does not match %q", table, got.Display(), key.Display()))
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return nil, newError(KindStaging, "stage", st.branch, err)
		}
		e.Payload = buf.Bytes()
		e.Hash = hashPayload(e.Payload)
		payloadArg, hashArg = string(e.Payload), e.Hash
	}

	base, err := spec.liveHash(ctx, st.conn, st.branch, key)
	if err != nil {
		return nil, st.conn.fail("stage "+string(table), err)
	}
	e.Base = &base

	_, err = st.conn.ExecContext(ctx,
		`INSERT INTO staged_rows (branch, stage_id, table_name, row_key, op, payload, row_hash, base_hash, staged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(branch, stage_id, table_name, row_key) DO UPDATE SET
		   op = excluded.op, payload = excluded.payload, row_hash = excluded.row_hash, staged_at = excluded.staged_at`,
		st.branch, st.ID, string(table), key.String(), string(op), payloadArg, hashArg, base, formatTime(e.StagedAt))
	if err != nil {
		return nil, st.conn.fail("stage "+string(table), err)
	}
	st.rows[string(table)+keySep+key.String()] = table
	return e, nil
}

// Drop removes one staged row, leaving the rest of the stage untouched.
func (st *Stage) Drop(ctx context.Context, table Table, key RowKey) error {
	_, err := st.conn.ExecContext(ctx,
		`DELETE FROM staged_rows WHERE branch = ? AND stage_id = ? AND table_name = ? AND row_key = ?`,
		st.branch, st.ID, string(table), key.String())
	if err != nil {
		return st.conn.fail("unstage "+string(table), err)
	}
	delete(st.rows, string(table)+keySep+key.String())
	return nil
}

// Discard removes every row of the stage. It runs even if ctx is already
// cancelled.
func (st *Stage) Discard(ctx context.Context) error {
	_, err := st.conn.ExecContext(context.WithoutCancel(ctx),
		`DELETE FROM staged_rows WHERE branch = ? AND stage_id = ?`, st.branch, st.ID)
	if err != nil {
		return st.conn.fail("discard stage", err)
	}
	st.rows = map[string]Table{}
	return nil
}

// Entries returns the staged rows in commit apply order.
func (st *Stage) Entries(ctx context.Context) ([]StagingEntry, error) {
	entries, err := loadEntries(ctx, st.conn, st.branch, st.ID)
	if err != nil {
		return nil, st.conn.fail("load stage", err)
	}
	return entries, nil
}

// loadEntries reads a stage sorted by table order, deletes before writes
// within a table, then row key.
func loadEntries(ctx context.Context, q querier, branch, stageID string) ([]StagingEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT table_name, row_key, op, payload, row_hash, base_hash, staged_at
		 FROM staged_rows WHERE branch = ? AND stage_id = ?`, branch, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []StagingEntry
	for rows.Next() {
		var table, key, op, stagedAt string
		var payload, hash, base sql.NullString
		if err := rows.Scan(&table, &key, &op, &payload, &hash, &base, &stagedAt); err != nil {
			return nil, err
		}
		e := StagingEntry{
			Branch:   branch,
			StageID:  stageID,
			Table:    Table(table),
			Key:      ParseRowKey(key),
			Op:       Op(op),
			Hash:     hash.String,
			StagedAt: parseTime(stagedAt),
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if base.Valid {
			b := base.String
			e.Base = &b
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []StagingEntry) {
	rank := func(e StagingEntry) int {
		if spec, ok := specFor(e.Table); ok {
			return spec.rank
		}
		return len(PersistedTables)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra < rb
		}
		if da, db := a.Op == OpDelete, b.Op == OpDelete; da != db {
			return da
		}
		return a.Key.String() < b.Key.String()
	})
}

// staleRows lists the entries whose live row no longer matches the base it
// was staged against.
func staleRows(ctx context.Context, q querier, branch string, entries []StagingEntry) ([]StagingEntry, error) {
	var stale []StagingEntry
	for _, e := range entries {
		if e.Base == nil {
			continue
		}
		spec, ok := specFor(e.Table)
		if !ok {
			continue
		}
		live, err := spec.liveHash(ctx, q, branch, e.Key)
		if err != nil {
			return nil, err
		}
		if live != *e.Base {
			stale = append(stale, e)
		}
	}
	return stale, nil
}

// stagedCount reports how many rows are pending in a stage.
func stagedCount(ctx context.Context, q querier, branch, stageID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staged_rows WHERE branch = ? AND stage_id = ?`, branch, stageID).Scan(&n)
	return n, err
}
