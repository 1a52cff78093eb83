package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rcliao/memblocks/internal/model"
)

// snapshot maps table -> row key -> row hash for one commit.
type snapshot map[Table]map[string]string

func loadSnapshot(ctx context.Context, q querier, commitID string) (snapshot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT table_name, row_key, row_hash FROM commit_rows WHERE commit_id = ?`, commitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := snapshot{}
	for _, t := range PersistedTables {
		snap[t] = map[string]string{}
	}
	for rows.Next() {
		var table, key, hash string
		if err := rows.Scan(&table, &key, &hash); err != nil {
			return nil, err
		}
		if m, ok := snap[Table(table)]; ok {
			m[key] = hash
		}
	}
	return snap, rows.Err()
}

func loadPayload(ctx context.Context, q querier, hash string) ([]byte, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT payload FROM row_payloads WHERE row_hash = ?`, hash).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("load payload %s: %w", hash, err)
	}
	return []byte(payload), nil
}

// materialize rebuilds block ns/id as of a snapshot. It returns nil when the
// block row is absent.
func materialize(ctx context.Context, q querier, snap snapshot, branch, ns, id string) (*model.MemoryBlock, error) {
	hash, ok := snap[TableBlocks][RowKey{ns, id}.String()]
	if !ok {
		return nil, nil
	}
	payload, err := loadPayload(ctx, q, hash)
	if err != nil {
		return nil, err
	}
	var br blockRow
	if err := json.Unmarshal(payload, &br); err != nil {
		return nil, err
	}
	b, err := br.toModel(branch)
	if err != nil {
		return nil, err
	}

	prefix := RowKey{ns, id}.String() + keySep
	var tags []tagRow
	for key, h := range snap[TableTags] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		payload, err := loadPayload(ctx, q, h)
		if err != nil {
			return nil, err
		}
		var tr tagRow
		if err := json.Unmarshal(payload, &tr); err != nil {
			return nil, err
		}
		tags = append(tags, tr)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Seq < tags[j].Seq })
	for _, t := range tags {
		b.Tags = append(b.Tags, t.Tag)
	}

	var links []string
	for key := range snap[TableLinks] {
		if strings.HasPrefix(key, prefix) {
			links = append(links, key)
		}
	}
	sort.Strings(links)
	for _, key := range links {
		k := ParseRowKey(key)
		b.Links = append(b.Links, model.Link{Rel: k[2], TargetNamespace: k[3], TargetID: k[4]})
	}
	for key := range snap[TableChunks] {
		if strings.HasPrefix(key, prefix) {
			b.ChunkCount++
		}
	}
	return b, nil
}

func (r blockRow) toModel(branch string) (*model.MemoryBlock, error) {
	b := &model.MemoryBlock{
		ID:          r.ID,
		Text:        r.Text,
		BlockType:   model.BlockType(r.BlockType),
		NamespaceID: r.NamespaceID,
		Branch:      branch,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}
	if len(r.Metadata) > 0 {
		meta, err := model.ParseMetadata(b.BlockType, r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("block %s/%s: %w", r.NamespaceID, r.ID, err)
		}
		b.Metadata = meta
	}
	return b, nil
}

// commitGraph maps commit id -> parents (first parent, then merge parent).
type commitGraph map[string][]string

func loadGraph(ctx context.Context, q querier) (commitGraph, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, parent, merge_parent FROM commits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	g := commitGraph{}
	for rows.Next() {
		var id string
		var parent, merge sql.NullString
		if err := rows.Scan(&id, &parent, &merge); err != nil {
			return nil, err
		}
		var ps []string
		if parent.Valid && parent.String != "" {
			ps = append(ps, parent.String)
		}
		if merge.Valid && merge.String != "" {
			ps = append(ps, merge.String)
		}
		g[id] = ps
	}
	return g, rows.Err()
}

// ancestors returns every commit reachable from head, head included, in
// breadth-first order.
func (g commitGraph) ancestors(head string) []string {
	seen := map[string]bool{head: true}
	order := []string{head}
	for i := 0; i < len(order); i++ {
		for _, p := range g[order[i]] {
			if !seen[p] {
				seen[p] = true
				order = append(order, p)
			}
		}
	}
	return order
}

// mergeBase returns the common ancestor of a and b nearest to b.
func (g commitGraph) mergeBase(a, b string) string {
	inA := map[string]bool{}
	for _, c := range g.ancestors(a) {
		inA[c] = true
	}
	for _, c := range g.ancestors(b) {
		if inA[c] {
			return c
		}
	}
	return ""
}

// exclusive counts commits reachable from a but not from b.
func (g commitGraph) exclusive(a, b string) int {
	inB := map[string]bool{}
	for _, c := range g.ancestors(b) {
		inB[c] = true
	}
	n := 0
	for _, c := range g.ancestors(a) {
		if !inB[c] {
			n++
		}
	}
	return n
}

type rowChange struct {
	table  Table
	key    string
	before string
	after  string
}

// changes lists rows that differ between two snapshots, in table order.
func changes(from, to snapshot) []rowChange {
	var out []rowChange
	for _, t := range PersistedTables {
		keys := map[string]bool{}
		for k := range from[t] {
			keys[k] = true
		}
		for k := range to[t] {
			keys[k] = true
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		for _, k := range sorted {
			if a, b := from[t][k], to[t][k]; a != b {
				out = append(out, rowChange{table: t, key: k, before: a, after: b})
			}
		}
	}
	return out
}

type entityKey struct{ ns, id string }

func (rc rowChange) entity() entityKey {
	ns, id := tableSpecs[rc.table].entity(ParseRowKey(rc.key))
	return entityKey{ns, id}
}

func (m *BranchManager) heads(ctx context.Context, from, to string) (*model.BranchRef, *model.BranchRef, error) {
	a, err := getBranch(ctx, m.s.db, from)
	if err != nil {
		return nil, nil, err
	}
	b, err := getBranch(ctx, m.s.db, to)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// Diff counts the per-table row changes that turn from's head into to's head.
// It reads committed snapshots only and never mutates either branch.
func (m *BranchManager) Diff(ctx context.Context, from, to string) (*model.DiffSummary, error) {
	a, b, err := m.heads(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sa, err := loadSnapshot(ctx, m.s.db, a.Head)
	if err != nil {
		return nil, classify(KindCommit, "diff", from, err)
	}
	sb, err := loadSnapshot(ctx, m.s.db, b.Head)
	if err != nil {
		return nil, classify(KindCommit, "diff", to, err)
	}

	sum := &model.DiffSummary{From: from, To: to, FromHead: a.Head, ToHead: b.Head}
	counts := map[Table]*model.TableDiff{}
	for _, t := range PersistedTables {
		td := &model.TableDiff{Table: string(t)}
		counts[t] = td
	}
	blocks := map[entityKey]bool{}
	for _, rc := range changes(sa, sb) {
		td := counts[rc.table]
		switch {
		case rc.before == "":
			td.Added++
		case rc.after == "":
			td.Removed++
		default:
			td.Modified++
		}
		if e := rc.entity(); e.id != "" {
			blocks[e] = true
		}
	}
	for _, t := range PersistedTables {
		sum.Tables = append(sum.Tables, *counts[t])
	}
	sum.BlocksChanged = len(blocks)
	return sum, nil
}

// Compare reports block-level changes from from's head to to's head, with
// both revisions of each changed block, plus how far the branches have
// diverged since their merge base.
func (m *BranchManager) Compare(ctx context.Context, from, to string) (*model.BranchComparison, error) {
	a, b, err := m.heads(ctx, from, to)
	if err != nil {
		return nil, err
	}
	g, err := loadGraph(ctx, m.s.db)
	if err != nil {
		return nil, classify(KindCommit, "compare", from, err)
	}
	sa, err := loadSnapshot(ctx, m.s.db, a.Head)
	if err != nil {
		return nil, classify(KindCommit, "compare", from, err)
	}
	sb, err := loadSnapshot(ctx, m.s.db, b.Head)
	if err != nil {
		return nil, classify(KindCommit, "compare", to, err)
	}

	cmp := &model.BranchComparison{
		From:      from,
		To:        to,
		MergeBase: g.mergeBase(a.Head, b.Head),
		Ahead:     g.exclusive(b.Head, a.Head),
		Behind:    g.exclusive(a.Head, b.Head),
		Changes:   []model.BlockChange{},
	}

	byEntity := map[entityKey]map[string]bool{}
	var order []entityKey
	for _, rc := range changes(sa, sb) {
		e := rc.entity()
		if e.id == "" {
			continue
		}
		if byEntity[e] == nil {
			byEntity[e] = map[string]bool{}
			order = append(order, e)
		}
		byEntity[e][string(rc.table)] = true
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].ns != order[j].ns {
			return order[i].ns < order[j].ns
		}
		return order[i].id < order[j].id
	})

	for _, e := range order {
		before, err := materialize(ctx, m.s.db, sa, from, e.ns, e.id)
		if err != nil {
			return nil, classify(KindCommit, "compare", from, err)
		}
		after, err := materialize(ctx, m.s.db, sb, to, e.ns, e.id)
		if err != nil {
			return nil, classify(KindCommit, "compare", to, err)
		}
		ch := model.BlockChange{Namespace: e.ns, BlockID: e.id, Tables: tableList(byEntity[e]), Before: before, After: after}
		switch {
		case before == nil:
			ch.Kind = model.ChangeAdded
		case after == nil:
			ch.Kind = model.ChangeRemoved
		default:
			ch.Kind = model.ChangeModified
		}
		cmp.Changes = append(cmp.Changes, ch)
	}
	return cmp, nil
}

// tableList returns the set's table names in apply order.
func tableList(set map[string]bool) []string {
	var out []string
	for _, t := range PersistedTables {
		if set[string(t)] {
			out = append(out, string(t))
		}
	}
	return out
}
