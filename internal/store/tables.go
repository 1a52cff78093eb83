package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Table names a persisted table that commits write to.
type Table string

const (
	TableNamespaces Table = "namespaces"
	TableBlocks     Table = "blocks"
	TableTags       Table = "block_tags"
	TableLinks      Table = "block_links"
	TableChunks     Table = "block_chunks"
)

// PersistedTables is every table a commit may touch, in apply order.
var PersistedTables = []Table{TableNamespaces, TableBlocks, TableTags, TableLinks, TableChunks}

// Op is the kind of a staged mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

const keySep = "\x1f"

// RowKey is a primary key without the branch column.
type RowKey []string

func (k RowKey) String() string { return strings.Join(k, keySep) }

// Display joins the key parts with "/".
func (k RowKey) Display() string { return strings.Join(k, "/") }

// ParseRowKey is the inverse of RowKey.String.
func ParseRowKey(s string) RowKey { return strings.Split(s, keySep) }

// Row payloads. Field order is fixed so the JSON encoding, and with it the
// row hash, is canonical.

type namespaceRow struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (r namespaceRow) key() RowKey { return RowKey{r.Name} }

type blockRow struct {
	NamespaceID string          `json:"namespace_id"`
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	BlockType   string          `json:"block_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

func (r blockRow) key() RowKey { return RowKey{r.NamespaceID, r.ID} }

type tagRow struct {
	NamespaceID string `json:"namespace_id"`
	BlockID     string `json:"block_id"`
	Tag         string `json:"tag"`
	Seq         int    `json:"seq"`
}

func (r tagRow) key() RowKey { return RowKey{r.NamespaceID, r.BlockID, r.Tag} }

type linkRow struct {
	NamespaceID string `json:"namespace_id"`
	FromID      string `json:"from_id"`
	Rel         string `json:"rel"`
	ToNamespace string `json:"to_namespace"`
	ToID        string `json:"to_id"`
}

func (r linkRow) key() RowKey {
	return RowKey{r.NamespaceID, r.FromID, r.Rel, r.ToNamespace, r.ToID}
}

type chunkRow struct {
	NamespaceID string `json:"namespace_id"`
	BlockID     string `json:"block_id"`
	Seq         int    `json:"seq"`
	Text        string `json:"text"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
}

func (r chunkRow) key() RowKey {
	return RowKey{r.NamespaceID, r.BlockID, fmt.Sprint(r.Seq)}
}

// encodeRow returns the canonical payload and its content hash.
func encodeRow(v interface{}) ([]byte, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("encode row: %w", err)
	}
	return b, hashPayload(b), nil
}

func hashPayload(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// tableSpec describes how one persisted table is keyed, written, read and
// enumerated per block. Derived tables declare ownerCols so deletes and moves
// reach every row that describes a block.
type tableSpec struct {
	name    Table
	rank    int
	keyCols []string
	// cols lists every column except branch, key columns first.
	cols []string
	// ownerCols name the owning block (namespace, id); empty for namespaces.
	ownerCols []string
	// refCols name a referenced block; only links have them.
	refCols []string

	values func(payload []byte) ([]interface{}, error)
	scan   func(row scanner) ([]byte, error)
	rehome func(payload []byte, moves relocation) ([]byte, error)
}

// relocation maps a block's RowKey{namespace, id} string to the namespace it
// moves to.
type relocation map[string]string

func (m relocation) target(ns, id string) string {
	if to, ok := m[RowKey{ns, id}.String()]; ok {
		return to
	}
	return ns
}

var tableSpecs = map[Table]*tableSpec{}

func init() {
	for i, spec := range []*tableSpec{namespacesSpec, blocksSpec, tagsSpec, linksSpec, chunksSpec} {
		spec.rank = i
		tableSpecs[spec.name] = spec
	}
}

func specFor(t Table) (*tableSpec, bool) {
	spec, ok := tableSpecs[t]
	return spec, ok
}

// keyOf derives the row key a payload would be stored under.
func (t *tableSpec) keyOf(payload []byte) (RowKey, error) {
	vals, err := t.values(payload)
	if err != nil {
		return nil, err
	}
	key := make(RowKey, len(t.keyCols))
	for i := range t.keyCols {
		key[i] = fmt.Sprint(vals[i])
	}
	return key, nil
}

// entity returns the block a row describes. Namespace rows report id "".
func (t *tableSpec) entity(key RowKey) (ns, id string) {
	if len(t.ownerCols) == 0 {
		return key[0], ""
	}
	return key[0], key[1]
}

func (t *tableSpec) keyWhere() string {
	parts := []string{"branch = ?"}
	for _, c := range t.keyCols {
		parts = append(parts, c+" = ?")
	}
	return strings.Join(parts, " AND ")
}

func keyArgs(branch string, key RowKey) []interface{} {
	args := []interface{}{branch}
	for _, k := range key {
		args = append(args, k)
	}
	return args
}

// apply writes one mutation to the branch's live rows.
func (t *tableSpec) apply(ctx context.Context, q querier, branch string, op Op, key RowKey, payload []byte) error {
	if len(key) != len(t.keyCols) {
		return fmt.Errorf("%s: key %q has %d parts, want %d", t.name, key.Display(), len(key), len(t.keyCols))
	}
	if op == OpDelete {
		_, err := q.ExecContext(ctx, `DELETE FROM `+string(t.name)+` WHERE `+t.keyWhere(), keyArgs(branch, key)...)
		return err
	}

	vals, err := t.values(payload)
	if err != nil {
		return err
	}
	marks := strings.Repeat(", ?", len(t.cols))
	stmt := fmt.Sprintf(`INSERT INTO %s (branch, %s) VALUES (?%s)`, t.name, strings.Join(t.cols, ", "), marks)
	if op == OpUpdate {
		var sets []string
		for _, c := range t.cols[len(t.keyCols):] {
			if c == "created_at" {
				continue
			}
			sets = append(sets, c+" = excluded."+c)
		}
		conflict := "branch, " + strings.Join(t.keyCols, ", ")
		if len(sets) == 0 {
			stmt += ` ON CONFLICT(` + conflict + `) DO NOTHING`
		} else {
			stmt += ` ON CONFLICT(` + conflict + `) DO UPDATE SET ` + strings.Join(sets, ", ")
		}
	}
	_, err = q.ExecContext(ctx, stmt, append([]interface{}{branch}, vals...)...)
	return err
}

// load reads one live row as its canonical payload.
func (t *tableSpec) load(ctx context.Context, q querier, branch string, key RowKey) ([]byte, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+strings.Join(t.cols, ", ")+` FROM `+string(t.name)+` WHERE `+t.keyWhere(), keyArgs(branch, key)...)
	payload, err := t.scan(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// liveHash hashes the live row under key, or returns "" when there is none.
func (t *tableSpec) liveHash(ctx context.Context, q querier, branch string, key RowKey) (string, error) {
	payload, ok, err := t.load(ctx, q, branch, key)
	if err != nil || !ok {
		return "", err
	}
	return hashPayload(payload), nil
}

func (t *tableSpec) selectKeys(ctx context.Context, q querier, branch string, cols []string, ns, id string) ([]RowKey, error) {
	if len(cols) == 0 {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE branch = ? AND %s = ? AND %s = ? ORDER BY %s`,
			strings.Join(t.keyCols, ", "), t.name, cols[0], cols[1], strings.Join(t.keyCols, ", ")),
		branch, ns, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RowKey
	for rows.Next() {
		key := make(RowKey, len(t.keyCols))
		dest := make([]interface{}, len(key))
		for i := range key {
			dest[i] = &key[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ownedKeys lists the rows of this table that describe block ns/id.
func (t *tableSpec) ownedKeys(ctx context.Context, q querier, branch, ns, id string) ([]RowKey, error) {
	return t.selectKeys(ctx, q, branch, t.ownerCols, ns, id)
}

// referencingKeys lists rows of this table that point at block ns/id.
func (t *tableSpec) referencingKeys(ctx context.Context, q querier, branch, ns, id string) ([]RowKey, error) {
	return t.selectKeys(ctx, q, branch, t.refCols, ns, id)
}

// copyBranch duplicates every live row of from onto to.
func (t *tableSpec) copyBranch(ctx context.Context, q querier, from, to string) error {
	cols := strings.Join(t.cols, ", ")
	_, err := q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (branch, %s) SELECT ?, %s FROM %s WHERE branch = ?`, t.name, cols, cols, t.name),
		to, from)
	return err
}

var namespacesSpec = &tableSpec{
	name:    TableNamespaces,
	keyCols: []string{"name"},
	cols:    []string{"name", "description", "created_at"},
	values: func(payload []byte) ([]interface{}, error) {
		var r namespaceRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode namespace row: %w", err)
		}
		if r.Name == "" {
			return nil, fmt.Errorf("namespace name is required")
		}
		return []interface{}{r.Name, r.Description, formatTime(time.Now())}, nil
	},
	scan: func(row scanner) ([]byte, error) {
		var r namespaceRow
		var desc sql.NullString
		var created string
		if err := row.Scan(&r.Name, &desc, &created); err != nil {
			return nil, err
		}
		r.Description = desc.String
		return json.Marshal(r)
	},
}

var blocksSpec = &tableSpec{
	name:      TableBlocks,
	keyCols:   []string{"namespace_id", "id"},
	cols:      []string{"namespace_id", "id", "text", "block_type", "metadata", "created_at", "updated_at"},
	ownerCols: []string{"namespace_id", "id"},
	values: func(payload []byte) ([]interface{}, error) {
		var r blockRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode block row: %w", err)
		}
		var meta interface{}
		if len(r.Metadata) > 0 {
			meta = string(r.Metadata)
		}
		return []interface{}{r.NamespaceID, r.ID, r.Text, r.BlockType, meta, r.CreatedAt, r.UpdatedAt}, nil
	},
	scan: func(row scanner) ([]byte, error) {
		var r blockRow
		var meta sql.NullString
		if err := row.Scan(&r.NamespaceID, &r.ID, &r.Text, &r.BlockType, &meta, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			r.Metadata = json.RawMessage(meta.String)
		}
		return json.Marshal(r)
	},
	rehome: func(payload []byte, moves relocation) ([]byte, error) {
		var r blockRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.NamespaceID = moves.target(r.NamespaceID, r.ID)
		r.UpdatedAt = formatTime(time.Now())
		return json.Marshal(r)
	},
}

var tagsSpec = &tableSpec{
	name:      TableTags,
	keyCols:   []string{"namespace_id", "block_id", "tag"},
	cols:      []string{"namespace_id", "block_id", "tag", "seq"},
	ownerCols: []string{"namespace_id", "block_id"},
	values: func(payload []byte) ([]interface{}, error) {
		var r tagRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode tag row: %w", err)
		}
		return []interface{}{r.NamespaceID, r.BlockID, r.Tag, r.Seq}, nil
	},
	scan: func(row scanner) ([]byte, error) {
		var r tagRow
		if err := row.Scan(&r.NamespaceID, &r.BlockID, &r.Tag, &r.Seq); err != nil {
			return nil, err
		}
		return json.Marshal(r)
	},
	rehome: func(payload []byte, moves relocation) ([]byte, error) {
		var r tagRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.NamespaceID = moves.target(r.NamespaceID, r.BlockID)
		return json.Marshal(r)
	},
}

var linksSpec = &tableSpec{
	name:      TableLinks,
	keyCols:   []string{"namespace_id", "from_id", "rel", "to_namespace", "to_id"},
	cols:      []string{"namespace_id", "from_id", "rel", "to_namespace", "to_id"},
	ownerCols: []string{"namespace_id", "from_id"},
	refCols:   []string{"to_namespace", "to_id"},
	values: func(payload []byte) ([]interface{}, error) {
		var r linkRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode link row: %w", err)
		}
		return []interface{}{r.NamespaceID, r.FromID, r.Rel, r.ToNamespace, r.ToID}, nil
	},
	scan: func(row scanner) ([]byte, error) {
		var r linkRow
		if err := row.Scan(&r.NamespaceID, &r.FromID, &r.Rel, &r.ToNamespace, &r.ToID); err != nil {
			return nil, err
		}
		return json.Marshal(r)
	},
	// Both ends may name the moved block: its own outgoing links and the
	// incoming links of other blocks.
	rehome: func(payload []byte, moves relocation) ([]byte, error) {
		var r linkRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.NamespaceID = moves.target(r.NamespaceID, r.FromID)
		r.ToNamespace = moves.target(r.ToNamespace, r.ToID)
		return json.Marshal(r)
	},
}

var chunksSpec = &tableSpec{
	name:      TableChunks,
	keyCols:   []string{"namespace_id", "block_id", "seq"},
	cols:      []string{"namespace_id", "block_id", "seq", "text", "start_line", "end_line"},
	ownerCols: []string{"namespace_id", "block_id"},
	values: func(payload []byte) ([]interface{}, error) {
		var r chunkRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode chunk row: %w", err)
		}
		return []interface{}{r.NamespaceID, r.BlockID, r.Seq, r.Text, r.StartLine, r.EndLine}, nil
	},
	scan: func(row scanner) ([]byte, error) {
		var r chunkRow
		var start, end sql.NullInt64
		if err := row.Scan(&r.NamespaceID, &r.BlockID, &r.Seq, &r.Text, &start, &end); err != nil {
			return nil, err
		}
		r.StartLine, r.EndLine = int(start.Int64), int(end.Int64)
		return json.Marshal(r)
	},
	rehome: func(payload []byte, moves relocation) ([]byte, error) {
		var r chunkRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, err
		}
		r.NamespaceID = moves.target(r.NamespaceID, r.BlockID)
		return json.Marshal(r)
	},
}
