package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcliao/memblocks/internal/model"
)

const blockCols = `namespace_id, id, text, block_type, metadata, created_at, updated_at`

func (r *Reader) scanBlock(row scanner) (model.MemoryBlock, error) {
	var br blockRow
	var meta sql.NullString
	if err := row.Scan(&br.NamespaceID, &br.ID, &br.Text, &br.BlockType, &meta, &br.CreatedAt, &br.UpdatedAt); err != nil {
		return model.MemoryBlock{}, err
	}
	if meta.Valid && meta.String != "" {
		br.Metadata = json.RawMessage(meta.String)
	}
	b, err := br.toModel(r.branch)
	if err != nil {
		return model.MemoryBlock{}, err
	}
	return *b, nil
}

// hydrate fills tags, links and chunk count.
func (r *Reader) hydrate(ctx context.Context, b *model.MemoryBlock) error {
	rows, err := r.q.QueryContext(ctx,
		`SELECT tag FROM block_tags WHERE branch = ? AND namespace_id = ? AND block_id = ? ORDER BY seq`,
		r.branch, b.NamespaceID, b.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			rows.Close()
			return err
		}
		b.Tags = append(b.Tags, tag)
	}
	rows.Close()

	rows, err = r.q.QueryContext(ctx,
		`SELECT l.rel, l.to_namespace, l.to_id,
		        NOT EXISTS (SELECT 1 FROM blocks t WHERE t.branch = l.branch AND t.namespace_id = l.to_namespace AND t.id = l.to_id)
		 FROM block_links l
		 WHERE l.branch = ? AND l.namespace_id = ? AND l.from_id = ?
		 ORDER BY l.rel, l.to_namespace, l.to_id`,
		r.branch, b.NamespaceID, b.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.Rel, &l.TargetNamespace, &l.TargetID, &l.Dangling); err != nil {
			rows.Close()
			return err
		}
		b.Links = append(b.Links, l)
	}
	rows.Close()

	return r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM block_chunks WHERE branch = ? AND namespace_id = ? AND block_id = ?`,
		r.branch, b.NamespaceID, b.ID).Scan(&b.ChunkCount)
}

// GetBlock returns block id. An empty namespace finds the id in any
// namespace, failing when it is ambiguous.
func (r *Reader) GetBlock(ctx context.Context, ns, id string) (*model.MemoryBlock, error) {
	if ns == "" {
		found, err := r.BlockNamespaces(ctx, id)
		if err != nil {
			return nil, err
		}
		switch len(found) {
		case 0:
			return nil, r.notFound(id)
		case 1:
			ns = found[0]
		default:
			return nil, newError(KindValidation, "get block", r.branch,
				fmt.Errorf("ambiguous id %s: present in namespaces %s", id, strings.Join(found, ", ")))
		}
	}

	b, err := r.scanBlock(r.q.QueryRowContext(ctx,
		`SELECT `+blockCols+` FROM blocks WHERE branch = ? AND namespace_id = ? AND id = ?`, r.branch, ns, id))
	if err == sql.ErrNoRows {
		return nil, r.notFound(id)
	}
	if err != nil {
		return nil, classify(KindNotFound, "get block", r.branch, err)
	}
	if err := r.hydrate(ctx, &b); err != nil {
		return nil, classify(KindNotFound, "get block", r.branch, err)
	}
	return &b, nil
}

func (r *Reader) notFound(id string) *Error {
	e := newError(KindNotFound, "get block", r.branch, fmt.Errorf("block not found in branch %s", r.branch))
	e.ID = id
	return e
}

// BlockNamespaces lists the namespaces that hold a block with this id.
func (r *Reader) BlockNamespaces(ctx context.Context, id string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT namespace_id FROM blocks WHERE branch = ? AND id = ? ORDER BY namespace_id`, r.branch, id)
	if err != nil {
		return nil, classify(KindNotFound, "lookup block", r.branch, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// BlockExists reports whether ns/id exists.
func (r *Reader) BlockExists(ctx context.Context, ns, id string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE branch = ? AND namespace_id = ? AND id = ?`, r.branch, ns, id).Scan(&n)
	if err != nil {
		return false, classify(KindNotFound, "lookup block", r.branch, err)
	}
	return n > 0, nil
}

// NamespaceExists reports whether the namespace row exists.
func (r *Reader) NamespaceExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM namespaces WHERE branch = ? AND name = ?`, r.branch, name).Scan(&n)
	if err != nil {
		return false, classify(KindNotFound, "lookup namespace", r.branch, err)
	}
	return n > 0, nil
}

// ListNamespaces returns the branch's namespaces with block counts.
func (r *Reader) ListNamespaces(ctx context.Context) ([]model.Namespace, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT n.name, COALESCE(n.description, ''), n.created_at,
		        (SELECT COUNT(*) FROM blocks b WHERE b.branch = n.branch AND b.namespace_id = n.name)
		 FROM namespaces n WHERE n.branch = ? ORDER BY n.name`, r.branch)
	if err != nil {
		return nil, classify(KindNotFound, "list namespaces", r.branch, err)
	}
	defer rows.Close()

	var out []model.Namespace
	for rows.Next() {
		ns := model.Namespace{Branch: r.branch}
		var created string
		if err := rows.Scan(&ns.Name, &ns.Description, &created, &ns.Blocks); err != nil {
			return nil, err
		}
		ns.CreatedAt = parseTime(created)
		out = append(out, ns)
	}
	return out, rows.Err()
}

// ListBlocks lists blocks matching the filters, newest first.
func (r *Reader) ListBlocks(ctx context.Context, p ListParams) ([]model.MemoryBlock, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"b.branch = ?"}
	args := []interface{}{r.branch}
	if p.Namespace != "" {
		where = append(where, "b.namespace_id = ?")
		args = append(args, p.Namespace)
	}
	if p.BlockType != "" {
		where = append(where, "b.block_type = ?")
		args = append(args, string(p.BlockType))
	}
	for _, tag := range p.Tags {
		where = append(where,
			"EXISTS (SELECT 1 FROM block_tags t WHERE t.branch = b.branch AND t.namespace_id = b.namespace_id AND t.block_id = b.id AND t.tag = ?)")
		args = append(args, tag)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT b.namespace_id, b.id, b.text, b.block_type, b.metadata, b.created_at, b.updated_at
		FROM blocks b
		WHERE %s
		ORDER BY b.updated_at DESC, b.id
		LIMIT ?`, strings.Join(where, " AND "))

	return r.queryBlocks(ctx, query, args, !p.IDsOnly)
}

func (r *Reader) queryBlocks(ctx context.Context, query string, args []interface{}, hydrate bool) ([]model.MemoryBlock, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(KindNotFound, "list blocks", r.branch, err)
	}
	var blocks []model.MemoryBlock
	for rows.Next() {
		b, err := r.scanBlock(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		blocks = append(blocks, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if hydrate {
		for i := range blocks {
			if err := r.hydrate(ctx, &blocks[i]); err != nil {
				return nil, err
			}
		}
	}
	return blocks, nil
}

// CountBlocks counts blocks, optionally in one namespace.
func (r *Reader) CountBlocks(ctx context.Context, ns string) (int, error) {
	query := `SELECT COUNT(*) FROM blocks WHERE branch = ?`
	args := []interface{}{r.branch}
	if ns != "" {
		query += ` AND namespace_id = ?`
		args = append(args, ns)
	}
	var n int
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify(KindNotFound, "count blocks", r.branch, err)
	}
	return n, nil
}
