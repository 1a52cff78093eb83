package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/memblocks/internal/model"
)

// ChunkMatch is the first chunk of a block that matched a search.
type ChunkMatch struct {
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// SearchResult wraps a block with optional chunk match info.
type SearchResult struct {
	model.MemoryBlock
	MatchChunk *ChunkMatch `json:"match_chunk,omitempty"`
}

// Search finds blocks whose id, text or chunks contain the query substring.
func (r *Reader) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + p.Query + "%"

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

	// Match in block text and chunk text; a block may match through several chunks.
	query := fmt.Sprintf(`
		SELECT DISTINCT b.namespace_id, b.id, b.text, b.block_type, b.metadata, b.created_at, b.updated_at
		FROM blocks b
		LEFT JOIN block_chunks c
		  ON c.branch = b.branch AND c.namespace_id = b.namespace_id AND c.block_id = b.id
		WHERE %s AND (b.text LIKE ? OR b.id LIKE ? OR c.text LIKE ?)
		ORDER BY b.updated_at DESC, b.id
		LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, pattern, pattern, pattern, limit)

	blocks, err := r.queryBlocks(ctx, query, args, true)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(blocks))
	for _, b := range blocks {
		res := SearchResult{MemoryBlock: b}
		var m ChunkMatch
		err := r.q.QueryRowContext(ctx,
			`SELECT seq, text, COALESCE(start_line, 0), COALESCE(end_line, 0) FROM block_chunks
			 WHERE branch = ? AND namespace_id = ? AND block_id = ? AND text LIKE ?
			 ORDER BY seq LIMIT 1`,
			r.branch, b.NamespaceID, b.ID, pattern).Scan(&m.Seq, &m.Text, &m.StartLine, &m.EndLine)
		if err == nil && b.ChunkCount > 1 {
			res.MatchChunk = &m
		}
		results = append(results, res)
	}
	return results, nil
}
