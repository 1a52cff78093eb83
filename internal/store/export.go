package store

import (
	"context"
	"encoding/json"

	"github.com/rcliao/memblocks/internal/model"
)

// Export returns every block on the branch, optionally limited to one
// namespace, ordered by namespace then id.
func (r *Reader) Export(ctx context.Context, ns string) ([]model.MemoryBlock, error) {
	query := `SELECT ` + blockCols + ` FROM blocks WHERE branch = ?`
	args := []interface{}{r.branch}
	if ns != "" {
		query += ` AND namespace_id = ?`
		args = append(args, ns)
	}
	query += ` ORDER BY namespace_id, id`
	return r.queryBlocks(ctx, query, args, true)
}

// ToInput converts an exported block back into create input.
func ToInput(b model.MemoryBlock) (model.BlockInput, error) {
	in := model.BlockInput{
		ID:          b.ID,
		Text:        b.Text,
		BlockType:   b.BlockType,
		Tags:        b.Tags,
		NamespaceID: b.NamespaceID,
	}
	for _, l := range b.Links {
		in.Links = append(in.Links, model.Link{Rel: l.Rel, TargetID: l.TargetID, TargetNamespace: l.TargetNamespace})
	}
	if b.Metadata != nil {
		raw, err := json.Marshal(b.Metadata)
		if err != nil {
			return in, err
		}
		in.Metadata = raw
	}
	return in, nil
}
