package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcliao/memblocks/internal/chunker"
	"github.com/rcliao/memblocks/internal/model"
)

type rowWrite struct {
	table   Table
	key     RowKey
	payload []byte
}

// blockWrites expands a block into the rows of every persisted table that
// describes it.
func blockWrites(b *model.MemoryBlock) ([]rowWrite, error) {
	var out []rowWrite
	add := func(t Table, key RowKey, v interface{}) error {
		payload, _, err := encodeRow(v)
		if err != nil {
			return err
		}
		out = append(out, rowWrite{table: t, key: key, payload: payload})
		return nil
	}

	var meta json.RawMessage
	if b.Metadata != nil {
		raw, err := json.Marshal(b.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		meta = raw
	}
	br := blockRow{
		NamespaceID: b.NamespaceID,
		ID:          b.ID,
		Text:        b.Text,
		BlockType:   string(b.BlockType),
		Metadata:    meta,
		CreatedAt:   formatTime(b.CreatedAt),
		UpdatedAt:   formatTime(b.UpdatedAt),
	}
	if err := add(TableBlocks, br.key(), br); err != nil {
		return nil, err
	}

	for i, tag := range model.NormalizeTags(b.Tags) {
		tr := tagRow{NamespaceID: b.NamespaceID, BlockID: b.ID, Tag: tag, Seq: i}
		if err := add(TableTags, tr.key(), tr); err != nil {
			return nil, err
		}
	}

	seen := map[string]bool{}
	for _, l := range b.Links {
		lr := linkRow{
			NamespaceID: b.NamespaceID,
			FromID:      b.ID,
			Rel:         l.Rel,
			ToNamespace: l.LinkTargetNamespace(b.NamespaceID),
			ToID:        l.TargetID,
		}
		if seen[lr.key().String()] {
			continue
		}
		seen[lr.key().String()] = true
		if err := add(TableLinks, lr.key(), lr); err != nil {
			return nil, err
		}
	}

	for _, p := range chunker.Split(b.Text, chunker.DefaultOptions()) {
		cr := chunkRow{NamespaceID: b.NamespaceID, BlockID: b.ID, Seq: p.Seq, Text: p.Text, StartLine: p.StartLine, EndLine: p.EndLine}
		if err := add(TableChunks, cr.key(), cr); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (st *Stage) putAll(ctx context.Context, op Op, writes []rowWrite) error {
	for _, w := range writes {
		if _, err := st.Put(ctx, w.table, op, w.key, w.payload); err != nil {
			return err
		}
	}
	return nil
}

// StageBlockCreate stages a new block across every table that describes it.
func (st *Stage) StageBlockCreate(ctx context.Context, b *model.MemoryBlock) error {
	writes, err := blockWrites(b)
	if err != nil {
		return newError(KindStaging, "stage block", st.branch, err)
	}
	return st.putAll(ctx, OpInsert, writes)
}

// StageBlockReplace stages an existing block's new revision. Derived rows of
// the old revision that the new one lacks are deleted; incoming links stay.
func (st *Stage) StageBlockReplace(ctx context.Context, b *model.MemoryBlock) error {
	if err := st.stageRemoval(ctx, b.NamespaceID, b.ID, false); err != nil {
		return err
	}
	writes, err := blockWrites(b)
	if err != nil {
		return newError(KindStaging, "stage block", st.branch, err)
	}
	return st.putAll(ctx, OpUpdate, writes)
}

// StageBlockRemoval stages deletion of a block, every derived row it owns
// and every link that points at it.
func (st *Stage) StageBlockRemoval(ctx context.Context, ns, id string) error {
	return st.stageRemoval(ctx, ns, id, true)
}

func (st *Stage) stageRemoval(ctx context.Context, ns, id string, incoming bool) error {
	for _, t := range PersistedTables {
		spec := tableSpecs[t]
		if len(spec.ownerCols) == 0 {
			continue
		}
		keys, err := spec.ownedKeys(ctx, st.conn, st.branch, ns, id)
		if err != nil {
			return st.conn.fail("enumerate "+string(t), err)
		}
		if incoming {
			refs, err := spec.referencingKeys(ctx, st.conn, st.branch, ns, id)
			if err != nil {
				return st.conn.fail("enumerate "+string(t), err)
			}
			keys = append(keys, refs...)
		}
		for _, key := range keys {
			if _, err := st.Put(ctx, t, OpDelete, key, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// BlockRef names a block by namespace and id.
type BlockRef struct {
	Namespace string
	ID        string
}

// StageBlockMove stages moving block id from namespace from to namespace to:
// every owned row is deleted under from and recreated under to, and links
// from other blocks are retargeted.
func (st *Stage) StageBlockMove(ctx context.Context, from, to, id string) error {
	return st.StageBlocksMove(ctx, to, []BlockRef{{Namespace: from, ID: id}})
}

// StageBlocksMove stages moving every block in refs to namespace to. Links
// between two moved blocks are rewritten once, with both ends relocated.
func (st *Stage) StageBlocksMove(ctx context.Context, to string, refs []BlockRef) error {
	moves := relocation{}
	for _, ref := range refs {
		if ref.Namespace == to {
			return newError(KindStaging, "stage move", st.branch, fmt.Errorf("block %s is already in namespace %s", ref.ID, to))
		}
		moves[RowKey{ref.Namespace, ref.ID}.String()] = to
	}

	var deletes, writes []rowWrite
	done := map[string]bool{}
	for _, t := range PersistedTables {
		spec := tableSpecs[t]
		if len(spec.ownerCols) == 0 {
			continue
		}
		for _, ref := range refs {
			keys, err := spec.ownedKeys(ctx, st.conn, st.branch, ref.Namespace, ref.ID)
			if err != nil {
				return st.conn.fail("enumerate "+string(t), err)
			}
			refKeys, err := spec.referencingKeys(ctx, st.conn, st.branch, ref.Namespace, ref.ID)
			if err != nil {
				return st.conn.fail("enumerate "+string(t), err)
			}
			for _, key := range append(keys, refKeys...) {
				if done[string(t)+keySep+key.String()] {
					continue
				}
				done[string(t)+keySep+key.String()] = true

				payload, ok, err := spec.load(ctx, st.conn, st.branch, key)
				if err != nil {
					return st.conn.fail("load "+string(t), err)
				}
				if !ok {
					continue
				}
				moved, err := spec.rehome(payload, moves)
				if err != nil {
					return newError(KindStaging, "stage move", st.branch, err)
				}
				newKey, err := spec.keyOf(moved)
				if err != nil {
					return newError(KindStaging, "stage move", st.branch, err)
				}
				deletes = append(deletes, rowWrite{table: t, key: key})
				writes = append(writes, rowWrite{table: t, key: newKey, payload: moved})
			}
		}
	}

	// Deletes first: a write may land on a key another move just vacated.
	for _, d := range deletes {
		if _, err := st.Put(ctx, d.table, OpDelete, d.key, nil); err != nil {
			return err
		}
	}
	for _, w := range writes {
		op := OpUpdate
		if w.table == TableBlocks {
			op = OpInsert
		}
		if _, err := st.Put(ctx, w.table, op, w.key, w.payload); err != nil {
			return err
		}
	}
	return nil
}

// StageNamespaceCreate stages a new namespace row.
func (st *Stage) StageNamespaceCreate(ctx context.Context, name, description string) error {
	r := namespaceRow{Name: name, Description: description}
	payload, _, err := encodeRow(r)
	if err != nil {
		return newError(KindStaging, "stage namespace", st.branch, err)
	}
	_, err = st.Put(ctx, TableNamespaces, OpInsert, r.key(), payload)
	return err
}
