package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/memblocks/internal/model"
)

// Conflict resolutions.
const (
	ResolveSource = "source"
	ResolveTarget = "target"
)

// ConflictStrategy resolves merge conflicts per block. Resolutions is keyed
// by "namespace/id" and wins over Prefer. An empty strategy resolves nothing.
type ConflictStrategy struct {
	Prefer      string            `json:"prefer,omitempty"`
	Resolutions map[string]string `json:"resolutions,omitempty"`
}

func (s ConflictStrategy) resolve(c model.Conflict) string {
	if r, ok := s.Resolutions[c.Key()]; ok {
		return r
	}
	return s.Prefer
}

// Validate rejects unknown resolution values.
func (s ConflictStrategy) Validate() error {
	ok := func(v string) bool { return v == "" || v == ResolveSource || v == ResolveTarget }
	if !ok(s.Prefer) {
		return fmt.Errorf("invalid merge preference %q (valid: source, target)", s.Prefer)
	}
	for k, v := range s.Resolutions {
		if v != ResolveSource && v != ResolveTarget {
			return fmt.Errorf("invalid resolution %q for %s (valid: source, target)", v, k)
		}
	}
	return nil
}

// MergeOptions tunes a merge.
type MergeOptions struct {
	Strategy ConflictStrategy
	Message  string
	Author   string
}

// Merge brings source's changes since the merge base into target. Rows that
// changed on both sides to different values are conflicts, grouped per
// block. Unresolved conflicts produce an outcome with Committed=false and
// leave both branches untouched.
func (m *BranchManager) Merge(ctx context.Context, source, target string, opts MergeOptions) (out *model.MergeOutcome, retErr error) {
	ctx, span := tracer.Start(ctx, "memblocks.merge",
		trace.WithAttributes(
			attribute.String("memblocks.source", source),
			attribute.String("memblocks.target", target),
		),
	)
	defer func() { endSpan(span, retErr) }()

	if source == target {
		return nil, newError(KindValidation, "merge", target, fmt.Errorf("cannot merge %s into itself", source))
	}
	if err := opts.Strategy.Validate(); err != nil {
		return nil, newError(KindValidation, "merge", target, err)
	}

	conn, err := m.s.pool.Acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	defer m.s.pool.Release(conn)
	branch := ActiveBranch(conn)

	unlock, err := m.s.coord.Lock(ctx, branch)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Lookups run on the target's connection, so their errors name it.
	lookup := func(name string) (*model.BranchRef, error) {
		ref, err := getBranch(ctx, conn, name)
		var se *Error
		if errors.As(err, &se) {
			se.Branch = branch
		}
		return ref, err
	}
	src, err := lookup(source)
	if err != nil {
		return nil, err
	}
	dst, err := lookup(branch)
	if err != nil {
		return nil, err
	}
	for _, b := range []*model.BranchRef{src, dst} {
		if b.State == model.BranchAbandoned {
			return nil, newError(KindValidation, "merge", branch, fmt.Errorf("branch %s is abandoned", b.Name))
		}
	}
	if err := m.checkApproval(ctx, conn, src, branch); err != nil {
		return nil, err
	}

	g, err := loadGraph(ctx, conn)
	if err != nil {
		return nil, classify(KindCommit, "merge", branch, err)
	}
	base := g.mergeBase(src.Head, dst.Head)
	out = &model.MergeOutcome{
		Source:       source,
		Target:       branch,
		Base:         base,
		Conflicts:    []model.Conflict{},
		ActiveBranch: branch,
	}
	if base == src.Head {
		out.UpToDate = true
		return out, nil
	}
	out.FastForward = base == dst.Head

	snaps := make([]snapshot, 3)
	for i, id := range []string{base, src.Head, dst.Head} {
		if id == "" {
			snaps[i] = snapshot{}
			continue
		}
		if snaps[i], err = loadSnapshot(ctx, conn, id); err != nil {
			return nil, classify(KindCommit, "merge", branch, err)
		}
	}
	anc, theirs, ours := snaps[0], snaps[1], snaps[2]

	// Classify every row source changed since the base.
	var clean []rowChange
	conflicted := map[entityKey]map[string]bool{}
	pending := map[entityKey][]rowChange{}
	for _, rc := range changes(anc, theirs) {
		mine := ours[rc.table][rc.key]
		switch {
		case mine == rc.before:
			clean = append(clean, rc)
		case mine == rc.after:
			// Both sides made the same change.
		default:
			e := rc.entity()
			if conflicted[e] == nil {
				conflicted[e] = map[string]bool{}
			}
			conflicted[e][string(rc.table)] = true
		}
		pending[rc.entity()] = append(pending[rc.entity()], rc)
	}

	var unresolved []model.Conflict
	var apply []rowChange
	resolvedTo := map[entityKey]string{}
	for e, tables := range conflicted {
		c := model.Conflict{Namespace: e.ns, BlockID: e.id, Tables: tableList(tables)}
		if r := opts.Strategy.resolve(c); r != "" {
			resolvedTo[e] = r
			continue
		}
		if e.id != "" {
			if c.Base, err = materialize(ctx, conn, anc, base, e.ns, e.id); err == nil {
				if c.Source, err = materialize(ctx, conn, theirs, source, e.ns, e.id); err == nil {
					c.Target, err = materialize(ctx, conn, ours, branch, e.ns, e.id)
				}
			}
			if err != nil {
				return nil, classify(KindCommit, "merge", branch, err)
			}
		}
		unresolved = append(unresolved, c)
	}
	if len(unresolved) > 0 {
		sort.Slice(unresolved, func(i, j int) bool { return unresolved[i].Key() < unresolved[j].Key() })
		out.Conflicts = unresolved
		m.log.Info("merge has conflicts", "source", source, "target", branch, "conflicts", len(unresolved))
		return out, nil
	}

	for _, rc := range clean {
		if _, ok := resolvedTo[rc.entity()]; !ok {
			apply = append(apply, rc)
		}
	}
	// A block resolved to source takes source's revision of every row; one
	// resolved to target keeps target's rows untouched.
	for e, r := range resolvedTo {
		if r != ResolveSource {
			continue
		}
		for _, rc := range pending[e] {
			if ours[rc.table][rc.key] != rc.after {
				apply = append(apply, rc)
			}
		}
	}

	st := NewStage(conn, m.s.newID())
	for _, rc := range apply {
		key := ParseRowKey(rc.key)
		if rc.after == "" {
			if _, err := st.Put(ctx, rc.table, OpDelete, key, nil); err != nil {
				st.Discard(ctx)
				return nil, err
			}
			continue
		}
		payload, err := loadPayload(ctx, conn, rc.after)
		if err != nil {
			st.Discard(ctx)
			return nil, newError(KindStaging, "merge", branch, err)
		}
		if _, err := st.Put(ctx, rc.table, OpUpdate, key, payload); err != nil {
			st.Discard(ctx)
			return nil, err
		}
	}

	msg := opts.Message
	if msg == "" {
		msg = fmt.Sprintf("merge %s into %s", source, branch)
	}
	res, err := m.s.coord.CommitLocked(ctx, st, CommitMessage{
		Message:     msg,
		Author:      opts.Author,
		MergeParent: src.Head,
		Merged:      source,
	})
	if err != nil {
		st.Discard(ctx)
		return nil, err
	}
	out.Committed = true
	out.CommitID = res.CommitID
	out.Applied = res.Rows
	m.log.Info("merged", "source", source, "target", branch, "commit", res.CommitID, "rows", res.Rows)
	return out, nil
}
