package bulk

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

// NamespaceRequest is the input of UpdateNamespace.
type NamespaceRequest struct {
	IDs             []string
	TargetNamespace string
	// SourceNamespace, when set, is the only namespace ids are looked up in.
	SourceNamespace string
	Message         string
}

// UpdateNamespace moves blocks into TargetNamespace. Outgoing links keep
// their targets and incoming links are retargeted. The target namespace must
// already exist on the branch.
func (h *Handler) UpdateNamespace(ctx context.Context, conn *store.Conn, req NamespaceRequest) (*model.BulkResult, error) {
	target := strings.TrimSpace(req.TargetNamespace)
	source := strings.TrimSpace(req.SourceNamespace)
	ids := normalizeIDs(req.IDs)
	return h.run(ctx, conn, true, func(ctx context.Context) (*batch, string, error) {
		b, err := h.planMove(ctx, conn, source, target, ids)
		msg := req.Message
		if msg == "" {
			msg = fmt.Sprintf("move %d blocks to %s", len(b.items), target)
		}
		return b, msg, err
	})
}

func (h *Handler) planMove(ctx context.Context, conn *store.Conn, source, target string, ids []string) (*batch, error) {
	b := h.newBatch(OpUpdateNamespace, conn)
	reason, kind, err := h.checkBranch(ctx, b)
	if err != nil {
		_, err = h.failed(b, err)
		return b, err
	}
	if reason != "" {
		b.reject(ids, reason, kind)
		return b, nil
	}

	r := conn.Reader()
	ok, err := r.NamespaceExists(ctx, target)
	if err != nil {
		_, err = h.failed(b, err)
		return b, err
	}
	if !ok {
		b.reject(ids, b.inBranch(ReasonTargetNotFound), store.KindNotFound)
		return b, nil
	}

	var refs []store.BlockRef
	for _, id := range ids {
		if b.seen[id] {
			continue
		}
		if !ValidID(id) {
			b.skip(id, ReasonInvalidID, store.KindValidation)
			continue
		}
		found, err := r.BlockNamespaces(ctx, id)
		if err != nil {
			_, err = h.failed(b, err)
			return b, err
		}
		if source != "" {
			found = filterNamespaces(found, source, target)
		}
		from, reason, kind := pickSource(found, target)
		if reason == ReasonNotFound {
			reason = b.inBranch(reason)
		}
		if reason != "" {
			b.skip(id, reason, kind)
			continue
		}
		// Moves stage together; the first item carries the whole batch.
		b.seen[id] = true
		refs = append(refs, store.BlockRef{Namespace: from, ID: id})
	}

	for i, ref := range refs {
		stage := func(context.Context, *store.Stage) error { return nil }
		if i == 0 {
			stage = func(ctx context.Context, st *store.Stage) error {
				return st.StageBlocksMove(ctx, target, refs)
			}
		}
		b.items = append(b.items, item{id: ref.ID, stage: stage})
	}
	return b, nil
}

// filterNamespaces keeps source, plus target so a block already in the target
// is still reported as such.
func filterNamespaces(found []string, source, target string) []string {
	var out []string
	for _, ns := range found {
		if ns == source || ns == target {
			out = append(out, ns)
		}
	}
	return out
}

// pickSource chooses the namespace to move from, or the skip reason.
func pickSource(found []string, target string) (string, string, store.Kind) {
	if len(found) == 0 {
		return "", ReasonNotFound, store.KindNotFound
	}
	for _, ns := range found {
		if ns == target {
			return "", ReasonAlreadyInTarget, store.KindValidation
		}
	}
	if len(found) > 1 {
		return "", ReasonAmbiguousID, store.KindValidation
	}
	return found[0], "", 0
}

var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// CreateNamespace adds a namespace to the connection's branch and commits it.
func (h *Handler) CreateNamespace(ctx context.Context, conn *store.Conn, name, description string) (*store.CommitOutcome, error) {
	branch := store.ActiveBranch(conn)
	name = strings.TrimSpace(name)
	if !namespaceRe.MatchString(name) {
		return nil, &store.Error{Kind: store.KindValidation, Op: "create namespace", Branch: branch, Err: fmt.Errorf("invalid namespace name %q", name)}
	}
	exists, err := conn.Reader().NamespaceExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &store.Error{Kind: store.KindValidation, Op: "create namespace", Branch: branch, ID: name, Err: fmt.Errorf("namespace %s already exists", name)}
	}
	st := store.NewStage(conn, h.s.NewRequestID())
	if err := st.StageNamespaceCreate(ctx, name, description); err != nil {
		st.Discard(ctx)
		return nil, err
	}
	out, err := h.s.Coordinator().Commit(ctx, st, store.CommitMessage{Message: "create namespace " + name, Author: h.author})
	if err != nil {
		st.Discard(ctx)
		return nil, err
	}
	h.log.Info("namespace created", "branch", branch, "namespace", name, "commit", out.CommitID)
	return out, nil
}
