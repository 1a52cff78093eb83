package bulk

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

// DeleteRequest is the input of DeleteBlocks.
type DeleteRequest struct {
	IDs       []string
	Namespace string
	Message   string
}

// DeleteBlocks removes blocks from one namespace of the connection's branch,
// together with their tags, chunks, outgoing links and every link that points
// at them. Ids that do not exist are skipped; the rest commit together.
func (h *Handler) DeleteBlocks(ctx context.Context, conn *store.Conn, req DeleteRequest) (*model.BulkResult, error) {
	ns := strings.TrimSpace(req.Namespace)
	if ns == "" {
		ns = h.defaultNS
	}
	ids := normalizeIDs(req.IDs)
	return h.run(ctx, conn, true, func(ctx context.Context) (*batch, string, error) {
		b, err := h.planDelete(ctx, conn, ns, ids)
		msg := req.Message
		if msg == "" {
			msg = fmt.Sprintf("delete %d blocks from %s", len(b.items), ns)
		}
		return b, msg, err
	})
}

func (h *Handler) planDelete(ctx context.Context, conn *store.Conn, ns string, ids []string) (*batch, error) {
	b := h.newBatch(OpDelete, conn)
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
	for _, id := range ids {
		if b.seen[id] {
			continue
		}
		if !ValidID(id) {
			b.skip(id, ReasonInvalidID, store.KindValidation)
			continue
		}
		exists, err := r.BlockExists(ctx, ns, id)
		if err != nil {
			_, err = h.failed(b, err)
			return b, err
		}
		if !exists {
			b.skip(id, b.inBranch(ReasonNotFound), store.KindNotFound)
			continue
		}
		id := id
		b.add(id, func(ctx context.Context, st *store.Stage) error {
			return st.StageBlockRemoval(ctx, ns, id)
		})
	}
	return b, nil
}
