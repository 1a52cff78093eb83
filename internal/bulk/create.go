package bulk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

// CreateRequest is the input of CreateBlocks and StageBlocks.
type CreateRequest struct {
	Items     []model.BlockInput
	Namespace string
	Message   string
}

// CreateBlocks validates items, stages the valid ones and commits them to the
// connection's branch in one commit.
func (h *Handler) CreateBlocks(ctx context.Context, conn *store.Conn, req CreateRequest) (*model.BulkResult, error) {
	return h.run(ctx, conn, true, func(ctx context.Context) (*batch, string, error) {
		b, ns, err := h.planCreate(ctx, conn, OpCreate, req)
		msg := req.Message
		if msg == "" {
			msg = fmt.Sprintf("create %d blocks in %s", len(b.items), ns)
		}
		return b, msg, err
	})
}

// StageBlocks validates items like CreateBlocks but adds them to the branch
// index instead of committing. A later CommitIndex makes them durable. The
// index only ever receives a request's rows all at once.
func (h *Handler) StageBlocks(ctx context.Context, conn *store.Conn, req CreateRequest) (*model.BulkResult, error) {
	return h.run(ctx, conn, false, func(ctx context.Context) (*batch, string, error) {
		b, _, err := h.planCreate(ctx, conn, OpStage, req)
		return b, "", err
	})
}

// itemLabel names an input item in the result: its id, or its position in
// the request ("#0", "#1", ...) when it has none.
func itemLabel(id string, i int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("#%d", i)
}

func (h *Handler) planCreate(ctx context.Context, conn *store.Conn, op string, req CreateRequest) (*batch, string, error) {
	b := h.newBatch(op, conn)
	ns := strings.TrimSpace(req.Namespace)
	if ns == "" {
		ns = h.defaultNS
	}

	ids := make([]string, len(req.Items))
	counts := map[string]int{}
	for i, in := range req.Items {
		ids[i] = strings.TrimSpace(in.ID)
		if ids[i] != "" {
			counts[ids[i]]++
		}
	}
	labels := make([]string, len(ids))
	for i, id := range ids {
		labels[i] = itemLabel(id, i)
	}

	reason, kind, err := h.checkBranch(ctx, b)
	if err != nil {
		_, err = h.failed(b, err)
		return b, ns, err
	}
	if reason != "" {
		b.reject(labels, reason, kind)
		return b, ns, nil
	}

	r := conn.Reader()
	ok, err := r.NamespaceExists(ctx, ns)
	if err != nil {
		_, err = h.failed(b, err)
		return b, ns, err
	}
	if !ok {
		b.reject(labels, b.inBranch(ReasonNamespaceNotFound), store.KindNotFound)
		return b, ns, nil
	}

	now := time.Now().UTC()
	for i, in := range req.Items {
		id, label := ids[i], labels[i]
		switch {
		case id != "" && !ValidID(id):
			b.skip(label, ReasonInvalidID, store.KindValidation)
			continue
		case counts[id] > 1:
			b.skip(label, ReasonDuplicateID, store.KindValidation)
			continue
		}

		itemNS := strings.TrimSpace(in.NamespaceID)
		if itemNS != "" && itemNS != ns {
			b.skip(label, ReasonNamespaceMismatch, store.KindValidation)
			continue
		}
		if strings.TrimSpace(in.Text) == "" {
			b.skip(label, ReasonEmptyText, store.KindValidation)
			continue
		}
		bt := in.BlockType
		if bt == "" {
			bt = model.BlockKnowledge
		}
		if !model.ValidBlockTypes[bt] {
			b.skip(label, ReasonUnknownBlockType, store.KindValidation)
			continue
		}
		meta, err := model.ParseMetadata(bt, in.Metadata)
		if err != nil {
			b.skip(label, ReasonInvalidMetadata, store.KindValidation)
			continue
		}
		if !validLinks(in.Links) {
			b.skip(label, ReasonInvalidLink, store.KindValidation)
			continue
		}

		if id == "" {
			id = h.s.NewBlockID()
		}
		exists, err := r.BlockExists(ctx, ns, id)
		if err != nil {
			_, err = h.failed(b, err)
			return b, ns, err
		}
		if exists {
			b.skip(label, b.inBranch(ReasonAlreadyExists), store.KindValidation)
			continue
		}

		block := &model.MemoryBlock{
			ID:          id,
			Text:        in.Text,
			BlockType:   bt,
			Metadata:    meta,
			Tags:        model.NormalizeTags(in.Tags),
			NamespaceID: ns,
			Branch:      b.branch,
			CreatedAt:   now,
			UpdatedAt:   now,
			Links:       in.Links,
		}
		b.add(id, func(ctx context.Context, st *store.Stage) error {
			return st.StageBlockCreate(ctx, block)
		})
	}
	return b, ns, nil
}

func validLinks(links []model.Link) bool {
	for _, l := range links {
		if l.Validate() != nil {
			return false
		}
	}
	return true
}
