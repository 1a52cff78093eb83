package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memblocks/internal/model"
)

// Approve records approver's sign-off on the current head of branch for
// merging into target. An empty target means the branch's parent.
func (m *BranchManager) Approve(ctx context.Context, branch, target, approver, comment string) (*model.ApprovalRecord, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, newError(KindValidation, "approve", branch, fmt.Errorf("approver is required"))
	}
	ref, err := getBranch(ctx, m.s.db, branch)
	if err != nil {
		return nil, err
	}
	if ref.State == model.BranchAbandoned {
		return nil, newError(KindValidation, "approve", branch, fmt.Errorf("branch %s is abandoned", branch))
	}
	if target == "" {
		target = ref.Parent
	}
	if target == "" {
		target = model.DefaultBranch
	}
	if target == branch {
		return nil, newError(KindValidation, "approve", branch, fmt.Errorf("cannot approve %s into itself", branch))
	}
	if _, err := getBranch(ctx, m.s.db, target); err != nil {
		return nil, err
	}

	rec := &model.ApprovalRecord{
		ID:        m.s.newID(),
		Branch:    branch,
		Target:    target,
		Head:      ref.Head,
		Approver:  approver,
		Comment:   comment,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := m.s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, branch, target, head, approver, comment, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Branch, rec.Target, rec.Head, rec.Approver, nullString(rec.Comment), formatTime(rec.CreatedAt)); err != nil {
		return nil, classify(KindCommit, "approve", branch, err)
	}
	m.log.Info("branch approved", "branch", branch, "target", target, "head", ref.Head, "approver", approver)
	return rec, nil
}

// Approvals lists approvals recorded for branch, newest first.
func (m *BranchManager) Approvals(ctx context.Context, branch string) ([]model.ApprovalRecord, error) {
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT id, branch, target, head, approver, COALESCE(comment, ''), created_at
		 FROM approvals WHERE branch = ? ORDER BY id DESC`, branch)
	if err != nil {
		return nil, classify(KindCommit, "approvals", branch, err)
	}
	defer rows.Close()

	var out []model.ApprovalRecord
	for rows.Next() {
		var r model.ApprovalRecord
		var created string
		if err := rows.Scan(&r.ID, &r.Branch, &r.Target, &r.Head, &r.Approver, &r.Comment, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// checkApproval enforces the approval gate: merging into a protected target
// needs an approval of the source's current head.
func (m *BranchManager) checkApproval(ctx context.Context, q querier, src *model.BranchRef, target string) error {
	if !m.requireApproval || !m.protected[target] {
		return nil
	}
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE branch = ? AND target = ? AND head = ?`,
		src.Name, target, src.Head).Scan(&n); err != nil {
		return classify(KindCommit, "merge", target, err)
	}
	if n == 0 {
		return newError(KindValidation, "merge", target,
			fmt.Errorf("merging into protected branch %s requires an approval of %s at %s", target, src.Name, src.Head))
	}
	return nil
}
