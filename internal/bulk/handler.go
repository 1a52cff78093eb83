// Package bulk implements the batch write operations on blocks: validate every
// item, stage the survivors into one per-request stage, commit once and
// report a BulkResult that accounts for every input id.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

// Operation names reported in BulkResult.Operation.
const (
	OpCreate          = "bulk_create_blocks"
	OpDelete          = "bulk_delete_blocks"
	OpUpdateNamespace = "bulk_update_namespace"
	OpStage           = "dolt_add"
)

// Skip reasons. Reasons that name a branch get " in branch <name>" appended.
const (
	ReasonInvalidID         = "invalid id"
	ReasonDuplicateID       = "duplicate id in request"
	ReasonNamespaceMismatch = "namespace mismatch"
	ReasonEmptyText         = "empty text"
	ReasonUnknownBlockType  = "unknown block type"
	ReasonInvalidMetadata   = "invalid metadata"
	ReasonInvalidLink       = "invalid link"
	ReasonAlreadyExists     = "block already exists"
	ReasonNotFound          = "block not found"
	ReasonAlreadyInTarget   = "already in target namespace"
	ReasonAmbiguousID       = "ambiguous id"
	ReasonNamespaceNotFound = "namespace not found"
	ReasonTargetNotFound    = "target namespace not found"
	ReasonBranchNotFound    = "branch not found"
	ReasonBranchAbandoned   = "branch abandoned"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidID reports whether id is usable as an explicit block id.
func ValidID(id string) bool { return idRe.MatchString(id) }

// Options configures a Handler.
type Options struct {
	Logger           *log.Logger
	DefaultNamespace string
	// RequestTimeout bounds a whole request, staging and commit included.
	// Zero means no bound beyond the caller's context.
	RequestTimeout time.Duration
	Author         string
}

// Handler runs bulk operations against a store. It is safe for concurrent
// use; each call works on the connection it is given.
type Handler struct {
	s         *store.SQLiteStore
	branches  *store.BranchManager
	log       *log.Logger
	defaultNS string
	timeout   time.Duration
	author    string

	// beforeCommit, when set, runs after staging and before an unlocked commit.
	beforeCommit func()
}

// New returns a Handler over s.
func New(s *store.SQLiteStore, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ns := opts.DefaultNamespace
	if ns == "" {
		ns = model.DefaultNamespace
	}
	return &Handler{
		s:         s,
		branches:  store.NewBranchManager(s, store.BranchOptions{}),
		log:       logger.WithPrefix("bulk"),
		defaultNS: ns,
		timeout:   opts.RequestTimeout,
		author:    opts.Author,
	}
}

// Store returns the underlying store.
func (h *Handler) Store() *store.SQLiteStore { return h.s }

// item is one validated input ready to stage.
type item struct {
	id    string
	stage func(ctx context.Context, st *store.Stage) error
}

// batch collects validation outcomes for one request.
type batch struct {
	res    *model.BulkResult
	branch string
	seen   map[string]bool
	items  []item
}

func (h *Handler) newBatch(op string, conn *store.Conn) *batch {
	res := model.NewBulkResult(op, h.s.NewRequestID())
	res.ActiveBranch = store.ActiveBranch(conn)
	return &batch{res: res, branch: res.ActiveBranch, seen: map[string]bool{}}
}

// record reports whether id has not been accounted for yet and marks it.
func (b *batch) record(id string) bool {
	if b.seen[id] {
		return false
	}
	b.seen[id] = true
	return true
}

func (b *batch) skip(id, reason string, kind store.Kind) {
	if b.record(id) {
		b.res.Skip(id, reason, kind.String())
	}
}

func (b *batch) add(id string, stage func(ctx context.Context, st *store.Stage) error) {
	b.seen[id] = true
	b.items = append(b.items, item{id: id, stage: stage})
}

// inBranch qualifies a reason with the batch's branch.
func (b *batch) inBranch(reason string) string {
	return reason + " in branch " + b.branch
}

// reject skips every id with one batch-level reason.
func (b *batch) reject(ids []string, reason string, kind store.Kind) *model.BulkResult {
	for _, id := range ids {
		b.skip(id, reason, kind)
	}
	b.res.Status = model.StatusRejected
	b.res.Summarize()
	return b.res
}

// checkBranch applies the branch preconditions every bulk operation shares.
// It returns a non-empty reason when the batch must be rejected.
func (h *Handler) checkBranch(ctx context.Context, b *batch) (string, store.Kind, error) {
	ref, err := h.s.Branch(ctx, b.branch)
	switch {
	case store.KindOf(err) == store.KindNotFound:
		return ReasonBranchNotFound, store.KindNotFound, nil
	case err != nil:
		return "", 0, err
	case ref.State == model.BranchAbandoned:
		return ReasonBranchAbandoned, store.KindValidation, nil
	}
	return "", 0, nil
}

// failed marks the batch failed on an infrastructure error.
func (h *Handler) failed(b *batch, err error) (*model.BulkResult, error) {
	b.res.Status = model.StatusFailed
	for _, it := range b.items {
		b.res.Fail(it.id, err.Error(), store.KindOf(err).String())
	}
	b.res.Summarize()
	h.log.Warn("bulk request failed", "op", b.res.Operation, "branch", b.branch, "request", b.res.RequestID, "err", err)
	return b.res, err
}

// plan validates a request against the branch's current rows and returns
// the batch to stage with its commit message. A batch whose result already
// carries a status is final.
type plan func(ctx context.Context) (b *batch, message string, err error)

// run validates, stages and commits one request. A commit that finds rows
// changed since they were staged is validated and staged again once, this
// time under the branch commit lock, so the result reflects every commit that
// landed first.
func (h *Handler) run(ctx context.Context, conn *store.Conn, commit bool, p plan) (*model.BulkResult, error) {
	b, msg, err := p(ctx)
	if err != nil || b.res.Status != "" {
		return b.res, err
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := h.execute(ctx, conn, b, commit, msg, nil)
	if res != nil || store.KindOf(err) != store.KindStale {
		return res, err
	}

	h.log.Info("staged rows changed before commit, validating again", "op", b.res.Operation, "branch", b.branch, "request", b.res.RequestID)
	unlock, err := h.s.Coordinator().Lock(ctx, b.branch)
	if err != nil {
		return h.failed(b, err)
	}
	release := sync.OnceFunc(unlock)
	again, msg, err := p(ctx)
	if err != nil {
		release()
		return h.failed(b, err)
	}
	again.res.RequestID = b.res.RequestID
	if again.res.Status != "" {
		release()
		return again.res, nil
	}
	res, err = h.execute(ctx, conn, again, commit, msg, release)
	if res != nil {
		res.TotalProcessingTimeMs = time.Since(start).Milliseconds()
	}
	return res, err
}

// execute stages every validated item into the request's own stage, then
// either commits it or moves it into the branch index. Staging errors
// discard the whole stage. held, when set, releases a branch commit lock the
// caller already holds; execute calls it exactly once. Without held, a commit
// rejected as stale returns a nil result so run can plan again.
func (h *Handler) execute(ctx context.Context, conn *store.Conn, b *batch, commit bool, message string, held func()) (*model.BulkResult, error) {
	handedOff := false
	defer func() {
		if !handedOff && held != nil {
			held()
		}
	}()

	res := b.res
	if len(b.items) == 0 {
		res.Status = model.StatusNoop
		res.Summarize()
		return res, nil
	}

	st := store.NewStage(conn, res.RequestID)
	start := time.Now()
	elapsed := func() { res.TotalProcessingTimeMs = time.Since(start).Milliseconds() }

	for _, it := range b.items {
		err := ctx.Err()
		if err == nil {
			err = it.stage(ctx, st)
		}
		if err == nil {
			continue
		}
		h.discard(ctx, st)
		elapsed()
		if ctx.Err() != nil || store.KindOf(err) == store.KindConnection {
			return h.failed(b, fmt.Errorf("stage %s: %w", it.id, err))
		}
		return h.rolledBack(b, err), nil
	}

	if !commit {
		err := h.branches.AddToIndex(ctx, st)
		elapsed()
		if err != nil {
			h.discard(ctx, st)
			return h.failed(b, err)
		}
		res.Status = model.StatusStaged
		h.succeed(b)
		return res, nil
	}

	if held == nil && h.beforeCommit != nil {
		h.beforeCommit()
	}
	handedOff = true
	out, err := h.commit(ctx, st, message, held)
	elapsed()
	switch {
	case err == nil:
		res.Status = model.StatusCommitted
		res.CommitID = out.CommitID
		h.succeed(b)
		h.log.Info("bulk committed", "op", res.Operation, "branch", b.branch, "commit", out.CommitID,
			"ok", len(res.SucceededIDs), "skipped", len(res.SkippedIDs))
		return res, nil
	case errors.Is(err, store.ErrUnknownOutcome):
		// The commit still owns the connection; keep it out of the pool.
		conn.MarkBroken()
		res.Status = model.StatusUnknown
		for _, it := range b.items {
			res.Fail(it.id, "commit outcome unknown: reconcile with request_id "+res.RequestID, store.KindUnknownOutcome.String())
		}
		res.Summarize()
		h.log.Warn("bulk commit outcome unknown", "op", res.Operation, "branch", b.branch, "request", res.RequestID)
		return res, err
	case store.KindOf(err) == store.KindStale && held == nil:
		return nil, err
	case store.KindOf(err) == store.KindConnection:
		return h.failed(b, err)
	default:
		return h.rolledBack(b, err), nil
	}
}

func (h *Handler) discard(ctx context.Context, st *store.Stage) {
	if err := st.Discard(ctx); err != nil {
		h.log.Warn("discard stage", "request", st.ID, "err", err)
	}
}

// commit runs the commit in the background so a request deadline can return
// while the transaction finishes. A plain cancel waits for the outcome. The
// outcome is unknown only once the branch lock was held: a deadline that
// expires while still waiting for the lock fails the request.
func (h *Handler) commit(ctx context.Context, st *store.Stage, message string, held func()) (*store.CommitOutcome, error) {
	type result struct {
		out *store.CommitOutcome
		err error
	}
	done := make(chan result, 1)
	locked := make(chan struct{})
	go func() {
		unlock := held
		if unlock == nil {
			var err error
			if unlock, err = h.s.Coordinator().Lock(ctx, st.Branch()); err != nil {
				h.discard(ctx, st)
				done <- result{nil, err}
				return
			}
		}
		close(locked)
		out, err := h.s.Coordinator().CommitLocked(ctx, st, store.CommitMessage{Message: message, Author: h.author})
		if err != nil {
			h.discard(ctx, st)
		}
		unlock()
		done <- result{out, err}
	}()

	deadline, ok := ctx.Deadline()
	if !ok {
		r := <-done
		return r.out, r.err
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r := <-done:
		return r.out, r.err
	case <-timer.C:
	}

	unknown := &store.Error{Kind: store.KindUnknownOutcome, Op: "commit", Branch: st.Branch(), ID: st.ID, Err: context.DeadlineExceeded}
	select {
	case r := <-done:
		return r.out, r.err
	default:
	}
	select {
	case <-locked:
		return nil, unknown
	default:
	}
	// Waiting for the lock honors ctx, so this ends promptly.
	select {
	case r := <-done:
		return r.out, r.err
	case <-locked:
		select {
		case r := <-done:
			return r.out, r.err
		default:
			return nil, unknown
		}
	}
}

func (h *Handler) succeed(b *batch) {
	for _, it := range b.items {
		b.res.SucceededIDs = append(b.res.SucceededIDs, it.id)
	}
	b.res.Summarize()
}

// rolledBack reports every staged id as errored with one shared cause.
func (h *Handler) rolledBack(b *batch, err error) *model.BulkResult {
	b.res.Status = model.StatusRolledBack
	reason := err.Error()
	for _, it := range b.items {
		b.res.Fail(it.id, reason, store.KindOf(err).String())
	}
	b.res.Summarize()
	h.log.Warn("bulk request rolled back", "op", b.res.Operation, "branch", b.branch, "request", b.res.RequestID, "err", err)
	return b.res
}

// normalizeIDs trims ids and reports them in input order.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strings.TrimSpace(id))
	}
	return out
}
