package model

import (
	"fmt"
	"sort"
	"strings"
)

// BulkStatus is the batch-level outcome of a bulk request.
type BulkStatus string

const (
	// StatusCommitted: every succeeded id is durable.
	StatusCommitted BulkStatus = "committed"
	// StatusStaged: rows were added to the branch index without a commit.
	StatusStaged BulkStatus = "staged"
	// StatusNoop: validation left nothing to stage.
	StatusNoop BulkStatus = "noop"
	// StatusRejected: a batch precondition failed, nothing was staged.
	StatusRejected BulkStatus = "rejected"
	// StatusRolledBack: staging or commit failed and the batch was undone.
	StatusRolledBack BulkStatus = "rolled_back"
	// StatusFailed: infrastructure failure before commit, nothing applied.
	StatusFailed BulkStatus = "failed"
	// StatusUnknown: the deadline expired mid-commit; reconcile by request id.
	StatusUnknown BulkStatus = "unknown"
)

// ItemOutcome is the reason one input id was skipped or errored.
type ItemOutcome struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Kind   string `json:"kind"`
}

// BulkResult partitions the input ids of one bulk request.
type BulkResult struct {
	Operation             string        `json:"operation"`
	RequestID             string        `json:"request_id"`
	Status                BulkStatus    `json:"status"`
	SucceededIDs          []string      `json:"succeeded_ids"`
	SkippedIDs            []ItemOutcome `json:"skipped_ids"`
	ErroredIDs            []ItemOutcome `json:"errored_ids"`
	ErrorSummary          []string      `json:"error_summary"`
	ActiveBranch          string        `json:"active_branch"`
	CommitID              string        `json:"commit_id,omitempty"`
	TotalProcessingTimeMs int64         `json:"total_processing_time_ms"`
}

// NewBulkResult returns an empty result with non-nil partitions.
func NewBulkResult(op, requestID string) *BulkResult {
	return &BulkResult{
		Operation:    op,
		RequestID:    requestID,
		SucceededIDs: []string{},
		SkippedIDs:   []ItemOutcome{},
		ErroredIDs:   []ItemOutcome{},
		ErrorSummary: []string{},
	}
}

// Skip records a validation-time skip.
func (r *BulkResult) Skip(id, reason, kind string) {
	r.SkippedIDs = append(r.SkippedIDs, ItemOutcome{ID: id, Reason: reason, Kind: kind})
}

// Fail records an errored id.
func (r *BulkResult) Fail(id, reason, kind string) {
	r.ErroredIDs = append(r.ErroredIDs, ItemOutcome{ID: id, Reason: reason, Kind: kind})
}

// Summarize collapses skip and error reasons into one line per distinct cause,
// e.g. "3 items skipped: block not found in branch main". Causes are listed in
// first-seen order, skips before errors.
func (r *BulkResult) Summarize() {
	r.ErrorSummary = append(summarize(r.SkippedIDs, "skipped"), summarize(r.ErroredIDs, "errored")...)
}

func summarize(items []ItemOutcome, verb string) []string {
	counts := map[string]int{}
	var order []string
	for _, it := range items {
		if counts[it.Reason] == 0 {
			order = append(order, it.Reason)
		}
		counts[it.Reason]++
	}
	out := make([]string, 0, len(order))
	for _, reason := range order {
		noun := "items"
		if counts[reason] == 1 {
			noun = "item"
		}
		out = append(out, fmt.Sprintf("%d %s %s: %s", counts[reason], noun, verb, reason))
	}
	return out
}

// AllIDs returns every id in the three partitions, sorted.
func (r *BulkResult) AllIDs() []string {
	ids := append([]string{}, r.SucceededIDs...)
	for _, s := range r.SkippedIDs {
		ids = append(ids, s.ID)
	}
	for _, e := range r.ErroredIDs {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return ids
}

// String renders a one-line description for logs.
func (r *BulkResult) String() string {
	return fmt.Sprintf("%s %s on %s: %d ok, %d skipped, %d errored [%s]",
		r.Operation, r.Status, r.ActiveBranch,
		len(r.SucceededIDs), len(r.SkippedIDs), len(r.ErroredIDs),
		strings.Join(r.ErrorSummary, "; "))
}
