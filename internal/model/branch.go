package model

import "time"

// BranchState is the lifecycle position of a branch.
type BranchState string

const (
	BranchOpen      BranchState = "open"
	BranchStaged    BranchState = "staged"
	BranchCommitted BranchState = "committed"
	BranchMerged    BranchState = "merged"
	BranchAbandoned BranchState = "abandoned"
)

// BranchRef is a named line of history in the block store.
type BranchRef struct {
	Name      string      `json:"name"`
	Parent    string      `json:"parent,omitempty"`
	Head      string      `json:"head"`
	Base      string      `json:"base,omitempty"`
	Dirty     bool        `json:"dirty"`
	State     BranchState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Writable reports whether the branch accepts new staged changes.
func (b BranchRef) Writable() bool {
	return b.State != BranchAbandoned
}

// Commit is an immutable point in a branch's history.
type Commit struct {
	ID          string    `json:"id"`
	Branch      string    `json:"branch"`
	Parent      string    `json:"parent,omitempty"`
	MergeParent string    `json:"merge_parent,omitempty"`
	Message     string    `json:"message"`
	Author      string    `json:"author"`
	StageID     string    `json:"stage_id,omitempty"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conflict is one block changed differently on both sides of a merge since
// their common ancestor.
type Conflict struct {
	Namespace string       `json:"namespace"`
	BlockID   string       `json:"block_id"`
	Tables    []string     `json:"tables"`
	Base      *MemoryBlock `json:"base,omitempty"`
	Source    *MemoryBlock `json:"source,omitempty"`
	Target    *MemoryBlock `json:"target,omitempty"`
}

// Key identifies the conflicting block as namespace/id.
func (c Conflict) Key() string {
	return c.Namespace + "/" + c.BlockID
}

// MergeOutcome reports what a merge did, or would do once conflicts are resolved.
type MergeOutcome struct {
	Source       string     `json:"source"`
	Target       string     `json:"target"`
	Base         string     `json:"base"`
	Conflicts    []Conflict `json:"conflicts"`
	Committed    bool       `json:"committed"`
	CommitID     string     `json:"commit_id,omitempty"`
	Applied      int        `json:"applied"`
	FastForward  bool       `json:"fast_forward,omitempty"`
	UpToDate     bool       `json:"up_to_date,omitempty"`
	ActiveBranch string     `json:"active_branch"`
}

// ApprovalRecord is a reviewer sign-off on a branch head.
type ApprovalRecord struct {
	ID        string    `json:"id"`
	Branch    string    `json:"branch"`
	Target    string    `json:"target"`
	Head      string    `json:"head"`
	Approver  string    `json:"approver"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TableDiff counts row changes in one persisted table.
type TableDiff struct {
	Table    string `json:"table"`
	Added    int    `json:"added"`
	Removed  int    `json:"removed"`
	Modified int    `json:"modified"`
}

// DiffSummary is the per-table change count needed to go from one branch to another.
type DiffSummary struct {
	From          string      `json:"from"`
	To            string      `json:"to"`
	FromHead      string      `json:"from_head"`
	ToHead        string      `json:"to_head"`
	Tables        []TableDiff `json:"tables"`
	BlocksChanged int         `json:"blocks_changed"`
}

// ChangeKind classifies a block-level difference.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// BlockChange is one block-level difference between two branches.
type BlockChange struct {
	Namespace string       `json:"namespace"`
	BlockID   string       `json:"block_id"`
	Kind      ChangeKind   `json:"kind"`
	Tables    []string     `json:"tables"`
	Before    *MemoryBlock `json:"before,omitempty"`
	After     *MemoryBlock `json:"after,omitempty"`
}

// BranchComparison is the detailed delta between two branches.
type BranchComparison struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	MergeBase string        `json:"merge_base"`
	Ahead     int           `json:"ahead"`
	Behind    int           `json:"behind"`
	Changes   []BlockChange `json:"changes"`
}

// StagedSummary is one staged row as reported by status.
type StagedSummary struct {
	StageID string `json:"stage_id"`
	Table   string `json:"table"`
	Key     string `json:"key"`
	Op      string `json:"op"`
}

// StatusSnapshot reports branch state and pending staged work.
type StatusSnapshot struct {
	ActiveBranch  string          `json:"active_branch"`
	Branch        *BranchRef      `json:"branch,omitempty"`
	Staged        []StagedSummary `json:"staged,omitempty"`
	Branches      []BranchRef     `json:"branches,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	RequestStatus string          `json:"request_status,omitempty"`
	CommitID      string          `json:"commit_id,omitempty"`
}
