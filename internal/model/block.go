// Package model defines the core memory block data types.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultNamespace exists on every branch and is never deleted.
const DefaultNamespace = "default"

// DefaultBranch is the root of every branch lineage.
const DefaultBranch = "main"

// MemoryBlock is one revision of a block on a branch.
type MemoryBlock struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	BlockType   BlockType `json:"block_type"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	NamespaceID string    `json:"namespace_id"`
	Branch      string    `json:"branch"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Links       []Link    `json:"links,omitempty"`
	ChunkCount  int       `json:"chunks,omitempty"`
}

// UnmarshalJSON decodes the metadata variant selected by block_type.
func (b *MemoryBlock) UnmarshalJSON(data []byte) error {
	type alias MemoryBlock
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias: (*alias)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	meta, err := ParseMetadata(b.BlockType, aux.Metadata)
	if err != nil {
		return err
	}
	b.Metadata = meta
	return nil
}

// Link is a typed, directed reference to another block on the same branch.
// Cycles are allowed; the target is held by reference only.
type Link struct {
	Rel             string `json:"rel"`
	TargetID        string `json:"target_id"`
	TargetNamespace string `json:"target_namespace,omitempty"`
	Dangling        bool   `json:"dangling,omitempty"`
}

// ValidRels are the allowed link relations.
var ValidRels = map[string]bool{
	"relates_to":   true,
	"contradicts":  true,
	"depends_on":   true,
	"refines":      true,
	"derived_from": true,
}

// BlockInput is a caller-supplied block for create and stage operations.
type BlockInput struct {
	ID          string          `json:"id,omitempty"`
	Text        string          `json:"text"`
	BlockType   BlockType       `json:"block_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	NamespaceID string          `json:"namespace_id,omitempty"`
	Links       []Link          `json:"links,omitempty"`
}

// Namespace is a logical partition of blocks within a branch.
type Namespace struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Branch      string    `json:"branch"`
	Blocks      int       `json:"blocks"`
	CreatedAt   time.Time `json:"created_at"`
}

// NormalizeTags trims, drops empties and removes duplicates while keeping
// first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// LinkTargetNamespace returns the namespace a link resolves in, defaulting to
// the namespace of the block that owns it.
func (l Link) LinkTargetNamespace(owner string) string {
	if l.TargetNamespace != "" {
		return l.TargetNamespace
	}
	return owner
}

// Validate checks the relation and target of a link.
func (l Link) Validate() error {
	if !ValidRels[l.Rel] {
		return fmt.Errorf("invalid relation %q (valid: relates_to, contradicts, depends_on, refines, derived_from)", l.Rel)
	}
	if strings.TrimSpace(l.TargetID) == "" {
		return fmt.Errorf("link target is required")
	}
	return nil
}
