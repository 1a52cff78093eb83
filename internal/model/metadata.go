package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BlockType tags the variant of a block and selects its metadata schema.
type BlockType string

const (
	BlockKnowledge BlockType = "knowledge"
	BlockTask      BlockType = "task"
	BlockLog       BlockType = "log"
	BlockDoc       BlockType = "doc"
)

// ValidBlockTypes are the allowed block types.
var ValidBlockTypes = map[BlockType]bool{
	BlockKnowledge: true,
	BlockTask:      true,
	BlockLog:       true,
	BlockDoc:       true,
}

// ErrUnknownBlockType is returned for a block_type outside ValidBlockTypes.
var ErrUnknownBlockType = errors.New("unknown block type")

// Metadata is the per-variant payload of a block. Exactly one implementation
// exists per BlockType.
type Metadata interface {
	Type() BlockType
	Validate() error
}

// KnowledgeMeta describes a knowledge block.
type KnowledgeMeta struct {
	Topic      string   `json:"topic,omitempty"`
	Source     string   `json:"source,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func (KnowledgeMeta) Type() BlockType { return BlockKnowledge }

func (m KnowledgeMeta) Validate() error {
	if m.Confidence != nil && (*m.Confidence < 0 || *m.Confidence > 1) {
		return fmt.Errorf("confidence must be within [0, 1], got %v", *m.Confidence)
	}
	return nil
}

// TaskMeta describes a task block.
type TaskMeta struct {
	Status   string     `json:"status"`
	Priority int        `json:"priority,omitempty"`
	Assignee string     `json:"assignee,omitempty"`
	Due      *time.Time `json:"due,omitempty"`
}

// TaskStatuses are the allowed task states.
var TaskStatuses = map[string]bool{
	"todo":        true,
	"in_progress": true,
	"blocked":     true,
	"done":        true,
	"cancelled":   true,
}

func (TaskMeta) Type() BlockType { return BlockTask }

func (m TaskMeta) Validate() error {
	if !TaskStatuses[m.Status] {
		return fmt.Errorf("invalid task status %q", m.Status)
	}
	if m.Priority < 0 || m.Priority > 4 {
		return fmt.Errorf("task priority must be within [0, 4], got %d", m.Priority)
	}
	return nil
}

// LogMeta describes a log block.
type LogMeta struct {
	Level string `json:"level"`
	Agent string `json:"agent,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (LogMeta) Type() BlockType { return BlockLog }

func (m LogMeta) Validate() error {
	if !logLevels[m.Level] {
		return fmt.Errorf("invalid log level %q", m.Level)
	}
	return nil
}

// DocMeta describes a doc block.
type DocMeta struct {
	Title  string `json:"title"`
	URI    string `json:"uri,omitempty"`
	Format string `json:"format,omitempty"`
}

var docFormats = map[string]bool{"": true, "markdown": true, "text": true, "html": true}

func (DocMeta) Type() BlockType { return BlockDoc }

func (m DocMeta) Validate() error {
	if m.Title == "" {
		return fmt.Errorf("doc title is required")
	}
	if !docFormats[m.Format] {
		return fmt.Errorf("invalid doc format %q", m.Format)
	}
	return nil
}

// ParseMetadata strictly decodes raw into the variant for bt, applies variant
// defaults and validates it. Unknown fields are rejected.
func ParseMetadata(bt BlockType, raw json.RawMessage) (Metadata, error) {
	var meta Metadata
	switch bt {
	case BlockKnowledge:
		var m KnowledgeMeta
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		meta = m
	case BlockTask:
		var m TaskMeta
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		if m.Status == "" {
			m.Status = "todo"
		}
		meta = m
	case BlockLog:
		var m LogMeta
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		if m.Level == "" {
			m.Level = "info"
		}
		meta = m
	case BlockDoc:
		var m DocMeta
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		meta = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlockType, bt)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}
