// Package store is the branch-versioned block store: branch-scoped
// connections, per-row staging, the commit coordinator, the branch manager
// and the read side, all on SQLite.
package store

import (
	"github.com/rcliao/memblocks/internal/model"
)

// ListParams holds parameters for listing blocks.
type ListParams struct {
	Namespace string
	BlockType model.BlockType
	Tags      []string
	Limit     int
	IDsOnly   bool
}

// SearchParams holds parameters for searching blocks.
type SearchParams struct {
	Namespace string
	Query     string
	BlockType model.BlockType
	Limit     int
}

// Reader reads committed blocks of one branch. Obtain one from a Conn to read
// the connection's branch, or from the store for an explicit branch.
type Reader struct {
	q      querier
	branch string
}

// Reader reads the connection's session branch.
func (c *Conn) Reader() *Reader { return &Reader{q: c, branch: c.branch} }

// Reader reads branch through the shared database handle.
func (s *SQLiteStore) Reader(branch string) *Reader { return &Reader{q: s.db, branch: branch} }

// Branch is the branch the reader reads.
func (r *Reader) Branch() string { return r.branch }
