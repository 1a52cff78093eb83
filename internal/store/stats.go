package store

import (
	"context"
	"os"
)

// Stats holds per-branch database statistics.
type Stats struct {
	DBPath      string           `json:"db_path"`
	DBSizeBytes int64            `json:"db_size_bytes"`
	Branch      string           `json:"branch"`
	Head        string           `json:"head"`
	Blocks      int              `json:"blocks"`
	Tags        int              `json:"tags"`
	Links       int              `json:"links"`
	Chunks      int              `json:"chunks"`
	Commits     int              `json:"commits"`
	Staged      int              `json:"staged"`
	Namespaces  []NamespaceStats `json:"namespaces"`
	ByType      map[string]int   `json:"by_type"`
}

// NamespaceStats holds per-namespace counts.
type NamespaceStats struct {
	Name   string `json:"name"`
	Blocks int    `json:"blocks"`
}

// Stats returns statistics for branch.
func (s *SQLiteStore) Stats(ctx context.Context, branch string) (*Stats, error) {
	ref, err := getBranch(ctx, s.db, branch)
	if err != nil {
		return nil, err
	}
	st := &Stats{DBPath: s.path, Branch: branch, Head: ref.Head, ByType: map[string]int{}}

	// DB file size
	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE branch = ?`, branch).Scan(&st.Blocks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM block_tags WHERE branch = ?`, branch).Scan(&st.Tags)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM block_links WHERE branch = ?`, branch).Scan(&st.Links)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM block_chunks WHERE branch = ?`, branch).Scan(&st.Chunks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits WHERE branch = ?`, branch).Scan(&st.Commits)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_rows WHERE branch = ?`, branch).Scan(&st.Staged)

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.name, COUNT(b.id)
		FROM namespaces n
		LEFT JOIN blocks b ON b.branch = n.branch AND b.namespace_id = n.name
		WHERE n.branch = ?
		GROUP BY n.name ORDER BY COUNT(b.id) DESC, n.name`, branch)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var ns NamespaceStats
		rows.Scan(&ns.Name, &ns.Blocks)
		st.Namespaces = append(st.Namespaces, ns)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT block_type, COUNT(*) FROM blocks WHERE branch = ? GROUP BY block_type`, branch)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var bt string
		var n int
		rows.Scan(&bt, &n)
		st.ByType[bt] = n
	}
	return st, nil
}
