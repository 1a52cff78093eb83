package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/memblocks/internal/model"
)

// Options tunes a store. Zero values pick the defaults.
type Options struct {
	Logger           *log.Logger
	Author           string
	AcquireTimeout   time.Duration
	MaxIdlePerBranch int
}

const (
	defaultAcquireTimeout   = 5 * time.Second
	defaultMaxIdlePerBranch = 4
	defaultAuthor           = "memblocks"
)

// SQLiteStore is a branch-versioned block store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	log    *log.Logger
	author string

	pool  *Pool
	coord *Coordinator

	idMu    sync.Mutex
	entropy io.Reader
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return Open(dbPath, Options{})
}

// Open opens or creates the database at dbPath, migrates the schema and
// bootstraps the default branch.
func Open(dbPath string, opts Options) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	author := opts.Author
	if author == "" {
		author = defaultAuthor
	}

	s := &SQLiteStore{
		db:      db,
		path:    dbPath,
		log:     logger,
		author:  author,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	s.pool = newPool(db, logger.WithPrefix("pool"), opts.AcquireTimeout, opts.MaxIdlePerBranch)
	s.coord = newCoordinator(s, filepath.Join(dir, "locks"))

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Pool returns the branch-scoped connection pool.
func (s *SQLiteStore) Pool() *Pool { return s.pool }

// Coordinator returns the commit coordinator.
func (s *SQLiteStore) Coordinator() *Coordinator { return s.coord }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	s.pool.close()
	return s.db.Close()
}

func (s *SQLiteStore) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// NewRequestID returns a fresh ULID used as both request id and stage id.
func (s *SQLiteStore) NewRequestID() string { return s.newID() }

// NewBlockID returns a fresh ULID for a block created without an explicit id.
func (s *SQLiteStore) NewBlockID() string { return s.newID() }

const schema = `
CREATE TABLE IF NOT EXISTS branches (
	name        TEXT PRIMARY KEY,
	parent      TEXT,
	head        TEXT NOT NULL,
	base        TEXT,
	dirty       INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL DEFAULT 'open',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	id            TEXT PRIMARY KEY,
	branch        TEXT NOT NULL,
	parent        TEXT,
	merge_parent  TEXT,
	message       TEXT NOT NULL,
	author        TEXT NOT NULL,
	stage_id      TEXT,
	row_count     INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_branch ON commits(branch);
CREATE INDEX IF NOT EXISTS idx_commits_stage ON commits(stage_id);

CREATE TABLE IF NOT EXISTS commit_rows (
	commit_id   TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	row_key     TEXT NOT NULL,
	row_hash    TEXT NOT NULL,
	PRIMARY KEY (commit_id, table_name, row_key)
);

CREATE TABLE IF NOT EXISTS row_payloads (
	row_hash    TEXT PRIMARY KEY,
	payload     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS staged_rows (
	branch      TEXT NOT NULL,
	stage_id    TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	row_key     TEXT NOT NULL,
	op          TEXT NOT NULL,
	payload     TEXT,
	row_hash    TEXT,
	base_hash   TEXT,
	staged_at   TEXT NOT NULL,
	PRIMARY KEY (branch, stage_id, table_name, row_key)
);

CREATE TABLE IF NOT EXISTS approvals (
	id          TEXT PRIMARY KEY,
	branch      TEXT NOT NULL,
	target      TEXT NOT NULL,
	head        TEXT NOT NULL,
	approver    TEXT NOT NULL,
	comment     TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_branch ON approvals(branch, head);

CREATE TABLE IF NOT EXISTS namespaces (
	branch       TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (branch, name)
);

CREATE TABLE IF NOT EXISTS blocks (
	branch        TEXT NOT NULL,
	namespace_id  TEXT NOT NULL,
	id            TEXT NOT NULL,
	text          TEXT NOT NULL,
	block_type    TEXT NOT NULL,
	metadata      TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (branch, namespace_id, id),
	FOREIGN KEY (branch, namespace_id) REFERENCES namespaces(branch, name)
);
CREATE INDEX IF NOT EXISTS idx_blocks_id ON blocks(branch, id);

CREATE TABLE IF NOT EXISTS block_tags (
	branch        TEXT NOT NULL,
	namespace_id  TEXT NOT NULL,
	block_id      TEXT NOT NULL,
	tag           TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	PRIMARY KEY (branch, namespace_id, block_id, tag)
);

CREATE TABLE IF NOT EXISTS block_links (
	branch        TEXT NOT NULL,
	namespace_id  TEXT NOT NULL,
	from_id       TEXT NOT NULL,
	rel           TEXT NOT NULL,
	to_namespace  TEXT NOT NULL,
	to_id         TEXT NOT NULL,
	PRIMARY KEY (branch, namespace_id, from_id, rel, to_namespace, to_id)
);
CREATE INDEX IF NOT EXISTS idx_links_to ON block_links(branch, to_namespace, to_id);

CREATE TABLE IF NOT EXISTS block_chunks (
	branch        TEXT NOT NULL,
	namespace_id  TEXT NOT NULL,
	block_id      TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	text          TEXT NOT NULL,
	start_line    INTEGER,
	end_line      INTEGER,
	PRIMARY KEY (branch, namespace_id, block_id, seq)
);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// Databases created before staged rows recorded their base.
	s.db.ExecContext(ctx, `ALTER TABLE staged_rows ADD COLUMN base_hash TEXT`)
	return s.bootstrap(ctx)
}

// bootstrap creates the default branch with a root commit holding the
// default namespace. It is a no-op once the branch exists.
func (s *SQLiteStore) bootstrap(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM branches WHERE name = ?`, model.DefaultBranch).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	now := formatTime(time.Now())
	commitID := s.newID()
	ns := namespaceRow{Name: model.DefaultNamespace, Description: "default namespace"}
	payload, hash, err := encodeRow(ns)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO namespaces (branch, name, description, created_at) VALUES (?, ?, ?, ?)`,
		model.DefaultBranch, ns.Name, ns.Description, now); err != nil {
		return fmt.Errorf("insert default namespace: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commits (id, branch, message, author, row_count, created_at) VALUES (?, ?, ?, ?, 1, ?)`,
		commitID, model.DefaultBranch, "initialize", s.author, now); err != nil {
		return fmt.Errorf("insert root commit: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commit_rows (commit_id, table_name, row_key, row_hash) VALUES (?, ?, ?, ?)`,
		commitID, string(TableNamespaces), ns.key().String(), hash); err != nil {
		return fmt.Errorf("insert root snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO row_payloads (row_hash, payload) VALUES (?, ?)`, hash, string(payload)); err != nil {
		return fmt.Errorf("insert root payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO branches (name, head, base, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		model.DefaultBranch, commitID, commitID, string(model.BranchCommitted), now, now); err != nil {
		return fmt.Errorf("insert default branch: %w", err)
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
