package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var branchNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,127}$`)

// ValidateBranchName rejects names that cannot be used as branch identifiers.
func ValidateBranchName(name string) error {
	if !branchNameRe.MatchString(name) {
		return newError(KindValidation, "branch", "", fmt.Errorf("invalid branch name %q", name))
	}
	return nil
}

// Conn is a pooled database connection pinned to one branch. All reads and
// writes issued through it run against that branch.
type Conn struct {
	raw    *sql.Conn
	branch string
	pool   *Pool
	broken bool
}

// Pool hands out branch-scoped connections and keeps released ones for reuse
// on the same branch. It never retries; callers decide.
type Pool struct {
	db             *sql.DB
	log            *log.Logger
	acquireTimeout time.Duration
	maxIdle        int

	mu     sync.Mutex
	idle   map[string][]*Conn
	closed bool
}

func newPool(db *sql.DB, logger *log.Logger, acquireTimeout time.Duration, maxIdle int) *Pool {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdlePerBranch
	}
	return &Pool{
		db:             db,
		log:            logger,
		acquireTimeout: acquireTimeout,
		maxIdle:        maxIdle,
		idle:           map[string][]*Conn{},
	}
}

// Acquire returns a connection whose session branch is branch. An idle
// connection already pinned to branch is preferred.
func (p *Pool) Acquire(ctx context.Context, branch string) (*Conn, error) {
	if err := ValidateBranchName(branch); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newError(KindConnection, "acquire", branch, ErrStoreClosed)
	}
	if list := p.idle[branch]; len(list) > 0 {
		c := list[len(list)-1]
		p.idle[branch] = list[:len(list)-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	raw, err := p.db.Conn(actx)
	if err != nil {
		return nil, newError(KindConnection, "acquire", branch, err)
	}
	c := &Conn{raw: raw, pool: p}
	if err := c.Switch(actx, branch); err != nil {
		raw.Close()
		return nil, newError(KindConnection, "acquire", branch, err)
	}
	p.log.Debug("connection opened", "branch", branch)
	return c, nil
}

// Release returns c to the idle list of its current branch, or closes it
// when the list is full or the connection is broken.
func (p *Pool) Release(c *Conn) {
	if c == nil || c.raw == nil {
		return
	}
	p.mu.Lock()
	if p.closed || c.broken || len(p.idle[c.branch]) >= p.maxIdle {
		p.mu.Unlock()
		c.raw.Close()
		c.raw = nil
		return
	}
	p.idle[c.branch] = append(p.idle[c.branch], c)
	p.mu.Unlock()
}

// Idle reports how many idle connections are held for branch.
func (p *Pool) Idle(branch string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[branch])
}

func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for branch, list := range p.idle {
		for _, c := range list {
			c.raw.Close()
		}
		delete(p.idle, branch)
	}
}

// Switch changes the connection's session branch. The branch is recorded in
// a connection-local temp table so it survives across statements.
func (c *Conn) Switch(ctx context.Context, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	if _, err := c.raw.ExecContext(ctx,
		`CREATE TEMP TABLE IF NOT EXISTS session_branch (id INTEGER PRIMARY KEY CHECK (id = 1), branch TEXT NOT NULL)`); err != nil {
		c.broken = true
		return fmt.Errorf("create session table: %w", err)
	}
	if _, err := c.raw.ExecContext(ctx,
		`INSERT INTO temp.session_branch (id, branch) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET branch = excluded.branch`, branch); err != nil {
		c.broken = true
		return fmt.Errorf("set session branch: %w", err)
	}
	c.branch = branch
	return nil
}

// SessionBranch reads the session branch back from the connection.
func (c *Conn) SessionBranch(ctx context.Context) (string, error) {
	var branch string
	err := c.raw.QueryRowContext(ctx, `SELECT branch FROM temp.session_branch WHERE id = 1`).Scan(&branch)
	if err != nil {
		return "", c.fail("session branch", err)
	}
	return branch, nil
}

// MarkBroken keeps the connection from returning to the idle list on release.
func (c *Conn) MarkBroken() { c.broken = true }

// fail classifies err and marks the connection unusable when the link broke.
func (c *Conn) fail(op string, err error) *Error {
	e := classify(KindStaging, op, c.branch, err)
	if e.Kind == KindConnection {
		c.broken = true
	}
	return e
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.raw.ExecContext(ctx, query, args...)
}

func (c *Conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.raw.QueryContext(ctx, query, args...)
}

func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.raw.QueryRowContext(ctx, query, args...)
}
