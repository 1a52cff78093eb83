// Package tools exposes the block store as MCP tools: bulk block operations
// plus the dolt_* branch workflow.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rcliao/memblocks/internal/bulk"
	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

// Deps are the services the tools call into.
type Deps struct {
	Store    *store.SQLiteStore
	Bulk     *bulk.Handler
	Branches *store.BranchManager
	Logger   *log.Logger

	DefaultBranch string
	Author        string
	Version       string
	// RetryInterval is the wait before retrying a connection failure.
	RetryInterval time.Duration
}

// Server holds the MCP server and the session its tools run in.
type Server struct {
	mcp      *server.MCPServer
	store    *store.SQLiteStore
	bulk     *bulk.Handler
	branches *store.BranchManager
	log      *log.Logger
	author   string
	retry    time.Duration
	session  *Session
	tools    []string
}

// New builds the MCP server and registers every tool.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	branch := d.DefaultBranch
	if branch == "" {
		branch = model.DefaultBranch
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	retry := d.RetryInterval
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}

	s := &Server{
		store:    d.Store,
		bulk:     d.Bulk,
		branches: d.Branches,
		author:   d.Author,
		retry:    retry,
		session:  newSession(d.Store.Pool(), branch),
	}
	s.log = logger.WithPrefix("tools").With("session", s.session.ID)

	s.mcp = server.NewMCPServer(
		"memblocks",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.register()
	return s
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Tools lists the registered tool names.
func (s *Server) Tools() []string { return s.tools }

// Session returns the server's client session.
func (s *Server) Session() *Session { return s.session }

// ServeStdio serves tool calls on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.log.Info("serving MCP over stdio", "branch", s.session.Branch())
	return server.ServeStdio(s.mcp)
}

// Close releases the session connection.
func (s *Server) Close() { s.session.Close() }

const instructions = `memblocks stores memory blocks on named branches.
Writes land on the session branch unless a tool names another one.
Use dolt_checkout to switch or fork branches, bulk_* tools to change blocks,
dolt_diff / dolt_compare_branches to inspect and dolt_merge to integrate.
A bulk result with status "unknown" must be reconciled with dolt_status(request_id=...).`

// onBranch runs fn on a connection for branch: the session connection when
// branch is empty or the session's own, a pooled one otherwise. A connection
// failure is retried once.
func (s *Server) onBranch(ctx context.Context, branch string, fn func(context.Context, *store.Conn) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.attempt(ctx, branch, fn)
		if err != nil && !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			s.log.Warn("connection failure", "branch", branch, "attempt", attempt, "err", err)
		}
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 1), ctx))
}

func (s *Server) attempt(ctx context.Context, branch string, fn func(context.Context, *store.Conn) error) error {
	if branch == "" || branch == s.session.Branch() {
		return s.session.use(ctx, fn)
	}
	conn, err := s.store.Pool().Acquire(ctx, branch)
	if err != nil {
		return err
	}
	defer s.store.Pool().Release(conn)
	return fn(ctx, conn)
}

// activeBranch is the branch a call with the given branch argument runs on.
func (s *Server) activeBranch(branch string) string {
	if branch != "" {
		return branch
	}
	return s.session.Branch()
}

type toolError struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	Retryable    bool   `json:"retryable"`
	ActiveBranch string `json:"active_branch"`
}

// fail turns err into a tool error result that names the active branch.
func fail(err error, active string) *mcp.CallToolResult {
	te := toolError{Error: err.Error(), Kind: "unknown", ActiveBranch: active}
	var se *store.Error
	if errors.As(err, &se) {
		te.Kind = se.Kind.String()
		te.Retryable = store.IsRetryable(err)
	}
	data, _ := json.Marshal(te)
	return mcp.NewToolResultError(string(data))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// bulkResult reports a bulk outcome. The result is returned even when err is
// set so callers keep the request id and partitions.
func bulkResult(res *model.BulkResult, err error, active string) (*mcp.CallToolResult, error) {
	if res == nil {
		return fail(err, active), nil
	}
	out, encErr := jsonResult(res)
	if encErr != nil {
		return nil, encErr
	}
	out.IsError = err != nil
	return out, nil
}

func stringArg(req mcp.CallToolRequest, key string) string {
	return req.GetString(key, "")
}

func stringsArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// decodeArg re-decodes a structured argument into v.
func decodeArg(req mcp.CallToolRequest, key string, v any) error {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

func missing(param string) *mcp.CallToolResult {
	return mcp.NewToolResultError("missing required parameter: " + param)
}
