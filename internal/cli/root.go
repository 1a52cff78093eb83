// Package cli implements the memblocks CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/rcliao/memblocks/internal/bulk"
	"github.com/rcliao/memblocks/internal/config"
	"github.com/rcliao/memblocks/internal/logging"
	"github.com/rcliao/memblocks/internal/model"
	"github.com/rcliao/memblocks/internal/store"
)

var (
	dbPath     string
	configPath string
	branchFlag string
	logLevel   string
	formatFlag string
)

// Version is reported by the MCP server.
var Version = "dev"

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memblocks",
	Short: "Branch-versioned memory blocks for agents",
	Long: "memblocks stores memory blocks on named branches in a single SQLite file.\n" +
		"Bulk writes commit atomically per branch; branches can be diffed, compared and merged.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMBLOCKS_DB or ~/.memblocks/memblocks.db)")
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $MEMBLOCKS_CONFIG or ~/.memblocks/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&branchFlag, "branch", "b", "", "Branch to operate on (default: default_branch from config)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

// app bundles what a command needs, built from the resolved config.
type app struct {
	cfg      *config.Config
	log      *log.Logger
	store    *store.SQLiteStore
	bulk     *bulk.Handler
	branches *store.BranchManager
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if branchFlag != "" {
		cfg.DefaultBranch = branchFlag
	}
	return cfg, cfg.Validate()
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	opts := cfg.StoreOptions()
	opts.Logger = logger
	s, err := store.Open(cfg.DBPath, opts)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:   cfg,
		log:   logger,
		store: s,
		bulk: bulk.New(s, bulk.Options{
			Logger:           logger,
			DefaultNamespace: cfg.DefaultNamespace,
			RequestTimeout:   cfg.RequestTimeout,
			Author:           cfg.Author,
		}),
		branches: store.NewBranchManager(s, cfg.BranchOptions()),
	}, nil
}

func mustOpenApp() *app {
	a, err := openApp()
	if err != nil {
		exitErr("open store", err)
	}
	return a
}

func (a *app) Close() { a.store.Close() }

// branch is the branch commands run on.
func (a *app) branch() string { return a.cfg.DefaultBranch }

// acquire returns a connection pinned to the command's branch.
func (a *app) acquire(ctx context.Context) *store.Conn {
	conn, err := a.store.Pool().Acquire(ctx, a.branch())
	if err != nil {
		exitErr("connect", err)
	}
	return conn
}

func (a *app) reader() *store.Reader { return a.store.Reader(a.branch()) }

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
}

// printBulk prints a bulk result and exits non-zero when the batch did not
// land.
func printBulk(cmd *cobra.Command, op string, res *model.BulkResult, err error) {
	if res != nil {
		if formatFlag == "text" {
			fmt.Fprintln(cmd.OutOrStdout(), res.String())
		} else {
			printJSON(cmd.OutOrStdout(), res)
		}
	}
	if err != nil {
		exitErr(op, err)
	}
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
