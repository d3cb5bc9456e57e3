package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"library-catalog/config"
	"library-catalog/library"
	"library-catalog/telemetry"
)

const defaultConfigFile = "library.yaml"

type rootOptions struct {
	configPath string
	dbPath     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "library",
		Short:         "Library catalog: books, members and loans",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, opts, func(ctx context.Context, mgr *library.LibraryManager) error {
				sh := newShell(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), mgr)
				if cmd.InOrStdin() == os.Stdin {
					sh.useTerminal(stdinFD())
				}
				sh.run()
				autoBackup(ctx, mgr, cmd.OutOrStdout())
				return nil
			})
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigFile, "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database file (overrides the config file)")

	root.AddCommand(
		&cobra.Command{
			Use:   "backup <file>",
			Short: "Write a snapshot of the database to file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, opts, func(ctx context.Context, mgr *library.LibraryManager) error {
					if err := mgr.Backup(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "restore <file>",
			Short: "Replace the database contents with a snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, opts, func(ctx context.Context, mgr *library.LibraryManager) error {
					if err := mgr.Restore(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Database restored")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print loan statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, opts, func(ctx context.Context, mgr *library.LibraryManager) error {
					st, err := mgr.Reports.Statistics(ctx)
					if err != nil {
						return err
					}
					printStatistics(cmd.OutOrStdout(), st)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "overdue",
			Short: "List overdue loans",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, opts, func(ctx context.Context, mgr *library.LibraryManager) error {
					loans, err := mgr.Reports.Overdue(ctx)
					if err != nil {
						return err
					}
					if len(loans) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No overdue loans.")
						return nil
					}
					for _, l := range loans {
						fmt.Fprintln(cmd.OutOrStdout(), library.PrettyLoan(l, mgr.Now()))
					}
					return nil
				})
			},
		},
	)
	return root
}

// withManager loads configuration, sets up logging and tracing, opens the catalog and runs fn.
func withManager(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *library.LibraryManager) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.dbPath != "" {
		cfg.DatabasePath = opts.dbPath
	}

	logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Tracing.File)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("trace export shutdown failed", "error", err)
			}
		}()
	}

	mgr, err := library.NewLibraryManager(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer mgr.Close()

	logger.Debug("catalog opened", "db", cfg.DatabasePath)
	return fn(ctx, mgr)
}

// newLogger builds the process logger from config. Records go to the log file when one is
// configured, otherwise to stderr.
func newLogger(lc config.Log, stderr io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(lc.Level))); err != nil {
		level = slog.LevelInfo
	}

	w, closeFn := stderr, func() {}
	if lc.File != "" {
		if dir := filepath.Dir(lc.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closeFn = f, func() { f.Close() }
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if lc.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h), closeFn, nil
}
