// Package main is the entrypoint for hostagent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/morezero/hostagent/internal/agent"
	"github.com/morezero/hostagent/internal/config"
	"github.com/morezero/hostagent/pkg/handlers"
	"github.com/morezero/hostagent/pkg/journal"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("hostagent: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hostagent",
		Short: "Run commands on this host for a remote controller",
		Long: `hostagent joins the controller bus, runs signed command requests through
local handler executables and reports partial and terminal results.

Configuration is read from the environment (AGENT_ID, COMMS_URL,
HANDLER_PATHS, TRUSTED_KEY_FILE, JOURNAL_DATABASE_URL, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		newServeCmd(),
		newHandlersCmd(),
		newMigrateCmd(),
		newJournalCmd(),
		newPruneCmd(),
		newVersionCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	agent.SetupLogging(cfg.LogLevel)
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return agent.Run(ctx, cfg)
}

func newHandlersCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "handlers",
		Short: "Discover handlers and print the command catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := handlers.Discover(cmd.Context(), agent.NewSupervisor(cfg), cfg.HandlerProbeTimeout, cfg.HandlerPaths)
			return printCatalog(cmd.OutOrStdout(), reg.Commands(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	return cmd
}

func printCatalog(w io.Writer, entries []handlers.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMAND\tARGS\tHANDLER\tDIGEST")
	for _, e := range entries {
		digest := e.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Command, strings.Join(e.ArgSpec, " "), e.Path, digest)
	}
	return tw.Flush()
}

func openRepository(ctx context.Context) (*journal.Repository, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateForJournal(); err != nil {
		return nil, nil, err
	}
	pool, err := journal.NewPool(ctx, cfg.JournalDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return journal.NewRepository(pool), pool.Close, nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending journal migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), false)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending journal migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), true)
		},
	})
	return cmd
}

func runMigrate(ctx context.Context, w io.Writer, statusOnly bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForJournal(); err != nil {
		return err
	}
	migrations, err := journal.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	pool, err := journal.NewPool(ctx, cfg.JournalDatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if statusOnly {
		applied, err := journal.AppliedMigrations(ctx, pool)
		if err != nil {
			return err
		}
		for _, m := range migrations {
			state := "pending"
			if applied[m.Name] {
				state = "applied"
			}
			fmt.Fprintf(w, "%-8s %s\n", state, m.Name)
		}
		return nil
	}

	done, err := journal.Migrate(ctx, pool, migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Applied %d migrations from %s\n", len(done), cfg.MigrationPath)
	return nil
}

func newJournalCmd() *cobra.Command {
	var (
		params journal.ListParams
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recent command executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, closeFn, err := openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rows, err := repo.ListRecent(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printExecutions(cmd.OutOrStdout(), rows, asJSON)
		},
	}
	cmd.Flags().IntVar(&params.Limit, "limit", 20, "maximum number of rows")
	cmd.Flags().StringVar(&params.Agent, "agent", "", "only executions of this agent identity")
	cmd.Flags().StringVar(&params.Command, "command", "", "only executions of this command")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rows as JSON")
	return cmd
}

func printExecutions(w io.Writer, rows []journal.Execution, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tAGENT\tCOMMAND\tPHASE\tEXIT\tDURATION\tREQUEST")
	for _, r := range rows {
		exit := fmt.Sprint(r.ExitCode)
		if r.Reason != nil {
			exit += " " + *r.Reason
		} else if r.TimedOut {
			exit += " TIMED_OUT"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RecordedAt.Local().Format(time.DateTime), r.Agent, r.Command, r.Phase, exit,
			time.Duration(r.DurationMs)*time.Millisecond, r.RequestID)
	}
	return tw.Flush()
}

func newPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal rows older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			repo, closeFn, err := openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := repo.Prune(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d executions\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest row to keep")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hostagent %s (commit %s)\n", version, commit)
		},
	}
}
