// Command bugtrapctl runs one-off operational tasks against a bugtrap
// database: schema migration, account management and retention pruning.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/bugtrap/internal/auth"
	"github.com/kiranshivaraju/bugtrap/internal/cache"
	"github.com/kiranshivaraju/bugtrap/internal/config"
	"github.com/kiranshivaraju/bugtrap/internal/logging"
	"github.com/kiranshivaraju/bugtrap/internal/maintenance"
	"github.com/kiranshivaraju/bugtrap/internal/store"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bugtrapctl",
		Short:         "Operational tasks for a bugtrap deployment",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(useraddCmd())
	rootCmd.AddCommand(pruneCmd())
	return rootCmd
}

// loadConfig reads the same environment the server does.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	// Logs go to stderr so command output stays pipeable.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.Log.Level),
	})))
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	s, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Long: `Apply pending schema migrations to DATABASE_URL.

Postgres databases are migrated with the embedded migration set. SQLite
databases are created and brought up to date when opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kind, err := store.Kind(cfg.Database.URL)
			if err != nil {
				return err
			}
			if kind == store.BackendPostgres {
				if err := store.RunMigrations(cfg.Database.URL); err != nil {
					return fmt.Errorf("run migrations: %w", err)
				}
			} else {
				s, err := openStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer s.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", kind)
			return nil
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash suitable for ADMIN_PASSWORD_HASH",
		Long: `Print a bcrypt hash of a password. The password is read from the first
line of stdin unless --password is given.

Examples:
  echo 'correct horse' | bugtrapctl hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := passwordInput(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password to hash (default: read from stdin)")
	return cmd
}

func useraddCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "useradd <username>",
		Short: "Create a dashboard account or reset its password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if username == "" {
				return errors.New("username must not be empty")
			}
			pw, err := passwordInput(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.UpsertUser(cmd.Context(), &models.User{
				Username:     username,
				PasswordHash: hash,
				CreatedAt:    time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("save user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %q saved\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password (default: read from stdin)")
	return cmd
}

func pruneCmd() *cobra.Command {
	var (
		retention    time.Duration
		keepResolved bool
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Run one maintenance pass: prune stale issues and expired sessions",
		Long: `Run the maintenance job once, outside the server's schedule.

Issues whose last occurrence is older than the retention window are deleted
together with their events. Pinned issues are always kept. Flags override
RETENTION and KEEP_RESOLVED.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sc := cfg.Scheduler
			if cmd.Flags().Changed("retention") {
				sc.Retention = retention
			}
			if cmd.Flags().Changed("keep-resolved") {
				sc.KeepResolved = keepResolved
			}

			s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			c, err := cache.New(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("create cache: %w", err)
			}
			defer c.Close()

			report, err := maintenance.New(s, c, sc).Run(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(out, "pruned %d issues, expired %d sessions\n", report.Pruned, report.SessionsExpired)
			fmt.Fprintf(out, "open %d, resolved %d, ignored %d\n",
				report.Digest.Open, report.Digest.Resolved, report.Digest.Ignored)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "delete issues last seen before now minus this window (0 disables)")
	cmd.Flags().BoolVar(&keepResolved, "keep-resolved", false, "never prune resolved issues")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func passwordInput(in io.Reader, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password must not be empty")
	}
	return pw, nil
}
