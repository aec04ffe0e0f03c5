package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"LendLedger/internal/config"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

type options struct {
	dsn           string
	migrationsDir string
	genesisFile   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the lendledger database schema",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dsn, "dsn", envOr("LEND_POSTGRES_DSN", "postgres://localhost:5432/lendledger?sslmode=disable"), "Postgres connection string")
	flags.StringVar(&opts.migrationsDir, "dir", os.Getenv("LEND_MIGRATIONS_DIR"), "migrations directory (empty for the embedded schema)")
	flags.StringVar(&opts.genesisFile, "genesis", os.Getenv("LEND_GENESIS_FILE"), "genesis TOML file (empty for the development genesis)")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(opts, func(ctx context.Context, db *sql.DB) error {
				if err := persistence.NewMigrator(db, persistence.MigrationSource(opts.migrationsDir)).Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				fmt.Println("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: withDB(opts, func(ctx context.Context, db *sql.DB) error {
				if err := persistence.NewMigrator(db, persistence.MigrationSource(opts.migrationsDir)).Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				fmt.Println("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: withDB(opts, func(ctx context.Context, db *sql.DB) error {
				statuses, err := persistence.NewMigrator(db, persistence.MigrationSource(opts.migrationsDir)).Status(ctx)
				if err != nil {
					return err
				}
				for _, st := range statuses {
					mark := "pending"
					if st.Applied {
						mark = "applied"
					}
					fmt.Printf("%-8s %s\n", mark, st.Filename)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rebuild-projections",
			Short: "Rebuild the pool history from the operation log",
			Args:  cobra.NoArgs,
			RunE: withDB(opts, func(ctx context.Context, db *sql.DB) error {
				genesis, err := config.LoadGenesis(opts.genesisFile)
				if err != nil {
					return err
				}
				if err := projection.RebuildProjections(ctx, db, genesis); err != nil {
					return fmt.Errorf("rebuild projections: %w", err)
				}
				seq, err := projection.Watermark(ctx, db, projection.PoolHistoryName)
				if err != nil {
					return err
				}
				fmt.Printf("projections rebuilt to sequence %d\n", seq)
				return nil
			}),
		},
	)
	return root
}

func withDB(opts *options, fn func(ctx context.Context, db *sql.DB) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		logger := observability.NewLogger("migrate")

		db, err := sql.Open("postgres", opts.dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping db: %w", err)
		}
		if err := fn(ctx, db); err != nil {
			logger.Error().Err(err).Str("command", cmd.Name()).Msg("failed")
			return err
		}
		return nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
