package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/statsstore/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply the transcription_sessions and
agent_stats schema migrations.

Reads the DSN from --sql-url flag, SQL_URL env var, or config file.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("sql-url", "", "PostgreSQL DSN (overrides config)")
	bindFlag("sql_url", migrateCmd.Flags(), "sql-url")
}

func runMigrate(_ *cobra.Command, _ []string) error {
	dsn := viper.GetString("sql_url")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	files := []string{
		"001_create_transcription_sessions.sql",
		"002_create_agent_stats.sql",
	}

	for _, f := range files {
		sql, err := migrations.Files.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		fmt.Printf("applied %s\n", f)
	}

	fmt.Println("migrations complete")
	return nil
}
