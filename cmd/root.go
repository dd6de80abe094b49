package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/facemask/internal/logging"
	"github.com/andresmejia3/facemask/internal/store"
)

// needsDB marks commands that always talk to PostgreSQL. Other commands open
// the connection on demand through openDB.
const needsDB = "needs-db"

var (
	// DB is the database connection shared by subcommands. Nil until opened.
	DB *store.Store
	// dbURL is the connection string
	dbURL string

	logLevel string
	logJSON  bool
	// log is the process logger, built before any subcommand runs.
	log = zap.NewNop()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facemask",
	Short:   "Real-time face mask overlay for video",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = logging.New(logging.Config{Level: logLevel, JSON: logJSON})
		if cmd.Annotations[needsDB] == "true" {
			return openDB(cmd.Context())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The command context may already be cancelled by Ctrl+C; the close still has to go out.
			DB.Close(context.Background())
		}
		_ = log.Sync()
	},
}

// openDB connects once, building the connection string from POSTGRES_* variables
// when --db is not given.
func openDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	if dbURL == "" {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			user := os.Getenv("POSTGRES_USER")
			pass := os.Getenv("POSTGRES_PASSWORD")
			name := os.Getenv("POSTGRES_DB")
			port := os.Getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
		} else {
			dbURL = "postgres://localhost:5432/facemask"
		}
	}

	var err error
	DB, err = store.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Ctrl+C (SIGINT) or SIGTERM cancel the command context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/facemask)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON lines")
}
