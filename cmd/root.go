package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/store"
	"github.com/spf13/cobra"
)

// Database requirement of a command, set through cobra annotations.
const (
	dbAnnotation = "db"
	dbRequired   = "required"
	dbOptional   = "optional"
)

var (
	// DB is the global database connection shared by subcommands.
	// It stays nil for commands that do not use the event history, and for
	// watch when no database is configured.
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	// cfgPath points to an optional YAML session file
	cfgPath string
	verbose bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "vigil",
	Short:   "Event-triggered camera recorder with chat alerts",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verbose)

		mode := cmd.Annotations[dbAnnotation]
		if mode == "" {
			return nil
		}

		url, explicit := resolveDBURL(dbURL, os.Getenv)
		if mode == dbOptional && !explicit {
			slog.Debug("no database configured, event history disabled")
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			if mode == dbOptional {
				fmt.Fprintf(os.Stderr, "⚠️  Database unavailable, continuing without event history: %v\n", err)
				DB = nil
				return nil
			}
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeDB()
	},
}

// closeDB releases the global connection. Cobra skips PersistentPostRun when
// RunE fails, so Execute calls it again.
func closeDB() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
}

// resolveDBURL returns the connection string and whether the operator configured one.
func resolveDBURL(flag string, getenv func(string) string) (string, bool) {
	if flag != "" {
		return flag, true
	}
	// If no flag was provided, try to build the connection string from the environment
	if host := getenv("POSTGRES_HOST"); host != "" {
		port := getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB")), true
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/vigil", false
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadSession layers the optional YAML file over the defaults.
// Flags and secrets are applied by the caller.
func loadSession() (config.Session, error) {
	s := config.Default()
	if cfgPath != "" {
		if err := config.LoadFile(cfgPath, &s); err != nil {
			return s, err
		}
	}
	return s, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	closeDB()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/vigil)")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML session file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}
