package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"clonehost/internal/config"
	"clonehost/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bot",
		Short:         "Hosts the primary chatbot and every user clone",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runServeCmd,
	}
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run all bot instances, the lifecycle worker and the HTTP endpoints",
			RunE:  runServeCmd,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE:  runMigrateCmd,
		},
		&cobra.Command{
			Use:   "clones",
			Short: "List registered clone credentials",
			RunE:  runClonesCmd,
		},
	)
	return rootCmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log.Level)
	if err := serve(cmd.Context(), cfg); err != nil {
		log.Error().Err(err).Msg("serve failed")
		return err
	}
	return nil
}

func runMigrateCmd(cmd *cobra.Command, _ []string) error {
	setupLogger(os.Getenv("LOG_LEVEL"))
	db, err := config.LoadStorage()
	if err != nil {
		return err
	}
	store, err := storage.Open(cmd.Context(), db.Driver, db.DSN, false)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(cmd.Context()); err != nil {
		return err
	}
	log.Info().Str("driver", db.Driver).Msg("migrations applied")
	return nil
}

func runClonesCmd(cmd *cobra.Command, _ []string) error {
	setupLogger("error")
	db, err := config.LoadStorage()
	if err != nil {
		return err
	}
	store, err := storage.Open(cmd.Context(), db.Driver, db.DSN, false)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	creds, err := store.ListCredentials(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tOWNER\tCREATED")
	for _, c := range creds {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.InstanceID, c.OwnerID, c.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
