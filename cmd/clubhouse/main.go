// Command clubhouse runs the club governance server and its maintenance tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clubhouse/cmd/internal/app"

	"github.com/spf13/cobra"
)

var (
	envFile string
	serve   = app.Serve
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "clubhouse",
		Short:         "Club membership, governance and inbox server",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&envFile, "env-file", "e", "", "dotenv file to load before reading the environment")
	root.AddCommand(serveCommand(), migrateCommand(), likesCommand())
	return root
}

func loadConfig() (app.Config, error) {
	return app.LoadConfig(envFile)
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and realtime gateway (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return serve(cfg)
}

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}
	for _, dir := range []app.Direction{app.MigrateUp, app.MigrateDown} {
		dir := dir
		cmd.AddCommand(&cobra.Command{
			Use:   string(dir),
			Short: fmt.Sprintf("Run every %s migration", dir),
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if cfg.DatabaseURL == "" {
					return errors.New("CLUBHOUSE_DATABASE_URL is required")
				}
				return app.Migrate(cfg.DatabaseURL, dir, app.NewLogger(cfg.LogLevel, cfg.LogFormat))
			},
		})
	}
	return cmd
}

func likesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "likes",
		Short: "Maintain the derived club like totals",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "recompute [club-id...]",
		Short: "Recompute total likes for the given clubs, or every club when none are given",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("CLUBHOUSE_DATABASE_URL is required")
			}
			// Maintenance runs never serve tokens.
			cfg.RequireJWTSecret = false

			log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				n, err := a.Engine().RecomputeAllLikes(ctx)
				fmt.Fprintf(c.OutOrStdout(), "recomputed %d clubs\n", n)
				return err
			}
			for _, id := range args {
				total, err := a.Engine().RecomputeLikes(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "%s\t%d\n", id, total)
			}
			return nil
		},
	})
	return cmd
}
