package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikepea/access/pkg/access/config"
	"github.com/mikepea/access/pkg/access/database"
	"github.com/mikepea/access/pkg/access/logging"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/server"
	"github.com/mikepea/access/pkg/access/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "access-server",
		Short:         "Role invitation and access management service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a configuration file (yaml, json or toml)")

	root.AddCommand(serveCmd(), migrateCmd(), seedCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and opens the database
func bootstrap() (*config.Config, *zap.Logger, *gorm.DB, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logging.New(conf.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := database.Connect(conf.DatabaseConf(), log)
	if err != nil {
		return nil, nil, nil, err
	}
	return conf, log, db, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the invitation expiry sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, log, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(conf, db, log)
			if _, err := server.EnsureSuperUser(ctx, srv.Store(), conf.Seed, log); err != nil {
				return fmt.Errorf("seeding super user: %w", err)
			}
			return srv.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, log, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := models.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
			log.Info("database schema up to date")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the configured super user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, log, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			if conf.Seed.SuperUserEmail == "" {
				return fmt.Errorf("seed.super_user_email is not configured")
			}
			changed, err := server.EnsureSuperUser(cmd.Context(), store.New(db), conf.Seed, log)
			if err != nil {
				return err
			}
			if !changed {
				log.Info("super user already present", zap.String("email", conf.Seed.SuperUserEmail))
			}
			return nil
		},
	}
}
