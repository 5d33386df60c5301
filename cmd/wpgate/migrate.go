package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/wpgate/pkg/config"
	"github.com/ethpandaops/wpgate/pkg/store"
)

func newMigrateCmd(log *logrus.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Create or update the alert, snapshot and audit history schema.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), log, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml",
		"Path to configuration file")

	return cmd
}

func runMigrate(ctx context.Context, log *logrus.Logger, configPath string) error {
	log.WithField("path", configPath).Info("Loading configuration")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}

	defer st.Stop()

	log.Info("Migrations completed successfully")

	return nil
}

// openStore creates the configured history store, starts it and applies
// migrations.
func openStore(ctx context.Context, log logrus.FieldLogger, cfg *config.Config) (store.Store, error) {
	st, err := store.New(log, cfg.Database.Driver, cfg.GetDSN())
	if err != nil {
		return nil, err
	}

	if err := st.Start(ctx); err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Stop()

		return nil, err
	}

	return st, nil
}
