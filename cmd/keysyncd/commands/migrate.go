package commands

import (
	"github.com/spf13/cobra"

	"gitlab.com/secp/services/keysync/config"
	"gitlab.com/secp/services/keysync/internal/db"
	"gitlab.com/secp/services/keysync/internal/store/sqlstore"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			database, err := db.New(cfg, log)
			if err != nil {
				return err
			}
			defer database.Close()

			if _, err := sqlstore.New(database.SQL, cfg.Postgres.Driver); err != nil {
				return err
			}
			log.Info("schema up to date", "driver", cfg.Postgres.Driver)
			return nil
		},
	}
}
