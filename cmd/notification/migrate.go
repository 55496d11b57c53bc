package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/ridenotify/internal/notification"
)

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "データベースのマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := notification.OpenDB(cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer db.Close()

			if dryRun {
				pending, err := notification.PendingMigrations(cmd.Context(), db)
				if err != nil {
					return err
				}
				for _, m := range pending {
					fmt.Fprintf(cmd.OutOrStdout(), "%06d_%s\n", m.Version, m.Name)
				}
				return nil
			}

			n, err := notification.Migrate(cmd.Context(), db, log)
			if err != nil {
				return err
			}
			log.Info("マイグレーションが完了しました", zap.Int("applied", n))
			fmt.Fprintf(cmd.OutOrStdout(), "%d件のマイグレーションを適用しました\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "適用せずに未適用のマイグレーションを表示する")
	return cmd
}
