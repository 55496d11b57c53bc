package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/ridenotify/internal/notification"
)

func newSeedCmd(opts *globalOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "利用者台帳と車両割り当ての初期データを登録する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return errors.New("--file を指定してください")
			}
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			r, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("初期データの読み込みに失敗: %w", err)
			}
			defer r.Close()
			fixture, err := notification.DecodeFixture(r)
			if err != nil {
				return err
			}

			db, err := notification.OpenDB(cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer db.Close()
			if _, err := notification.Migrate(cmd.Context(), db, log); err != nil {
				return err
			}

			if err := fixture.Apply(cmd.Context(), notification.NewSQLDirectory(db)); err != nil {
				return err
			}
			log.Info("初期データを登録しました",
				zap.Int("users", len(fixture.Users)),
				zap.Int("vehicles", len(fixture.Vehicles)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "利用者 %d 件、車両 %d 件を登録しました\n", len(fixture.Users), len(fixture.Vehicles))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "初期データのYAMLファイル")
	return cmd
}
