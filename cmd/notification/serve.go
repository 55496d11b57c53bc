package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/ridenotify/internal/notification"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, err := notification.NewServer(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("通知サーバーの初期化に失敗: %w", err)
			}
			defer func() {
				if err := server.Close(); err != nil {
					log.Warn("接続のクローズに失敗しました", zap.Error(err))
				}
			}()

			if err := server.Run(ctx); err != nil {
				return fmt.Errorf("通知サービスの実行に失敗: %w", err)
			}
			return nil
		},
	}
}
