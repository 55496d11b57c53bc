package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/ridenotify/internal/config"
	"github.com/nao1215/ridenotify/pkg/logger"
)

// globalOptions は全サブコマンドに共通するフラグ。
type globalOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "notification",
		Short:         "送迎通知サービス",
		Long:          "管理者・ドライバー・生徒の間で通知を送受信する通知サービス。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "設定ファイルのパス（未指定の場合は ./config.yaml を探す）")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "ログレベル（設定ファイルと環境変数より優先）")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newSeedCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	return cmd
}

// load は設定を読み込み、ロガーを生成する。
func (o *globalOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	return cfg, log, nil
}
