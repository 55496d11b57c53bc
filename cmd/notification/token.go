package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/ridenotify/internal/notification"
	"github.com/nao1215/ridenotify/pkg/middleware"
)

// newTokenCmd は開発用のJWTを発行するコマンドを返す。
func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		userID string
		role   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "開発用のJWTトークンを発行する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !notification.Role(role).IsUserRole() {
				return fmt.Errorf("ロールは admin, driver, student のいずれかです: %q", role)
			}
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			token, err := middleware.GenerateJWT(cfg.Auth.JWTSecret, userID, role, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "利用者ID")
	cmd.Flags().StringVar(&role, "role", "", "ロール（admin, driver, student）")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
