package notification

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nao1215/ridenotify/pkg/migration"
)

// migrationsFS は通知サービスのスキーマ定義。ファイル名の番号順に適用する。
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationsDir はmigrationsFS内のマイグレーションディレクトリ。
const migrationsDir = "migrations"

// Migrate は未適用のマイグレーションを適用し、適用した件数を返す。
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (int, error) {
	n, err := migration.Run(ctx, db.DB, migrationsFS, migrationsDir, logger)
	if err != nil {
		return n, fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return n, nil
}

// PendingMigrations は未適用のマイグレーションを返す。
func PendingMigrations(ctx context.Context, db *sqlx.DB) ([]migration.Migration, error) {
	return migration.Pending(ctx, db.DB, migrationsFS, migrationsDir)
}

// OpenDB はSQLiteデータベースを開く。":memory:" の場合は接続を1本に固定する。
func OpenDB(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	return db, nil
}
