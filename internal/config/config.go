// Package config は通知サービスの設定を読み込む。
//
// 設定はYAMLファイル（任意）、.envファイル（任意）、環境変数の順に上書きされる。
// 環境変数名は従来のサービスと同じ PORT, JWT_SECRET, EVENTSTORE_URL などを使う。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config は通知サービス全体の設定。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	EventStore EventStoreConfig `mapstructure:"eventstore"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Pagination PaginationConfig `mapstructure:"pagination"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig はSQLiteデータベースの設定。
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DSN はmodernc.org/sqlite向けの接続文字列を返す。
func (d DatabaseConfig) DSN() string {
	if d.Path == ":memory:" {
		return d.Path
	}
	return d.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// AuthConfig はJWT検証の設定。
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// EventStoreConfig はEvent Storeサービスの接続先。URLが空ならイベントを送信しない。
type EventStoreConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig は未読件数キャッシュ用のRedis設定。Addressが空ならキャッシュしない。
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LoggingConfig はロガーの設定。
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PaginationConfig は一覧取得のページング既定値。
type PaginationConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// envBindings は設定キーと従来の環境変数名の対応。
var envBindings = map[string]string{
	"server.port":            "PORT",
	"server.allowed_origins": "CORS_ALLOWED_ORIGINS",
	"database.path":          "DATABASE_PATH",
	"auth.jwt_secret":        "JWT_SECRET",
	"eventstore.url":         "EVENTSTORE_URL",
	"redis.address":          "REDIS_ADDR",
	"redis.password":         "REDIS_PASSWORD",
	"logging.level":          "LOG_LEVEL",
	"logging.format":         "LOG_FORMAT",
}

// setDefaults は全設定キーの既定値を登録する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("database.path", "/data/notification.db")
	v.SetDefault("auth.jwt_secret", "dev-secret-key")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("eventstore.url", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("pagination.default_limit", 20)
	v.SetDefault("pagination.max_limit", 100)
}

// Load は設定を読み込む。configFileが空の場合は ./config.yaml と ./configs/config.yaml を探し、
// 見つからなければ既定値と環境変数のみを使う。
func Load(configFile string) (*Config, error) {
	// .envは存在しなくてもよい
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("環境変数 %s のバインドに失敗: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	return &cfg, nil
}

// splitOrigins は環境変数からカンマ区切りで渡されたオリジンを展開する。
func splitOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		for _, part := range strings.Split(o, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port が空です")
	}
	if c.Database.Path == "" {
		return errors.New("database.path が空です")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret が空です")
	}
	if c.Pagination.DefaultLimit <= 0 {
		return fmt.Errorf("pagination.default_limit は正の整数である必要があります: %d", c.Pagination.DefaultLimit)
	}
	if c.Pagination.MaxLimit < c.Pagination.DefaultLimit {
		return fmt.Errorf("pagination.max_limit (%d) は default_limit (%d) 以上である必要があります",
			c.Pagination.MaxLimit, c.Pagination.DefaultLimit)
	}
	return nil
}
