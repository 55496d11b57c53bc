// Package middleware は通知サービスのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証（利用者IDとロールの取り出し）、zapによるアクセスログ、
// パニックリカバリ、CORS設定を含む。
package middleware
