// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 通知サービスがEvent Storeへライフサイクルイベントを追記する際に使用する。
// 呼び出し元の利用者IDとロールはコンテキスト経由でヘッダーに伝播する。
package httpclient
