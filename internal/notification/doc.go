// Package notification は送迎サービスの通知機能を提供する。
//
// 管理者・ドライバー・生徒の3つのロールに対し、個別送信、ドライバーから
// 担当車両の生徒への送信、ロール単位の一斉送信を行う。1回の送信は
// Resolverによって複数の通知に展開され、Serviceが順に保存する。
// 通知の閲覧・既読化・削除はCanViewとCanDeleteで判定し、一覧や未読件数は
// 同じ条件から作るFilterで検索する。
//
// receiverRole=all の通知は metadata.intendedRole を持つ場合、そのロールの
// 利用者にのみ見える。ドライバーの送信に伴う管理者向けの控えはこの形で保存する。
package notification
