// 通知サービスのエントリポイント。
// 管理者・ドライバー・生徒の間で通知を送受信するHTTP APIを提供する。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
