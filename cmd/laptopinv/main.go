// Command laptopinv はノートPC在庫管理のBFFサーバーとワーカーを起動する。
//
// 使い方:
//
//	laptopinv [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/laptopinv/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "laptopinv: %v\n", err)
		os.Exit(1)
	}
}
