// authcore はトークン認証と資格情報ライフサイクルを提供するサービス。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/authcore/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
