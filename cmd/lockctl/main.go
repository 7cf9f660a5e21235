package main

import (
	"fmt"
	"os"

	"github.com/kota-suzu/StockRx-sub003/pkg/cli"
)

func main() {
	if err := cli.NewLockctlCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
