package main

import (
	"fmt"
	"os"

	"github.com/sandeepkv93/unified-auth-sync/internal/tools/authctl"
)

func main() {
	if err := authctl.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
