package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/danpasecinic/execflow/internal/cli"
)

func main() {
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
