package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/brinklane/revtun/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "revtun-agent: .env: %v\n", err)
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
