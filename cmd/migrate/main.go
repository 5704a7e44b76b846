// Command migrate applies the embedded sync engine schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/campusops/syncengine/internal/history/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	dsn := flag.String("database", "", "PostgreSQL DSN (defaults to POSTGRES_DSN)")
	flag.Parse()

	_ = godotenv.Load()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	}
	if target == "" {
		return errors.New("-database flag or POSTGRES_DSN required")
	}
	return postgres.Migrate(target)
}
