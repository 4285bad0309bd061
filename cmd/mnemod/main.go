package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/dotcommander/mnemo/internal/commands"
)

// version is set via ldflags: -X main.version=v1.0.0
var version = "dev"

func main() {
	// Auth tokens and endpoint overrides usually live in .env.
	_ = godotenv.Load()

	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
