package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cassiomorais/memorytx/internal/database"
	"github.com/cassiomorais/memorytx/internal/infrastructure/config"
)

func main() {
	var direction string
	flag.StringVar(&direction, "direction", database.DirectionUp, "Migration direction: up or down")
	flag.Parse()

	// Connection settings come from the same config.yaml / MEMORYTX_* env as the worker.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := database.Migrate(cfg.Database.Settings(), direction); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	switch direction {
	case database.DirectionUp:
		fmt.Printf("Migrations applied successfully (%s)\n", cfg.Database.Dialect())
	case database.DirectionDown:
		fmt.Printf("Migrations rolled back successfully (%s)\n", cfg.Database.Dialect())
	}
}
