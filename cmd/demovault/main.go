// Command demovault starts the in-memory demo vault for exercising the
// Sentinel agent without a real backend.
// Usage: go run ./cmd/demovault [addr]
// Default addr: 127.0.0.1:8200
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/achilleshq/sentinel/internal/demovault"
	"github.com/achilleshq/sentinel/internal/logging"
)

func main() {
	cfg := demovault.DefaultConfig()
	if len(os.Args) > 1 {
		cfg.Addr = os.Args[1]
	}
	if tok := os.Getenv("SENTINEL_VAULT_TOKEN"); tok != "" {
		cfg.Token = tok
	}

	logger := logging.NewStdoutLogger("demovault")
	server := demovault.NewServer(cfg, logger)

	p := server.CreateProject("playground", "Demo project seeded at startup")
	if err := server.SeedSecret(p.ID, "development", "DEMO_API_KEY", "demo-value-1234567890"); err != nil {
		log.Fatalf("seeding secret: %v", err)
	}
	fmt.Printf("Demo vault on http://%s (project %s)\n", cfg.Addr, p.ID)

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
