// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/heraerp/playbook/pkg/store"
	"github.com/heraerp/playbook/pkg/store/memory"
	"github.com/heraerp/playbook/pkg/store/postgres"
)

// NewStore selects a store implementation from the database URL scheme.
// postgres:// connects to PostgreSQL; memory:// holds everything in process
// and is meant for development and tests.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) store.Store {
	switch parseStoreProvider(databaseURL) {
	case "postgres", "postgresql":
		st, err := postgres.NewStore(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return st
	case "memory":
		return memory.NewStore()
	default:
		panic("unsupported database URL: " + databaseURL)
	}
}

func parseStoreProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
