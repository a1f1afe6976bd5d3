package store

import (
	"fmt"
	"log/slog"
)

// Config selects and configures a store backend.
type Config struct {
	// Provider is "chromem" (default, embedded) or "qdrant".
	Provider string

	// Chromem holds embedded-backend settings.
	Chromem ChromemConfig

	// Qdrant holds external-backend settings.
	Qdrant QdrantConfig
}

// New creates a Store for the configured provider.
//
// The chromem provider is the default: it persists to local files and needs
// no external service. The qdrant provider requires a reachable Qdrant
// server and fails fast at construction if it is absent.
func New(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("unsupported store provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}
}
