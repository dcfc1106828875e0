package storage

import (
	"fmt"
	"strings"

	"intentd/internal/intent"
	logx "intentd/pkg/logx"
)

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (intent.Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverSQLite, "sqlite3":
		return openSQLite(cfg, log)
	case DriverMemory:
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
