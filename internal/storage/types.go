package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": non-durable, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"

	DefaultPath        = "./data/intentd.db"
	DefaultBusyTimeout = 5 * time.Second
)
