// Package storage provides the intent persistence backends.
//
// It currently supports:
//   - sqlite: durable single-file database (default)
//   - memory: process-local maps, for tests and dry runs
package storage
